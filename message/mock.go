package message

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs messages instead of sending them.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Posted
}

// Posted is a message recorded by MockProvider.
type Posted struct {
	Channel string
	Text    string
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Post logs the message and records it.
func (m *MockProvider) Post(ctx context.Context, channel, text string) error {
	m.logger.Info("MOCK SLACK MESSAGE", "channel", channel, "text", text)
	m.mu.Lock()
	m.sent = append(m.sent, Posted{Channel: channel, Text: text})
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of everything posted so far.
func (m *MockProvider) Sent() []Posted {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Posted(nil), m.sent...)
}
