// Package server exposes health and manual poll endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"trello-slack-hooks/hook"
	"trello-slack-hooks/poll"
)

// Poller runs poll cycles.
type Poller interface {
	TryCheckAll(ctx context.Context) error
	LastReport() *poll.Report
}

// HookStatus exposes a hook's progress.
type HookStatus interface {
	Name() string
	State() hook.State
	Watermark() time.Time
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	hooks  []HookStatus
	logger *slog.Logger
	ctx    context.Context
}

// New creates a new HTTP server handler.
func New(poller Poller, hooks []HookStatus, logger *slog.Logger) *Server {
	return &Server{
		poller: poller,
		hooks:  hooks,
		logger: logger,
		ctx:    context.Background(),
	}
}

type hookJSON struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Watermark time.Time `json:"watermark"`
}

type healthJSON struct {
	Status    string       `json:"status"`
	Hooks     []hookJSON   `json:"hooks"`
	LastCycle *poll.Report `json:"last_cycle,omitempty"`
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx ends. Manual polls run under ctx rather than
// the request context so a dropped client does not cut a cycle short.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.ctx = ctx

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // a manual poll waits for the whole cycle
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Close(); err != nil {
			s.logger.Warn("Failed to close HTTP server", "error", err)
		}
	}()

	s.logger.Info("Starting HTTP server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthJSON{Status: "healthy", LastCycle: s.poller.LastReport()}
	for _, h := range s.hooks {
		resp.Hooks = append(resp.Hooks, hookJSON{
			Name:      h.Name(),
			State:     h.State().String(),
			Watermark: h.Watermark(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	err := s.poller.TryCheckAll(s.ctx)
	switch {
	case errors.Is(err, poll.ErrCycleInProgress):
		http.Error(w, "Poll already running", http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "completed", "cycle": s.poller.LastReport()}); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
