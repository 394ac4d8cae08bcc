// Package message turns card events into Slack messages and delivers them.
package message

import (
	"context"
)

// Provider delivers a rendered message to one Slack destination.
type Provider interface {
	// Post sends text to a user ID or a "#channel".
	Post(ctx context.Context, channel, text string) error
}
