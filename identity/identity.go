// Package identity maps Trello members to Slack users and back.
package identity

import (
	"log/slog"

	"trello-slack-hooks/pkg/notifier"
)

// Resolver looks up user mappings from a static table.
type Resolver struct {
	logger   *slog.Logger
	mappings []notifier.UserMapping
}

// New creates a resolver. Duplicate identities are reported but kept;
// the first declared entry wins on lookup.
func New(mappings []notifier.UserMapping, logger *slog.Logger) *Resolver {
	seenTrello := make(map[string]bool, len(mappings))
	seenSlack := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.TrelloID != "" && seenTrello[m.TrelloID] {
			logger.Warn("Duplicate user mapping, first entry wins", "trello_id", m.TrelloID)
		}
		if m.SlackID != "" && seenSlack[m.SlackID] {
			logger.Warn("Duplicate user mapping, first entry wins", "slack_id", m.SlackID)
		}
		seenTrello[m.TrelloID] = true
		seenSlack[m.SlackID] = true
	}
	return &Resolver{
		logger:   logger,
		mappings: mappings,
	}
}

// Resolve finds the mapping for a Trello ID or a Slack ID.
// Exactly one of the two must be non-empty; passing neither panics.
// A missing mapping is logged and reported as (nil, false).
func (r *Resolver) Resolve(trelloID, slackID string) (*notifier.UserMapping, bool) {
	if trelloID == "" && slackID == "" {
		panic("identity: neither trello id nor slack id provided")
	}
	for i := range r.mappings {
		m := &r.mappings[i]
		if trelloID != "" && m.TrelloID == trelloID {
			return m, true
		}
		if slackID != "" && m.SlackID == slackID {
			return m, true
		}
	}

	if trelloID != "" {
		r.logger.Warn("No user mapping", "trello_id", trelloID)
	} else {
		r.logger.Warn("No user mapping", "slack_id", slackID)
	}
	return nil, false
}

// ByTrelloID resolves a Trello member ID.
func (r *Resolver) ByTrelloID(id string) (*notifier.UserMapping, bool) {
	return r.Resolve(id, "")
}

// BySlackID resolves a Slack user ID.
func (r *Resolver) BySlackID(id string) (*notifier.UserMapping, bool) {
	return r.Resolve("", id)
}
