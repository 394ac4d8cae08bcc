// Package notifier contains the core domain types for the Trello to Slack hook service.
package notifier

import (
	"strings"
	"time"
)

// AllStarred selects every board the service account has starred.
const AllStarred = "ALL_STARRED"

// CardAssignment makes the card's members the recipients of a message.
const CardAssignment = "CARD_ASSIGNMENT"

// Kind classifies a card change.
type Kind string

// Change kinds, also used as trigger names in hook definitions.
const (
	KindCreated Kind = "created"
	KindMoved   Kind = "moved"
)

// ParseKind maps a trigger name to its Kind. "updated" is an alias for moved.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return KindCreated, true
	case "moved", "updated":
		return KindMoved, true
	default:
		return "", false
	}
}

// DeliveryType decides whether explicit recipients are users or channels.
type DeliveryType string

// Delivery types.
const (
	DeliveryDirect  DeliveryType = "direct"
	DeliveryChannel DeliveryType = "channel"
)

// UserMapping links a Trello member to a Slack user.
type UserMapping struct {
	TrelloID    string `yaml:"trello_id"`
	SlackID     string `yaml:"slack_id"`
	DisplayName string `yaml:"display_name"`
}

// Template describes who receives a message and what it says.
type Template struct {
	Recipient string       `yaml:"recipient"` // CARD_ASSIGNMENT or comma-separated IDs/channels
	Type      DeliveryType `yaml:"type"`
	Message   string       `yaml:"message"`
}

// HookConfig is one polling rule.
type HookConfig struct {
	Name     string   // For logs
	Boards   []string // Explicit board IDs; empty when Starred is set
	Starred  bool     // Board selector is ALL_STARRED
	ListName string   // Matched case-insensitively
	Triggers []Kind
	Template Template
}

// Wants reports whether the hook triggers on kind.
func (h *HookConfig) Wants(kind Kind) bool {
	for _, k := range h.Triggers {
		if k == kind {
			return true
		}
	}
	return false
}

// Board is a Trello board. Name may be empty for boards addressed by ID only.
type Board struct {
	ID   string
	Name string
	URL  string
}

// Member is a Trello organization member.
type Member struct {
	ID       string
	FullName string
}

// SlackUser is a Slack workspace user.
type SlackUser struct {
	ID       string
	RealName string
	IsBot    bool
}

// CardEvent is a card change matched by a hook during one poll.
type CardEvent struct {
	CardID    string
	CardName  string
	CardURL   string
	BoardID   string
	BoardName string
	MemberIDs []string
	Kind      Kind
	At        time.Time // Time of the action that produced the event
}

// RecipientKind distinguishes direct messages from channel posts.
type RecipientKind int

// Recipient kinds.
const (
	RecipientDirect RecipientKind = iota
	RecipientChannel
)

// Recipient is a resolved message destination.
type Recipient struct {
	Kind    RecipientKind
	ID      string       // Slack user ID or channel name (without '#')
	Mapping *UserMapping // Nil when no identity mapping exists
}

// Channel returns the value Slack expects in chat.postMessage.
func (r Recipient) Channel() string {
	if r.Kind == RecipientChannel {
		return "#" + r.ID
	}
	return r.ID
}
