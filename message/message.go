package message

import (
	"context"
	"log/slog"
	"strings"

	"trello-slack-hooks/pkg/notifier"
)

// Resolver maps Trello and Slack identities.
type Resolver interface {
	ByTrelloID(id string) (*notifier.UserMapping, bool)
	BySlackID(id string) (*notifier.UserMapping, bool)
}

// Sender renders and delivers card notifications.
type Sender struct {
	provider Provider
	resolver Resolver
	logger   *slog.Logger
}

// Result summarizes one Dispatch call.
type Result struct {
	Recipients int
	Sent       int
	Failed     int
}

// New creates a new sender with the given provider.
func New(provider Provider, resolver Resolver, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		resolver: resolver,
		logger:   logger,
	}
}

// Recipients computes who should receive a notification for ev.
// Identities without a mapping are dropped; channels need no mapping.
func (s *Sender) Recipients(ev *notifier.CardEvent, tmpl notifier.Template) []notifier.Recipient {
	var recipients []notifier.Recipient

	if strings.TrimSpace(tmpl.Recipient) == notifier.CardAssignment {
		for _, memberID := range ev.MemberIDs {
			m, ok := s.resolver.ByTrelloID(memberID)
			if !ok {
				s.logger.Warn("Card member has no Slack mapping, skipping", "card_id", ev.CardID, "trello_id", memberID)
				continue
			}
			recipients = append(recipients, notifier.Recipient{Kind: notifier.RecipientDirect, ID: m.SlackID, Mapping: m})
		}
		return recipients
	}

	for _, part := range strings.Split(tmpl.Recipient, ",") {
		id := strings.TrimLeft(strings.TrimSpace(part), "@#")
		if id == "" {
			continue
		}
		if tmpl.Type == notifier.DeliveryChannel {
			recipients = append(recipients, notifier.Recipient{Kind: notifier.RecipientChannel, ID: id})
			continue
		}
		m, ok := s.resolver.BySlackID(id)
		if !ok {
			s.logger.Warn("Direct recipient has no mapping, skipping", "card_id", ev.CardID, "slack_id", id)
			continue
		}
		recipients = append(recipients, notifier.Recipient{Kind: notifier.RecipientDirect, ID: id, Mapping: m})
	}
	return recipients
}

// Deliver posts text to a single recipient.
func (s *Sender) Deliver(ctx context.Context, r notifier.Recipient, text string) error {
	return s.provider.Post(ctx, r.Channel(), text)
}

// Dispatch notifies every recipient of ev. A failed recipient is logged and
// does not stop delivery to the others.
func (s *Sender) Dispatch(ctx context.Context, ev *notifier.CardEvent, tmpl notifier.Template) Result {
	recipients := s.Recipients(ev, tmpl)
	res := Result{Recipients: len(recipients)}

	if len(recipients) == 0 {
		s.logger.Info("No recipients for card", "card_id", ev.CardID, "card_name", ev.CardName)
		return res
	}

	for _, r := range recipients {
		text := Render(tmpl.Message, ev, r)
		if err := s.Deliver(ctx, r, text); err != nil {
			res.Failed++
			s.logger.Error("Failed to send Slack message",
				"card_id", ev.CardID,
				"channel", r.Channel(),
				"error", err)
			continue
		}
		res.Sent++
		s.logger.Info("Slack message sent",
			"card_id", ev.CardID,
			"card_action", ev.Kind,
			"channel", r.Channel())
	}
	return res
}
