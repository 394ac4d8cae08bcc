package message

import (
	"strings"

	"trello-slack-hooks/pkg/notifier"
)

// Placeholder tokens recognized in message templates.
const (
	PlaceholderBoardName     = "%board_name%"
	PlaceholderCardTitle     = "%card_title%"
	PlaceholderCardURL       = "%card_url%"
	PlaceholderCardAction    = "%card_action%"
	PlaceholderRecipientName = "%recipient_name%"
)

// Render substitutes the placeholders in text. Replacement is a single literal
// pass, so values containing placeholder tokens are not expanded again.
// %recipient_name% stays as-is when the recipient has no mapping.
func Render(text string, ev *notifier.CardEvent, r notifier.Recipient) string {
	pairs := []string{
		PlaceholderBoardName, ev.BoardName,
		PlaceholderCardTitle, ev.CardName,
		PlaceholderCardURL, ev.CardURL,
		PlaceholderCardAction, string(ev.Kind),
	}
	if r.Mapping != nil {
		pairs = append(pairs, PlaceholderRecipientName, r.Mapping.DisplayName)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
