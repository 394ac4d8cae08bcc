package trello

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"trello-slack-hooks/pkg/notifier"
)

// Max actions Trello returns per request.
const actionLimit = 1000

// actionKinds maps Trello action types to the change kind they produce.
var actionKinds = map[string]notifier.Kind{
	"createCard":                 notifier.KindCreated,
	"copyCard":                   notifier.KindCreated,
	"convertToCardFromCheckItem": notifier.KindCreated,
	"updateCard":                 notifier.KindMoved, // only requested as updateCard:idList
	"moveCardToBoard":            notifier.KindMoved,
}

// actionFilters are the filter values requested for each kind.
var actionFilters = map[notifier.Kind][]string{
	notifier.KindCreated: {"createCard", "copyCard", "convertToCardFromCheckItem"},
	notifier.KindMoved:   {"updateCard:idList", "moveCardToBoard"},
}

type listRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type action struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Date time.Time `json:"date"`
	Data struct {
		Card struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"card"`
		Board     listRef  `json:"board"`
		List      *listRef `json:"list"`
		ListAfter *listRef `json:"listAfter"`
	} `json:"data"`
}

type cardJSON struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ShortURL  string   `json:"shortUrl"`
	IDMembers []string `json:"idMembers"`
	Closed    bool     `json:"closed"`
	List      listRef  `json:"list"`
	Board     listRef  `json:"board"`
}

// ChangedCards returns the cards on board that landed in listName through an
// action of one of the given kinds within [since, until).
//
// Actions are processed in the order Trello returns them (newest first) and the
// first qualifying action for a card decides its kind. Actions that do not
// qualify leave the card open for a later action to match.
func (c *Client) ChangedCards(ctx context.Context, kinds []notifier.Kind, board notifier.Board, listName string, since, until time.Time) ([]*notifier.CardEvent, error) {
	var filters []string
	for _, k := range kinds {
		filters = append(filters, actionFilters[k]...)
	}
	if len(filters) == 0 {
		return nil, nil
	}

	q := url.Values{
		"filter": {strings.Join(filters, ",")},
		"since":  {since.UTC().Format(time.RFC3339)},
		"before": {until.UTC().Format(time.RFC3339)},
		"limit":  {fmt.Sprint(actionLimit)},
		"fields": {"type,date,data"},
	}
	var actions []action
	if err := c.get(ctx, "/boards/"+url.PathEscape(board.ID)+"/actions", q, &actions); err != nil {
		return nil, fmt.Errorf("list actions for board %s: %w", board.ID, err)
	}
	if len(actions) == actionLimit {
		c.logger.Warn("Action page full, older changes in the window may be missed",
			"board_id", board.ID, "limit", actionLimit)
	}

	target := strings.ToLower(strings.TrimSpace(listName))
	events := make(map[string]*notifier.CardEvent)
	var order []string
	cards := make(map[string]*cardJSON)
	skipped := make(map[string]bool) // deleted, archived or unreadable cards

	for i := range actions {
		a := &actions[i]
		cardID := a.Data.Card.ID
		if cardID == "" || events[cardID] != nil || skipped[cardID] {
			continue
		}
		kind, ok := actionKinds[a.Type]
		if !ok {
			continue
		}
		if a.Date.Before(since) || !a.Date.Before(until) {
			continue
		}

		// Moves name the destination list; other actions use the card's current list.
		if a.Data.ListAfter != nil && a.Data.ListAfter.Name != "" {
			if strings.ToLower(a.Data.ListAfter.Name) != target {
				continue
			}
		}

		card, err := c.cardCached(ctx, cards, cardID)
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("Card no longer exists, skipping", "card_id", cardID, "board_id", board.ID)
			skipped[cardID] = true
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Card detail unavailable, skipping", "card_id", cardID, "board_id", board.ID, "error", err)
			skipped[cardID] = true
			continue
		}
		if card.Closed {
			skipped[cardID] = true
			continue
		}
		if a.Data.ListAfter == nil || a.Data.ListAfter.Name == "" {
			if strings.ToLower(card.List.Name) != target {
				continue
			}
		}

		boardName := card.Board.Name
		if boardName == "" {
			boardName = a.Data.Board.Name
		}
		if boardName == "" {
			boardName = board.Name
		}

		events[cardID] = &notifier.CardEvent{
			CardID:    cardID,
			CardName:  card.Name,
			CardURL:   card.ShortURL,
			BoardID:   board.ID,
			BoardName: boardName,
			MemberIDs: card.IDMembers,
			Kind:      kind,
			At:        a.Date,
		}
		order = append(order, cardID)
	}

	result := make([]*notifier.CardEvent, 0, len(order))
	for _, id := range order {
		result = append(result, events[id])
	}

	c.logger.Info("Board actions checked",
		"board_id", board.ID,
		"board_name", board.Name,
		"list_name", listName,
		"actions", len(actions),
		"matched", len(result),
		"since", since.Format(time.RFC3339),
		"until", until.Format(time.RFC3339))

	return result, nil
}

func (c *Client) cardCached(ctx context.Context, cache map[string]*cardJSON, id string) (*cardJSON, error) {
	if card, ok := cache[id]; ok {
		return card, nil
	}
	q := url.Values{
		"fields":       {"name,shortUrl,idMembers,closed"},
		"list":         {"true"},
		"list_fields":  {"name"},
		"board":        {"true"},
		"board_fields": {"name"},
	}
	var card cardJSON
	if err := c.get(ctx, "/cards/"+url.PathEscape(id), q, &card); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch card %s: %w", id, err)
	}
	cache[id] = &card
	return &card, nil
}
