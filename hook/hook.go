// Package hook runs a single polling rule: fetch card changes from its boards,
// notify, and move its watermark forward.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"trello-slack-hooks/message"
	"trello-slack-hooks/pkg/notifier"
	"trello-slack-hooks/pool"
)

// Boards fetches card changes for one board.
type Boards interface {
	ChangedCards(ctx context.Context, kinds []notifier.Kind, board notifier.Board, listName string, since, until time.Time) ([]*notifier.CardEvent, error)
}

// Dispatcher delivers notifications for one card event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *notifier.CardEvent, tmpl notifier.Template) message.Result
}

// ErrNoStarredBoards is returned when a hook selects starred boards but the
// cycle has no starred snapshot.
var ErrNoStarredBoards = errors.New("starred boards unavailable this cycle")

// State is the hook's position within a cycle.
type State int32

// Hook states, in cycle order.
const (
	Idle State = iota
	FetchingBoards
	AwaitingFetches
	Dispatching
	WatermarkAdvanced
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingBoards:
		return "fetching_boards"
	case AwaitingFetches:
		return "awaiting_fetches"
	case Dispatching:
		return "dispatching"
	case WatermarkAdvanced:
		return "watermark_advanced"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats summarizes one Execute call.
type Stats struct {
	Boards      int
	BoardErrors int
	Events      int
	Sent        int
	Failed      int
}

// Hook owns one polling rule and its watermark.
type Hook struct {
	cfg    notifier.HookConfig
	boards Boards
	sender Dispatcher
	pool   *pool.Pool
	logger *slog.Logger

	// Unix seconds. Written only by this hook's own cycle; atomic so the
	// status server can read it.
	watermark atomic.Int64
	state     atomic.Int32
}

// New creates a hook whose first window starts at start.
func New(cfg notifier.HookConfig, boards Boards, sender Dispatcher, p *pool.Pool, start time.Time, logger *slog.Logger) *Hook {
	h := &Hook{
		cfg:    cfg,
		boards: boards,
		sender: sender,
		pool:   p,
		logger: logger.With("hook", cfg.Name),
	}
	h.watermark.Store(start.UTC().Truncate(time.Second).Unix())
	return h
}

// Name returns the configured hook name.
func (h *Hook) Name() string {
	return h.cfg.Name
}

// NeedsStarred reports whether the hook selects starred boards.
func (h *Hook) NeedsStarred() bool {
	return h.cfg.Starred
}

// Watermark returns the start of the next fetch window.
func (h *Hook) Watermark() time.Time {
	return time.Unix(h.watermark.Load(), 0).UTC()
}

// State returns the hook's current state.
func (h *Hook) State() State {
	return State(h.state.Load())
}

func (h *Hook) setState(s State) {
	h.state.Store(int32(s))
	h.logger.Debug("Hook state changed", "state", s.String())
}

// Advance moves the watermark to t. It never moves backwards.
func (h *Hook) Advance(t time.Time) {
	next := t.UTC().Truncate(time.Second).Unix()
	if next > h.watermark.Load() {
		h.watermark.Store(next)
	}
}

// Execute processes the window [watermark, cycleStart). starred is the cycle's
// shared starred-board snapshot and must not be modified.
//
// The watermark advances to cycleStart however Execute ends, including board
// errors and panics, so a persistent failure does not replay the same window.
// Board errors are returned joined after every event from healthy boards has
// been dispatched.
func (h *Hook) Execute(ctx context.Context, starred []notifier.Board, cycleStart time.Time) (stats Stats, err error) {
	since := h.Watermark()
	until := cycleStart.UTC().Truncate(time.Second)

	defer func() {
		h.setState(WatermarkAdvanced)
		h.Advance(until)
		h.setState(Idle)
	}()

	h.setState(FetchingBoards)
	boards, err := h.targetBoards(starred)
	if err != nil {
		return stats, err
	}
	stats.Boards = len(boards)

	if !until.After(since) {
		h.logger.Debug("Empty window, nothing to fetch", "since", since.Format(time.RFC3339), "until", until.Format(time.RFC3339))
		return stats, nil
	}

	h.logger.Info("Hook check starting",
		"boards", len(boards),
		"list_name", h.cfg.ListName,
		"since", since.Format(time.RFC3339),
		"until", until.Format(time.RFC3339))

	h.setState(AwaitingFetches)
	results := make([][]*notifier.CardEvent, len(boards))
	tasks := make([]func(context.Context) error, len(boards))
	for i, b := range boards {
		tasks[i] = func(ctx context.Context) error {
			evs, err := h.boards.ChangedCards(ctx, h.cfg.Triggers, b, h.cfg.ListName, since, until)
			if err != nil {
				return err
			}
			results[i] = evs
			return nil
		}
	}
	fetchErrs := h.pool.Run(ctx, tasks)

	var boardErrs []error
	for i, ferr := range fetchErrs {
		if ferr == nil {
			continue
		}
		stats.BoardErrors++
		h.logger.Warn("Board fetch failed", "board_id", boards[i].ID, "board_name", boards[i].Name, "error", ferr)
		boardErrs = append(boardErrs, fmt.Errorf("board %s: %w", boards[i].ID, ferr))
	}

	h.setState(Dispatching)
	for _, evs := range results {
		for _, ev := range evs {
			stats.Events++
			res := h.sender.Dispatch(ctx, ev, h.cfg.Template)
			stats.Sent += res.Sent
			stats.Failed += res.Failed
		}
	}

	h.logger.Info("Hook check completed",
		"boards", stats.Boards,
		"board_errors", stats.BoardErrors,
		"events", stats.Events,
		"sent", stats.Sent,
		"failed", stats.Failed)

	return stats, errors.Join(boardErrs...)
}

func (h *Hook) targetBoards(starred []notifier.Board) ([]notifier.Board, error) {
	if !h.cfg.Starred {
		boards := make([]notifier.Board, 0, len(h.cfg.Boards))
		for _, id := range h.cfg.Boards {
			boards = append(boards, notifier.Board{ID: id})
		}
		return boards, nil
	}
	if starred == nil {
		return nil, ErrNoStarredBoards
	}
	return starred, nil
}
