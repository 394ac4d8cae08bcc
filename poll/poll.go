// Package poll runs every hook on a fixed interval.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trello-slack-hooks/hook"
	"trello-slack-hooks/pkg/notifier"
)

// ErrCycleInProgress is returned by TryCheckAll while another cycle runs.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// Boards lists the starred boards shared by hooks within a cycle.
type Boards interface {
	StarredBoards(ctx context.Context) ([]notifier.Board, error)
}

// Hook is one polling rule.
type Hook interface {
	Name() string
	NeedsStarred() bool
	Execute(ctx context.Context, starred []notifier.Board, cycleStart time.Time) (hook.Stats, error)
}

// Report describes the most recent completed cycle.
type Report struct {
	ID          string        `json:"id"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration_ns"`
	Hooks       int           `json:"hooks"`
	FailedHooks int           `json:"failed_hooks"`
	Events      int           `json:"events"`
	Sent        int           `json:"sent"`
	Error       string        `json:"error,omitempty"`
}

// Scheduler owns the hooks and runs them in cycles that never overlap.
type Scheduler struct {
	boards   Boards
	hooks    []Hook
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cycleMu sync.Mutex

	reportMu sync.Mutex
	last     *Report
}

// New creates a new scheduler.
func New(boards Boards, hooks []Hook, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		boards:   boards,
		hooks:    hooks,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run checks all hooks, sleeps for the interval and repeats until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler starting", "hooks", len(s.hooks), "interval", s.interval.String())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping", "error", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.CheckAll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Poll cycle finished with errors", "error", err)
		}
		timer.Reset(s.interval)
	}
}

// TryCheckAll runs a cycle unless one is already running.
func (s *Scheduler) TryCheckAll(ctx context.Context) error {
	if !s.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	return s.cycle(ctx)
}

// CheckAll runs one cycle, waiting for any running cycle to finish first.
func (s *Scheduler) CheckAll(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.cycle(ctx)
}

// LastReport returns the most recent cycle report, or nil before the first cycle ends.
func (s *Scheduler) LastReport() *Report {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *Scheduler) cycle(ctx context.Context) error {
	report := Report{
		ID:      uuid.NewString(),
		Started: s.now(),
		Hooks:   len(s.hooks),
	}
	logger := s.logger.With("cycle_id", report.ID)
	logger.Info("Poll cycle starting", "hooks", len(s.hooks), "timestamp", report.Started.Format(time.RFC3339))

	var starred []notifier.Board
	var cycleErr error
	if s.needsStarred() {
		boards, err := s.boards.StarredBoards(ctx)
		if err != nil {
			logger.Error("Failed to fetch starred boards", "error", err)
			cycleErr = fmt.Errorf("fetch starred boards: %w", err)
		} else {
			starred = boards
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, h := range s.hooks {
		g.Go(func() error {
			stats, ok := s.runHook(ctx, logger, h, starred, report.Started)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				report.FailedHooks++
			}
			report.Events += stats.Events
			report.Sent += stats.Sent
			return nil
		})
	}
	_ = g.Wait() // hook failures are contained in runHook

	report.Duration = s.now().Sub(report.Started)
	if cycleErr != nil {
		report.Error = cycleErr.Error()
	}
	s.reportMu.Lock()
	s.last = &report
	s.reportMu.Unlock()

	logger.Info("Poll cycle completed",
		"hooks", report.Hooks,
		"failed_hooks", report.FailedHooks,
		"events", report.Events,
		"sent", report.Sent,
		"duration_ms", report.Duration.Milliseconds())

	if err := ctx.Err(); err != nil {
		return err
	}
	return cycleErr
}

// runHook executes h and contains its errors and panics.
func (s *Scheduler) runHook(ctx context.Context, logger *slog.Logger, h Hook, starred []notifier.Board, cycleStart time.Time) (stats hook.Stats, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Hook panicked",
				"hook", h.Name(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			ok = false
		}
	}()

	stats, err := h.Execute(ctx, starred, cycleStart)
	if err != nil {
		logger.Error("Hook execution failed", "hook", h.Name(), "error", err)
		return stats, false
	}
	return stats, true
}

func (s *Scheduler) needsStarred() bool {
	for _, h := range s.hooks {
		if h.NeedsStarred() {
			return true
		}
	}
	return false
}
