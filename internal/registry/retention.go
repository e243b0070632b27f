package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// sweepParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var sweepParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies and retention policy for the sweeper.
type SweeperConfig struct {
	Registry Registry
	Logger   *slog.Logger

	// Schedule is a 5-field cron expression; defaults to hourly.
	Schedule string

	// MaxAge deletes records older than this; zero disables the rule.
	MaxAge time.Duration

	// MaxEntries keeps only the most recent N records; zero disables the rule.
	MaxEntries int
}

// Sweeper periodically enforces retention: records past their deleteAt
// timestamp, records older than MaxAge, and records beyond MaxEntries.
type Sweeper struct {
	registry   Registry
	logger     *slog.Logger
	schedule   cronlib.Schedule
	maxAge     time.Duration
	maxEntries int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	schedule, err := sweepParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("registry: parse sweep schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:   cfg.Registry,
		logger:     logger,
		schedule:   schedule,
		maxAge:     cfg.MaxAge,
		maxEntries: cfg.MaxEntries,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"max_age", s.maxAge,
		"max_entries", s.maxEntries,
	)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then on the cron schedule.
	s.Sweep(ctx, time.Now())

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep runs all retention rules once. Errors are logged, not returned to
// the loop; a failed rule does not block the others.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	removed, err := s.registry.SweepDueDeletions(ctx, now)
	if err != nil {
		s.logger.Error("retention: sweep due deletions failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("retention: swept due deletions", "removed", removed)
	}

	if s.maxAge > 0 {
		cutoff := now.Add(-s.maxAge)
		removed, err := s.registry.ClearBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error("retention: clear before cutoff failed", "cutoff", cutoff, "error", err)
		} else if removed > 0 {
			s.logger.Info("retention: cleared old records", "cutoff", cutoff, "removed", removed)
		}
	}

	if s.maxEntries > 0 {
		removed, err := s.registry.TrimToMaxEntries(ctx, s.maxEntries)
		if err != nil {
			s.logger.Error("retention: trim to max entries failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("retention: trimmed excess records", "max_entries", s.maxEntries, "removed", removed)
		}
	}
}
