package collector

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the aggregator from a single goroutine, so ticks never
// overlap. A tick that overruns the interval swallows the ticks it missed.
type Scheduler struct {
	logger       *slog.Logger
	aggregator   *Aggregator
	interval     time.Duration
	errorBackoff time.Duration
}

func NewScheduler(logger *slog.Logger, aggregator *Aggregator, interval, errorBackoff time.Duration) *Scheduler {
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}
	return &Scheduler{
		logger:       logger,
		aggregator:   aggregator,
		interval:     interval,
		errorBackoff: errorBackoff,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.tick(ctx); err != nil {
		s.logger.Warn("initial tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("tick failed", "error", err)
				s.sleepWithContext(ctx, s.errorBackoff)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	snap, err := s.aggregator.Tick(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("tick committed", "tick_id", snap.ID, "servers", len(snap.Servers))
	return nil
}

func (s *Scheduler) sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
