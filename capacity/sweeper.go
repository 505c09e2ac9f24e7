/*
sweeper.go - Time-driven status re-evaluation

PURPOSE:
  Load changes re-derive status inside their own transaction, but the
  closing window is crossed by the clock alone. The Sweeper periodically
  persists those time-driven transitions so stored status and emitted
  events catch up with reads (which already project status to now).

DESIGN:
  - Ticks on a configurable interval, and once immediately on start
  - Goes through StatusEngine.RefreshAll, so every change takes the same
    per-consolidation lock as a booking
  - Statuses moved by an operator (in_transit, completed, cancelled) are
    never touched

USAGE:
  sweeper := capacity.NewSweeper(engine.Status, logger)
  go sweeper.Run(ctx)
*/
package capacity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = time.Minute

type Sweeper struct {
	Status   *StatusEngine
	Interval time.Duration
	Logger   *zap.Logger

	mu      sync.Mutex
	lastRun time.Time
}

func NewSweeper(status *StatusEngine, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Status:   status,
		Interval: DefaultSweepInterval,
		Logger:   logger.Named("sweeper"),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.Info("sweeper started", zap.Duration("interval", s.Interval))

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			s.Logger.Info("sweeper stopped")
			return nil
		}
	}
}

// RunNow performs one sweep and returns how many statuses changed.
func (s *Sweeper) RunNow(ctx context.Context) int {
	updated, err := s.Status.RefreshAll(ctx)

	s.mu.Lock()
	s.lastRun = s.Status.ledger.clock.Now()
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Error("status sweep failed", zap.Int("updated", updated), zap.Error(err))
		}
		return updated
	}
	if updated > 0 {
		s.Logger.Info("status sweep completed", zap.Int("updated", updated))
	}
	return updated
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *Sweeper) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return s.Status.ledger.clock.Now()
	}
	return s.lastRun.Add(s.Interval)
}
