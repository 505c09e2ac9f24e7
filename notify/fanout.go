package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/warp/capacity-engine/capacity"
)

// LogPublisher writes one structured log line per event.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, e capacity.Event) error {
	p.Logger.Info("capacity changed",
		zap.String("consolidation_id", string(e.ConsolidationID)),
		zap.String("new_load", e.Load.String()),
		zap.String("total_capacity", e.Capacity.String()),
		zap.Stringer("new_status", e.Status),
		zap.String("reason", string(e.Reason)),
		zap.Time("at", e.At))
	return nil
}

// Fanout delivers each event to every publisher. It returns the joined
// errors of those that failed; the dispatcher then retries the event for
// all of them, which consumers absorb through deduplication.
type Fanout []capacity.Publisher

func (f Fanout) Publish(ctx context.Context, e capacity.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
