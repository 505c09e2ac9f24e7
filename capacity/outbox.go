/*
outbox.go - At-least-once delivery of change events

PURPOSE:
  Every committed load or status change appends an Event to the outbox in
  the same store transaction. The Dispatcher drains undelivered events in
  commit order and hands them to a Publisher.

DELIVERY CONTRACT:
  - An event is marked delivered only after Publish returned nil.
  - A publish failure stops the batch, so later events are never delivered
    ahead of an earlier one for the same consolidation.
  - A crash between Publish and MarkDelivered redelivers. Consumers dedupe
    on Event.DedupKey().

USAGE:
  d := capacity.NewDispatcher(store, publisher, logger)
  engine.OnCommit(d.Notify)
  go d.Run(ctx)
*/
package capacity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDispatchInterval  = time.Second
	DefaultDispatchBatchSize = 100
)

type Dispatcher struct {
	Store     OutboxStore
	Publisher Publisher
	Interval  time.Duration
	BatchSize int
	Clock     Clock
	Logger    *zap.Logger

	wake chan struct{}
}

func NewDispatcher(store OutboxStore, pub Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Store:     store,
		Publisher: pub,
		Interval:  DefaultDispatchInterval,
		BatchSize: DefaultDispatchBatchSize,
		Clock:     SystemClock{},
		Logger:    logger.Named("dispatcher"),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes Run without waiting for the next tick. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every tick or notification until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	d.Logger.Info("dispatcher started", zap.Duration("interval", d.Interval))
	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Warn("outbox drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.Logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Drain publishes pending events until the outbox is empty or a publish
// fails. It returns how many events were delivered.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	delivered := 0
	for {
		events, err := d.Store.PendingEvents(ctx, d.BatchSize)
		if err != nil {
			return delivered, fmt.Errorf("failed to read outbox: %w", err)
		}
		if len(events) == 0 {
			return delivered, nil
		}

		var (
			seqs       []int64
			publishErr error
		)
		for _, oe := range events {
			if err := d.Publisher.Publish(ctx, oe.Event); err != nil {
				publishErr = fmt.Errorf("failed to publish event %d: %w", oe.Seq, err)
				break
			}
			seqs = append(seqs, oe.Seq)
		}

		if len(seqs) > 0 {
			if err := d.Store.MarkDelivered(ctx, seqs, d.Clock.Now()); err != nil {
				return delivered, fmt.Errorf("failed to mark events delivered: %w", err)
			}
			delivered += len(seqs)
		}
		if publishErr != nil {
			return delivered, publishErr
		}
		if len(events) < d.BatchSize {
			return delivered, nil
		}
	}
}
