/*
ledger.go - The single writer of consolidation load

PURPOSE:
  The Ledger is the only path by which CurrentLoad changes. Every change
  runs through apply(), which is the per-consolidation serialization point
  of the whole engine.

HOW A MUTATION RUNS:
  1. Acquire the consolidation's lock (cancellable while waiting)
  2. Open a store transaction and read the current record
  3. Run the mutation (reserve, release, booking writes, transitions)
  4. Re-derive status from the new load and the clock
  5. Refuse to persist anything outside [0, capacity]
  6. Compare-and-swap the record on its version, append the change event
     to the outbox, commit
  7. A lost CAS (another process won) retries from 2, a bounded number of times

  Steps 2-6 are one transaction, so no reader ever sees a load whose status
  has not been re-evaluated, and a failed or cancelled call leaves the
  load exactly as it was.

SEE ALSO:
  - lifecycle.go: Derive() used in step 4
  - allocator.go: Book/CancelBooking build on apply()
*/
package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultMaxRetries = 5

// mutation edits c in place and may write bookings through s.
// Returning errUnchanged commits nothing and is not an error to the caller.
type mutation func(ctx context.Context, s Store, c *Consolidation, now time.Time) error

var errUnchanged = errors.New("unchanged")

type Ledger struct {
	store      TxStore
	lifecycle  Lifecycle
	clock      Clock
	locks      *keyedLocks
	maxRetries int
	logger     *zap.Logger

	// onCommit runs after every commit that produced an event.
	onCommit func()
}

func consolidationKey(id ConsolidationID) string { return "consolidation:" + string(id) }
func seekerKey(id ParticipantID) string          { return "seeker:" + string(id) }

// Reserve atomically adds qty to the consolidation's load and returns the
// new load. Two reservations that together exceed the remaining capacity
// can never both succeed.
func (l *Ledger) Reserve(ctx context.Context, id ConsolidationID, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: reserve %s", ErrInvalidQuantity, qty)
	}
	c, err := l.apply(ctx, id, ReasonReserve, func(_ context.Context, _ Store, c *Consolidation, _ time.Time) error {
		return c.reserve(qty)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return c.CurrentLoad, nil
}

// Release atomically subtracts qty from the load. Releasing more than is
// loaded fails with ErrOverRelease instead of going negative.
func (l *Ledger) Release(ctx context.Context, id ConsolidationID, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: release %s", ErrInvalidQuantity, qty)
	}
	c, err := l.apply(ctx, id, ReasonRelease, func(_ context.Context, _ Store, c *Consolidation, _ time.Time) error {
		return c.release(qty)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return c.CurrentLoad, nil
}

func (l *Ledger) apply(ctx context.Context, id ConsolidationID, reason EventReason, fn mutation) (Consolidation, error) {
	release, err := l.locks.Acquire(ctx, consolidationKey(id))
	if err != nil {
		return Consolidation{}, err
	}
	defer release()

	var (
		out     Consolidation
		emitted bool
	)
	for attempt := 1; ; attempt++ {
		emitted = false
		err = l.store.WithTx(ctx, func(s Store) error {
			now := l.clock.Now()
			current, err := s.GetConsolidation(ctx, id)
			if err != nil {
				return err
			}

			next := *current
			if err := fn(ctx, s, &next, now); err != nil {
				return err
			}
			if next.Status.Derivable() {
				next.Status = l.lifecycle.Derive(next, now)
			}
			if err := next.checkInvariant(); err != nil {
				l.logger.Error("refusing to persist invariant violation",
					zap.String("consolidation_id", string(id)),
					zap.String("reason", string(reason)),
					zap.Error(err))
				return err
			}

			next.Version = current.Version + 1
			next.UpdatedAt = now
			if err := s.UpdateConsolidation(ctx, next, current.Version); err != nil {
				return err
			}

			if changed(*current, next) {
				if err := s.AppendOutbox(ctx, eventFor(next, reason, now)); err != nil {
					return fmt.Errorf("failed to append outbox event: %w", err)
				}
				emitted = true
			}

			// A caller that gave up must not find its mutation committed.
			if err := ctx.Err(); err != nil {
				return err
			}
			out = next
			return nil
		})

		if errors.Is(err, ErrConcurrentModification) && attempt < l.maxRetries {
			l.logger.Debug("retrying after concurrent modification",
				zap.String("consolidation_id", string(id)),
				zap.Int("attempt", attempt))
			continue
		}
		break
	}

	if errors.Is(err, errUnchanged) {
		return l.snapshot(ctx, id)
	}
	if err != nil {
		return Consolidation{}, err
	}

	if emitted && l.onCommit != nil {
		l.onCommit()
	}
	return out, nil
}

// snapshot reads a consolidation and projects its status to the clock.
func (l *Ledger) snapshot(ctx context.Context, id ConsolidationID) (Consolidation, error) {
	c, err := l.store.GetConsolidation(ctx, id)
	if err != nil {
		return Consolidation{}, err
	}
	return l.lifecycle.Project(*c, l.clock.Now()), nil
}

func changed(before, after Consolidation) bool {
	return !before.CurrentLoad.Equal(after.CurrentLoad) ||
		!before.TotalCapacity.Equal(after.TotalCapacity) ||
		before.Status != after.Status
}
