/*
lifecycle.go - Status Lifecycle Engine

DERIVED TRANSITIONS (evaluated after every load or time change):
  full          when load == capacity
  closing_soon  when load/capacity >= ClosingSoonRatio
                or the departure deadline is closer than ClosingSoonWindow
  open          otherwise

  Derivation only applies to open, closing_soon and full. Once an operator
  has moved a consolidation to in_transit, completed or cancelled, load
  changes never move it back.

EXPLICIT TRANSITIONS (StatusEngine):
  Cancel         open|closing_soon|full -> cancelled
  MarkInTransit  open|closing_soon|full -> in_transit (deadline passed or depart now)
  MarkCompleted  in_transit -> completed

  All of them run through Ledger.apply, so they serialize with bookings on
  the same consolidation.
*/
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	DefaultClosingSoonRatio  = decimal.NewFromFloat(0.8)
	DefaultClosingSoonWindow = 48 * time.Hour
)

// Lifecycle holds the thresholds for derived transitions. It is pure.
type Lifecycle struct {
	ClosingSoonRatio  decimal.Decimal
	ClosingSoonWindow time.Duration
}

func DefaultLifecycle() Lifecycle {
	return Lifecycle{
		ClosingSoonRatio:  DefaultClosingSoonRatio,
		ClosingSoonWindow: DefaultClosingSoonWindow,
	}
}

// Derive returns the status c should have at now.
func (lc Lifecycle) Derive(c Consolidation, now time.Time) Status {
	if !c.Status.Derivable() {
		return c.Status
	}
	if c.CurrentLoad.Equal(c.TotalCapacity) {
		return StatusFull
	}
	// Compared without dividing: Div rounds and would lift loads just below the ratio onto it.
	if c.CurrentLoad.GreaterThanOrEqual(lc.ClosingSoonRatio.Mul(c.TotalCapacity)) {
		return StatusClosingSoon
	}
	if c.DepartureDeadline.Sub(now) < lc.ClosingSoonWindow {
		return StatusClosingSoon
	}
	return StatusOpen
}

// Project returns c with its status derived for now. Read paths use it so
// time-driven transitions are visible before the sweeper persists them.
func (lc Lifecycle) Project(c Consolidation, now time.Time) Consolidation {
	c.Status = lc.Derive(c, now)
	return c
}

// =============================================================================
// STATUS ENGINE - Operator and time driven transitions
// =============================================================================

type StatusEngine struct {
	ledger     *Ledger
	store      TxStore
	settlement SettlementGuard
	logger     *zap.Logger
}

// Refresh re-derives and persists the status of one consolidation. It
// commits nothing when the stored status is already current.
func (se *StatusEngine) Refresh(ctx context.Context, id ConsolidationID) (Consolidation, error) {
	return se.ledger.apply(ctx, id, ReasonRefresh, func(_ context.Context, _ Store, c *Consolidation, now time.Time) error {
		if !c.Status.Derivable() || se.ledger.lifecycle.Derive(*c, now) == c.Status {
			return errUnchanged
		}
		return nil
	})
}

// RefreshAll refreshes every consolidation whose status is still derived.
// It returns how many changed.
func (se *StatusEngine) RefreshAll(ctx context.Context) (int, error) {
	all, err := se.store.ListConsolidations(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list consolidations: %w", err)
	}

	updated := 0
	for _, c := range all {
		if !c.Status.Derivable() {
			continue
		}
		after, err := se.Refresh(ctx, c.ID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return updated, err
		}
		if after.Status != c.Status {
			updated++
		}
	}
	return updated, nil
}

// Cancel moves a consolidation to cancelled and releases every reserved
// booking. The settlement guard can veto it.
func (se *StatusEngine) Cancel(ctx context.Context, id ConsolidationID) (Consolidation, error) {
	return se.ledger.apply(ctx, id, ReasonTransition, func(ctx context.Context, s Store, c *Consolidation, now time.Time) error {
		if _, err := c.Status.TransitionTo(StatusCancelled); err != nil {
			return err
		}

		bookings, err := s.ListBookings(ctx, c.ID)
		if err != nil {
			return err
		}
		var reserved []BookingID
		for _, b := range bookings {
			if b.State == BookingReserved {
				reserved = append(reserved, b.ID)
			}
		}
		if len(reserved) > 0 {
			blocked, err := se.settlement.BlocksCancellation(ctx, c.ID, reserved)
			if err != nil {
				return fmt.Errorf("settlement check failed: %w", err)
			}
			if blocked {
				return ErrCancellationBlocked
			}
		}

		for _, b := range bookings {
			if b.State != BookingReserved {
				continue
			}
			if err := c.release(b.Quantity); err != nil {
				return err
			}
			b.State = BookingReleased
			b.UpdatedAt = now
			b.ReleasedAt = &now
			if err := s.UpdateBooking(ctx, b); err != nil {
				return err
			}
		}
		c.Status = StatusCancelled
		return nil
	})
}

// MarkInTransit records departure. Without departNow the deadline must
// already have passed.
func (se *StatusEngine) MarkInTransit(ctx context.Context, id ConsolidationID, departNow bool) (Consolidation, error) {
	return se.ledger.apply(ctx, id, ReasonTransition, func(_ context.Context, _ Store, c *Consolidation, now time.Time) error {
		if _, err := c.Status.TransitionTo(StatusInTransit); err != nil {
			return err
		}
		if !departNow && now.Before(c.DepartureDeadline) {
			return fmt.Errorf("%w: departure deadline %s not reached",
				ErrInvalidTransition, c.DepartureDeadline.Format(time.RFC3339))
		}
		c.Status = StatusInTransit
		return nil
	})
}

// MarkCompleted closes an in-transit consolidation; reserved bookings are
// settled.
func (se *StatusEngine) MarkCompleted(ctx context.Context, id ConsolidationID) (Consolidation, error) {
	return se.ledger.apply(ctx, id, ReasonTransition, func(ctx context.Context, s Store, c *Consolidation, now time.Time) error {
		if _, err := c.Status.TransitionTo(StatusCompleted); err != nil {
			return err
		}
		bookings, err := s.ListBookings(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, b := range bookings {
			if b.State != BookingReserved {
				continue
			}
			b.State = BookingSettled
			b.UpdatedAt = now
			b.SettledAt = &now
			if err := s.UpdateBooking(ctx, b); err != nil {
				return err
			}
		}
		c.Status = StatusCompleted
		return nil
	})
}
