/*
allocator.go - Booking admission and consolidation management

PURPOSE:
  The Allocator is the transactional boundary for "seeker S wants N units
  of consolidation C". It owns the admission checks and delegates the load
  change to the Ledger, so the check and the reservation happen under the
  same serialization point.

BOOK ORDER:
  1. cargo must carry a positive quantity           -> ErrInvalidQuantity
  2. consolidation must exist                       -> ErrNotFound
  3. now must be before the departure deadline      -> ErrDeadlinePassed
  4. status must be open or closing_soon            -> ErrNotBookable
  5. reserve (never truncated)                      -> ErrInsufficientCapacity
  6. price and persist the booking as reserved
  7. status re-derived and event appended by the Ledger, same transaction

  A failed or cancelled Book leaves the load exactly as it was.

REQUEST QUOTA:
  Creating a request-kind consolidation is gated by the seeker's tier limit
  on active requests. Count and insert run under the seeker's lock and in
  one transaction, so two concurrent creations cannot both slip under it.
*/
package capacity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultCurrency = "USD"

type Allocator struct {
	ledger *Ledger
	store  TxStore
	quota  QuotaSource
	logger *zap.Logger
}

// =============================================================================
// BOOKINGS
// =============================================================================

// Book admits cargo into a consolidation and returns the reserved booking.
func (a *Allocator) Book(ctx context.Context, id ConsolidationID, seeker ParticipantID, cargo Cargo) (Booking, error) {
	if err := cargo.validate(); err != nil {
		return Booking{}, err
	}
	if seeker == "" {
		return Booking{}, &ValidationError{Field: "seeker_id", Reason: "required"}
	}

	var booking Booking
	_, err := a.ledger.apply(ctx, id, ReasonReserve, func(ctx context.Context, s Store, c *Consolidation, now time.Time) error {
		if !now.Before(c.DepartureDeadline) {
			return fmt.Errorf("%w: consolidation %s closed at %s",
				ErrDeadlinePassed, c.ID, c.DepartureDeadline.Format(time.RFC3339))
		}
		if status := a.ledger.lifecycle.Derive(*c, now); !status.Bookable() {
			return fmt.Errorf("%w: consolidation %s is %s", ErrNotBookable, c.ID, status)
		}

		cost, qty, err := Quote(*c, cargo)
		if err != nil {
			return err
		}
		if err := c.reserve(qty); err != nil {
			return err
		}

		booking = Booking{
			ID:              BookingID(uuid.NewString()),
			ConsolidationID: c.ID,
			SeekerID:        seeker,
			Cargo:           cargo,
			Quantity:        qty,
			Unit:            c.Unit(),
			Cost:            cost,
			State:           BookingReserved,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return s.InsertBooking(ctx, booking)
	})
	if err != nil {
		return Booking{}, err
	}

	a.logger.Info("booking reserved",
		zap.String("booking_id", string(booking.ID)),
		zap.String("consolidation_id", string(id)),
		zap.String("seeker_id", string(seeker)),
		zap.String("quantity", booking.Quantity.String()))
	return booking, nil
}

// CancelBooking returns a reserved booking's quantity to the pool. A booking
// that is already released or settled fails with ErrAlreadySettled and
// never credits capacity twice.
func (a *Allocator) CancelBooking(ctx context.Context, id BookingID) (Booking, error) {
	return a.closeBooking(ctx, id, BookingReleased)
}

// SettleBooking marks a reserved booking settled. Capacity stays consumed.
func (a *Allocator) SettleBooking(ctx context.Context, id BookingID) (Booking, error) {
	return a.closeBooking(ctx, id, BookingSettled)
}

func (a *Allocator) closeBooking(ctx context.Context, id BookingID, to BookingState) (Booking, error) {
	// Resolve the owner first; the booking is re-read under the owner's lock.
	b, err := a.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, err
	}

	reason := ReasonRelease
	if to == BookingSettled {
		reason = ReasonTransition
	}

	var out Booking
	_, err = a.ledger.apply(ctx, b.ConsolidationID, reason, func(ctx context.Context, s Store, c *Consolidation, now time.Time) error {
		current, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if current.State != BookingReserved {
			return fmt.Errorf("%w: booking %s is %s", ErrAlreadySettled, id, current.State)
		}

		switch to {
		case BookingReleased:
			if err := c.release(current.Quantity); err != nil {
				return err
			}
			current.ReleasedAt = &now
		case BookingSettled:
			current.SettledAt = &now
		}
		current.State = to
		current.UpdatedAt = now
		if err := s.UpdateBooking(ctx, *current); err != nil {
			return err
		}
		out = *current
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	a.logger.Info("booking closed",
		zap.String("booking_id", string(id)),
		zap.String("state", string(to)))
	return out, nil
}

func (a *Allocator) GetBooking(ctx context.Context, id BookingID) (Booking, error) {
	b, err := a.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	return *b, nil
}

// ListBookings returns a consolidation's bookings in creation order.
func (a *Allocator) ListBookings(ctx context.Context, id ConsolidationID) ([]Booking, error) {
	if _, err := a.store.GetConsolidation(ctx, id); err != nil {
		return nil, err
	}
	return a.store.ListBookings(ctx, id)
}

// =============================================================================
// CONSOLIDATIONS
// =============================================================================

// CreateConsolidation validates and stores a new consolidation. Its initial
// status is derived, so one created inside the closing window starts as
// closing_soon.
func (a *Allocator) CreateConsolidation(ctx context.Context, n NewConsolidation) (Consolidation, error) {
	now := a.ledger.clock.Now()
	if err := n.validate(now); err != nil {
		return Consolidation{}, err
	}

	limit := -1
	if n.Kind == KindRequest {
		release, err := a.ledger.locks.Acquire(ctx, seekerKey(n.InitiatorID))
		if err != nil {
			return Consolidation{}, err
		}
		defer release()

		// Resolved outside the transaction: the lookup may use the same
		// database.
		if limit, err = a.quota.ActiveRequestLimit(ctx, n.InitiatorID); err != nil {
			return Consolidation{}, fmt.Errorf("failed to resolve request quota: %w", err)
		}
	}

	currency := n.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	c := Consolidation{
		ID:                ConsolidationID(uuid.NewString()),
		InitiatorID:       n.InitiatorID,
		Kind:              n.Kind,
		Mode:              n.Mode,
		Origin:            n.Origin,
		Destination:       n.Destination,
		TotalCapacity:     n.TotalCapacity,
		CurrentLoad:       decimal.Zero,
		RatePerUnit:       n.RatePerUnit,
		Currency:          currency,
		DepartureDeadline: n.DepartureDeadline,
		ArrivalEstimate:   n.ArrivalEstimate,
		Status:            StatusOpen,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	c.Status = a.ledger.lifecycle.Derive(c, now)

	err := a.store.WithTx(ctx, func(s Store) error {
		if limit >= 0 {
			if err := checkQuota(ctx, s, n.InitiatorID, limit); err != nil {
				return err
			}
		}
		if err := s.InsertConsolidation(ctx, c); err != nil {
			return err
		}
		if err := s.AppendOutbox(ctx, eventFor(c, ReasonCreated, now)); err != nil {
			return fmt.Errorf("failed to append outbox event: %w", err)
		}
		return ctx.Err()
	})
	if err != nil {
		return Consolidation{}, err
	}
	if a.ledger.onCommit != nil {
		a.ledger.onCommit()
	}

	a.logger.Info("consolidation created",
		zap.String("consolidation_id", string(c.ID)),
		zap.String("kind", string(c.Kind)),
		zap.String("initiator_id", string(c.InitiatorID)),
		zap.String("status", c.Status.String()))
	return c, nil
}

func checkQuota(ctx context.Context, s Store, seeker ParticipantID, limit int) error {
	active, err := s.CountActiveRequests(ctx, seeker)
	if err != nil {
		return fmt.Errorf("failed to count active requests: %w", err)
	}
	if active >= limit {
		return &QuotaExceededError{SeekerID: seeker, Limit: limit, Active: active}
	}
	return nil
}

// EditCapacity changes a consolidation's total capacity. The new total may
// not drop below what is already loaded.
func (a *Allocator) EditCapacity(ctx context.Context, id ConsolidationID, total decimal.Decimal) (Consolidation, error) {
	if !total.IsPositive() {
		return Consolidation{}, fmt.Errorf("%w: total capacity must be positive", ErrInvalidQuantity)
	}
	return a.ledger.apply(ctx, id, ReasonCapacity, func(_ context.Context, _ Store, c *Consolidation, _ time.Time) error {
		if !c.Status.Derivable() {
			return fmt.Errorf("%w: consolidation %s is %s", ErrNotEditable, c.ID, c.Status)
		}
		if total.LessThan(c.CurrentLoad) {
			return fmt.Errorf("%w: capacity %s below current load %s", ErrInvalidQuantity, total, c.CurrentLoad)
		}
		if total.Equal(c.TotalCapacity) {
			return errUnchanged
		}
		c.TotalCapacity = total
		return nil
	})
}

// DeleteConsolidation removes a finished consolidation and its bookings.
func (a *Allocator) DeleteConsolidation(ctx context.Context, id ConsolidationID) error {
	release, err := a.ledger.locks.Acquire(ctx, consolidationKey(id))
	if err != nil {
		return err
	}
	defer release()

	err = a.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetConsolidation(ctx, id)
		if err != nil {
			return err
		}
		if !c.Status.Terminal() {
			return fmt.Errorf("%w: consolidation %s is %s", ErrNotTerminal, id, c.Status)
		}
		bookings, err := s.ListBookings(ctx, id)
		if err != nil {
			return err
		}
		for _, b := range bookings {
			if b.State == BookingReserved {
				return fmt.Errorf("%w: booking %s is reserved", ErrHasActiveBookings, b.ID)
			}
		}
		return s.DeleteConsolidation(ctx, id)
	})
	if err != nil {
		return err
	}
	a.logger.Info("consolidation deleted", zap.String("consolidation_id", string(id)))
	return nil
}

// GetConsolidation returns a snapshot with its status projected to now.
func (a *Allocator) GetConsolidation(ctx context.Context, id ConsolidationID) (Consolidation, error) {
	return a.ledger.snapshot(ctx, id)
}

// ListConsolidations returns projected snapshots matching f, ordered by
// creation time then id.
func (a *Allocator) ListConsolidations(ctx context.Context, f Filter) ([]Consolidation, error) {
	all, err := a.store.ListConsolidations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list consolidations: %w", err)
	}
	now := a.ledger.clock.Now()
	out := make([]Consolidation, 0, len(all))
	for _, c := range all {
		if !f.Matches(c) {
			continue
		}
		c = a.ledger.lifecycle.Project(c, now)
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Quotation is the price a booking of some cargo would carry.
type Quotation struct {
	ConsolidationID ConsolidationID
	Quantity        decimal.Decimal
	Unit            Unit
	Cost            Cost
}

// QuoteFor prices cargo against a consolidation without reserving anything.
func (a *Allocator) QuoteFor(ctx context.Context, id ConsolidationID, cargo Cargo) (Quotation, error) {
	c, err := a.store.GetConsolidation(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	cost, qty, err := Quote(*c, cargo)
	if err != nil {
		return Quotation{}, err
	}
	return Quotation{ConsolidationID: id, Quantity: qty, Unit: c.Unit(), Cost: cost}, nil
}
