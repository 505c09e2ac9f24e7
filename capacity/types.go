/*
Package capacity provides the consolidation capacity and booking engine.

PURPOSE:
  A consolidation is a scheduled shared movement of cargo between an origin
  and a destination. Many seekers book into the same finite pool of space,
  so admission is a bounded-resource problem: every booking must fit, and
  the visible status must always agree with the load and the clock.

KEY CONCEPTS IN THIS FILE (types.go):
  - Consolidation: the shared pool (total capacity, current load, schedule)
  - Booking: one seeker's reservation against a consolidation
  - Cargo: the weight/volume a seeker wants to ship
  - Mode/Unit: sea moves in cubic metres, air in kilograms

COMPONENTS (leaves first):
  pricing.go:    Price() - pure per-unit costing
  ledger.go:     Ledger - the only writer of CurrentLoad
  lifecycle.go:  Lifecycle rules + StatusEngine operator transitions
  allocator.go:  Allocator - booking admission and cancellation

INVARIANTS:
  1. 0 <= CurrentLoad <= TotalCapacity after every committed mutation
  2. Status is re-derived in the same store transaction as every load change
  3. Mutations of one consolidation are linearizable; different
     consolidations never contend

USAGE:
  engine := capacity.NewEngine(store, capacity.Options{})
  booking, err := engine.Allocator.Book(ctx, id, "seeker-1", capacity.Cargo{Volume: &vol})
  if errors.Is(err, capacity.ErrInsufficientCapacity) {
      // surface to the user, maybe retry with less
  }

SEE ALSO:
  - store.go: persistence interfaces
  - store/memory.go: in-memory store
  - ../store/sqlite: SQLite store
*/
package capacity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ConsolidationID string
type BookingID string

// ParticipantID is the acting user supplied by the identity provider.
// The engine trusts it and never authenticates it.
type ParticipantID string

// =============================================================================
// MODE / UNIT / KIND
// =============================================================================

type Mode string

const (
	ModeSea Mode = "sea"
	ModeAir Mode = "air"
)

type Unit string

const (
	UnitCBM Unit = "cbm"
	UnitKG  Unit = "kg"
)

// Unit returns the unit capacity is measured in for this transport mode.
func (m Mode) Unit() Unit {
	if m == ModeAir {
		return UnitKG
	}
	return UnitCBM
}

func (m Mode) Valid() bool { return m == ModeSea || m == ModeAir }

type Kind string

const (
	KindOffer   Kind = "offer"   // created by a capacity provider
	KindRequest Kind = "request" // created by a capacity seeker
)

func (k Kind) Valid() bool { return k == KindOffer || k == KindRequest }

// =============================================================================
// CONSOLIDATION
// =============================================================================

type Consolidation struct {
	ID          ConsolidationID
	InitiatorID ParticipantID
	Kind        Kind
	Mode        Mode
	Origin      string
	Destination string

	TotalCapacity decimal.Decimal
	CurrentLoad   decimal.Decimal

	// RatePerUnit is nil when the consolidation is "quote on request".
	RatePerUnit *decimal.Decimal
	Currency    string

	DepartureDeadline time.Time
	ArrivalEstimate   *time.Time

	Status  Status
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Consolidation) Unit() Unit { return c.Mode.Unit() }

func (c Consolidation) Remaining() decimal.Decimal { return c.TotalCapacity.Sub(c.CurrentLoad) }

// Utilization is CurrentLoad / TotalCapacity, zero for a zero-capacity record.
func (c Consolidation) Utilization() decimal.Decimal {
	if !c.TotalCapacity.IsPositive() {
		return decimal.Zero
	}
	return c.CurrentLoad.Div(c.TotalCapacity)
}

// reserve adds qty to the load. It never truncates: a request that does not
// fit fails as a whole.
func (c *Consolidation) reserve(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if qty.GreaterThan(c.Remaining()) {
		return &InsufficientCapacityError{
			ConsolidationID: c.ID,
			Available:       c.Remaining(),
			Requested:       qty,
			Unit:            c.Unit(),
		}
	}
	c.CurrentLoad = c.CurrentLoad.Add(qty)
	return nil
}

func (c *Consolidation) release(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if qty.GreaterThan(c.CurrentLoad) {
		return &OverReleaseError{
			ConsolidationID: c.ID,
			Loaded:          c.CurrentLoad,
			Requested:       qty,
		}
	}
	c.CurrentLoad = c.CurrentLoad.Sub(qty)
	return nil
}

// checkInvariant refuses any state outside [0, TotalCapacity].
func (c Consolidation) checkInvariant() error {
	if c.CurrentLoad.IsNegative() || c.CurrentLoad.GreaterThan(c.TotalCapacity) {
		return &InvariantViolationError{
			ConsolidationID: c.ID,
			Load:            c.CurrentLoad,
			Capacity:        c.TotalCapacity,
		}
	}
	return nil
}

// NewConsolidation carries the fields an initiator supplies on creation.
type NewConsolidation struct {
	InitiatorID       ParticipantID
	Kind              Kind
	Mode              Mode
	Origin            string
	Destination       string
	TotalCapacity     decimal.Decimal
	RatePerUnit       *decimal.Decimal
	Currency          string
	DepartureDeadline time.Time
	ArrivalEstimate   *time.Time
}

func (n NewConsolidation) validate(now time.Time) error {
	switch {
	case n.InitiatorID == "":
		return &ValidationError{Field: "initiator_id", Reason: "required"}
	case !n.Kind.Valid():
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", n.Kind)}
	case !n.Mode.Valid():
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", n.Mode)}
	case n.Origin == "" || n.Destination == "":
		return &ValidationError{Field: "route", Reason: "origin and destination are required"}
	case n.Origin == n.Destination:
		return &ValidationError{Field: "route", Reason: "origin and destination must differ"}
	case !n.TotalCapacity.IsPositive():
		return fmt.Errorf("%w: total capacity must be positive", ErrInvalidQuantity)
	case n.RatePerUnit != nil && n.RatePerUnit.IsNegative():
		return &ValidationError{Field: "rate_per_unit", Reason: "must not be negative"}
	case !n.DepartureDeadline.After(now):
		return &ValidationError{Field: "departure_deadline", Reason: "must be in the future"}
	case n.ArrivalEstimate != nil && n.ArrivalEstimate.Before(n.DepartureDeadline):
		return &ValidationError{Field: "arrival_estimate", Reason: "must not precede departure"}
	}
	return nil
}

// =============================================================================
// CARGO / BOOKING
// =============================================================================

// Cargo is what a seeker asks to ship. At least the dimension matching the
// consolidation's unit must be present.
type Cargo struct {
	Weight *decimal.Decimal // kg
	Volume *decimal.Decimal // cbm
}

func (cg Cargo) validate() error {
	if cg.Weight == nil && cg.Volume == nil {
		return fmt.Errorf("%w: weight or volume is required", ErrInvalidQuantity)
	}
	for _, d := range []*decimal.Decimal{cg.Weight, cg.Volume} {
		if d != nil && !d.IsPositive() {
			return fmt.Errorf("%w: quantity must be strictly positive", ErrInvalidQuantity)
		}
	}
	return nil
}

// Chargeable returns the dimension matching unit.
func (cg Cargo) Chargeable(unit Unit) (decimal.Decimal, error) {
	d := cg.Volume
	if unit == UnitKG {
		d = cg.Weight
	}
	if d == nil {
		return decimal.Zero, fmt.Errorf("%w: %s quantity is required", ErrInvalidQuantity, unit)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quantity must be strictly positive", ErrInvalidQuantity)
	}
	return *d, nil
}

type BookingState string

const (
	BookingReserved BookingState = "reserved" // capacity committed
	BookingReleased BookingState = "released" // cancelled, capacity returned
	BookingSettled  BookingState = "settled"  // terminal, no capacity effect
)

type Booking struct {
	ID              BookingID
	ConsolidationID ConsolidationID
	SeekerID        ParticipantID

	Cargo    Cargo
	Quantity decimal.Decimal
	Unit     Unit

	// Cost is frozen at admission.
	Cost Cost

	State      BookingState
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt *time.Time
	SettledAt  *time.Time
}

// =============================================================================
// LISTING
// =============================================================================

// Filter narrows the marketplace view. Empty fields match everything.
type Filter struct {
	Origin      string
	Destination string
	Mode        Mode
	Kind        Kind
	Status      *Status
}

// Matches reports whether c passes every non-status field of f.
// Status is matched by the engine against the projected status.
func (f Filter) Matches(c Consolidation) bool {
	if f.Origin != "" && f.Origin != c.Origin {
		return false
	}
	if f.Destination != "" && f.Destination != c.Destination {
		return false
	}
	if f.Mode != "" && f.Mode != c.Mode {
		return false
	}
	if f.Kind != "" && f.Kind != c.Kind {
		return false
	}
	return true
}
