/*
store.go - Persistence interfaces for consolidations, bookings and the outbox

ATOMICITY CONTRACT:
  UpdateConsolidation is a compare-and-swap on Version. A store must reject
  the write with ErrConcurrentModification when the stored version differs
  from expectedVersion. Combined with WithTx this is what makes a ledger
  mutation, its booking writes and its outbox event one atomic unit.

IMPLEMENTATIONS:
  - store/memory.go: in-memory, optimistic commit (tests, dev)
  - ../store/sqlite: SQLite with versioned conditional UPDATE and a
    CHECK constraint on the load bound
*/
package capacity

import (
	"context"
	"time"
)

// Store handles persistence of consolidations and their bookings.
// Lookups of missing records return an error wrapping ErrNotFound.
type Store interface {
	GetConsolidation(ctx context.Context, id ConsolidationID) (*Consolidation, error)
	InsertConsolidation(ctx context.Context, c Consolidation) error
	UpdateConsolidation(ctx context.Context, c Consolidation, expectedVersion int64) error
	// DeleteConsolidation removes the consolidation and its bookings.
	DeleteConsolidation(ctx context.Context, id ConsolidationID) error
	// ListConsolidations returns matches ordered by CreatedAt, then ID.
	// Filter.Status is ignored; status is matched on the projection.
	ListConsolidations(ctx context.Context, f Filter) ([]Consolidation, error)
	// CountActiveRequests counts request-kind consolidations of an
	// initiator that are neither cancelled nor completed.
	CountActiveRequests(ctx context.Context, initiator ParticipantID) (int, error)

	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	InsertBooking(ctx context.Context, b Booking) error
	UpdateBooking(ctx context.Context, b Booking) error
	ListBookings(ctx context.Context, id ConsolidationID) ([]Booking, error)

	AppendOutbox(ctx context.Context, e Event) error
}

// OutboxStore is drained by the Dispatcher.
type OutboxStore interface {
	// PendingEvents returns undelivered events in commit order.
	PendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	OutboxStore
	WithTx(ctx context.Context, fn func(Store) error) error
}
