package capacity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventReason says which operation produced a change event.
type EventReason string

const (
	ReasonCreated    EventReason = "created"
	ReasonReserve    EventReason = "reserve"
	ReasonRelease    EventReason = "release"
	ReasonTransition EventReason = "transition"
	ReasonRefresh    EventReason = "refresh"
	ReasonCapacity   EventReason = "capacity_edit"
)

// Event is the change notification emitted on every committed load or
// status change. Delivery is at-least-once; consumers must be idempotent
// on (ConsolidationID, Load, Status).
type Event struct {
	ConsolidationID ConsolidationID `json:"consolidation_id"`
	Load            decimal.Decimal `json:"new_load"`
	Capacity        decimal.Decimal `json:"total_capacity"`
	Status          Status          `json:"new_status"`
	Reason          EventReason     `json:"reason"`
	At              time.Time       `json:"at"`
}

// DedupKey is the idempotency key consumers should use.
func (e Event) DedupKey() string {
	return string(e.ConsolidationID) + "|" + e.Load.String() + "|" + e.Status.String()
}

// OutboxEvent is an Event as persisted in the outbox.
type OutboxEvent struct {
	Seq         int64
	Event       Event
	DeliveredAt *time.Time
}

// Publisher delivers events to external fan-out (websocket, kafka, logs).
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

func eventFor(c Consolidation, reason EventReason, at time.Time) Event {
	return Event{
		ConsolidationID: c.ID,
		Load:            c.CurrentLoad,
		Capacity:        c.TotalCapacity,
		Status:          c.Status,
		Reason:          reason,
		At:              at,
	}
}
