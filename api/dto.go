/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:
  Capacities, loads, quantities, rates and costs are decimals encoded as
  JSON strings ("12.5"). Requests accept strings or numbers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/capacity-engine/capacity"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateConsolidationRequest creates an offer or a request. The initiator
// is the X-User-ID caller.
type CreateConsolidationRequest struct {
	Kind              string           `json:"kind"`
	Mode              string           `json:"mode"`
	Origin            string           `json:"origin"`
	Destination       string           `json:"destination"`
	TotalCapacity     decimal.Decimal  `json:"total_capacity"`
	RatePerUnit       *decimal.Decimal `json:"rate_per_unit,omitempty"` // nil = quote on request
	Currency          string           `json:"currency,omitempty"`
	DepartureDeadline time.Time        `json:"departure_deadline"`
	ArrivalEstimate   *time.Time       `json:"arrival_estimate,omitempty"`
}

// EditCapacityRequest changes a consolidation's total capacity.
type EditCapacityRequest struct {
	TotalCapacity decimal.Decimal `json:"total_capacity"`
}

// CargoRequest is the cargo of a booking or a quote. The dimension matching
// the consolidation's unit (volume for sea, weight for air) is charged.
type CargoRequest struct {
	Weight *decimal.Decimal `json:"weight,omitempty"` // kg
	Volume *decimal.Decimal `json:"volume,omitempty"` // cbm
}

// DepartRequest marks a consolidation in transit. DepartNow skips the
// departure deadline check.
type DepartRequest struct {
	DepartNow bool `json:"depart_now"`
}

// SetTierRequest records a seeker's subscription tier.
type SetTierRequest struct {
	Tier string `json:"tier"`
}

// SubscriptionDTO is a seeker's recorded tier.
type SubscriptionDTO struct {
	SeekerID  string    `json:"seeker_id"`
	Tier      string    `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ConsolidationDTO is a consolidation snapshot. Status is as of the read.
type ConsolidationDTO struct {
	ID                string           `json:"id"`
	InitiatorID       string           `json:"initiator_id"`
	Kind              string           `json:"kind"`
	Mode              string           `json:"mode"`
	Unit              string           `json:"unit"`
	Origin            string           `json:"origin"`
	Destination       string           `json:"destination"`
	TotalCapacity     decimal.Decimal  `json:"total_capacity"`
	CurrentLoad       decimal.Decimal  `json:"current_load"`
	Remaining         decimal.Decimal  `json:"remaining"`
	Utilization       decimal.Decimal  `json:"utilization"`
	RatePerUnit       *decimal.Decimal `json:"rate_per_unit"`
	Currency          string           `json:"currency"`
	DepartureDeadline time.Time        `json:"departure_deadline"`
	ArrivalEstimate   *time.Time       `json:"arrival_estimate,omitempty"`
	Status            capacity.Status  `json:"status"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// CostDTO distinguishes a priced booking from one awaiting a quote.
type CostDTO struct {
	Amount   *decimal.Decimal `json:"amount"` // nil when pending
	Currency string           `json:"currency,omitempty"`
	Pending  bool             `json:"pending"`
	Display  string           `json:"display"`
}

type BookingDTO struct {
	ID              string           `json:"id"`
	ConsolidationID string           `json:"consolidation_id"`
	SeekerID        string           `json:"seeker_id"`
	Weight          *decimal.Decimal `json:"weight,omitempty"`
	Volume          *decimal.Decimal `json:"volume,omitempty"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Unit            string           `json:"unit"`
	Cost            CostDTO          `json:"cost"`
	State           string           `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ReleasedAt      *time.Time       `json:"released_at,omitempty"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
}

// QuoteDTO is a price estimate that reserves nothing.
type QuoteDTO struct {
	ConsolidationID string          `json:"consolidation_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	Cost            CostDTO         `json:"cost"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toConsolidationDTO(c capacity.Consolidation) ConsolidationDTO {
	return ConsolidationDTO{
		ID:                string(c.ID),
		InitiatorID:       string(c.InitiatorID),
		Kind:              string(c.Kind),
		Mode:              string(c.Mode),
		Unit:              string(c.Unit()),
		Origin:            c.Origin,
		Destination:       c.Destination,
		TotalCapacity:     c.TotalCapacity,
		CurrentLoad:       c.CurrentLoad,
		Remaining:         c.Remaining(),
		Utilization:       c.Utilization().Round(4),
		RatePerUnit:       c.RatePerUnit,
		Currency:          c.Currency,
		DepartureDeadline: c.DepartureDeadline,
		ArrivalEstimate:   c.ArrivalEstimate,
		Status:            c.Status,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func toConsolidationDTOs(cs []capacity.Consolidation) []ConsolidationDTO {
	dtos := make([]ConsolidationDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toConsolidationDTO(c)
	}
	return dtos
}

func toCostDTO(c capacity.Cost) CostDTO {
	dto := CostDTO{Pending: c.Pending, Display: c.String()}
	if !c.Pending {
		amount := c.Amount
		dto.Amount = &amount
		dto.Currency = c.Currency
	}
	return dto
}

func toBookingDTO(b capacity.Booking) BookingDTO {
	return BookingDTO{
		ID:              string(b.ID),
		ConsolidationID: string(b.ConsolidationID),
		SeekerID:        string(b.SeekerID),
		Weight:          b.Cargo.Weight,
		Volume:          b.Cargo.Volume,
		Quantity:        b.Quantity,
		Unit:            string(b.Unit),
		Cost:            toCostDTO(b.Cost),
		State:           string(b.State),
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		ReleasedAt:      b.ReleasedAt,
		SettledAt:       b.SettledAt,
	}
}

func toBookingDTOs(bs []capacity.Booking) []BookingDTO {
	dtos := make([]BookingDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBookingDTO(b)
	}
	return dtos
}

func (c CargoRequest) cargo() capacity.Cargo {
	return capacity.Cargo{Weight: c.Weight, Volume: c.Volume}
}
