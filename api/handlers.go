/*
handlers.go - HTTP API handlers for the consolidation capacity engine

PURPOSE:
  Exposes the capacity engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Consolidations:
    GET    /api/consolidations                  List (origin, destination, mode, kind, status)
    POST   /api/consolidations                  Create offer or request
    GET    /api/consolidations/{id}             Snapshot
    DELETE /api/consolidations/{id}             Delete a finished consolidation
    PUT    /api/consolidations/{id}/capacity    Edit total capacity
    POST   /api/consolidations/{id}/quote       Price cargo without booking

  Bookings:
    GET    /api/consolidations/{id}/bookings    List bookings
    POST   /api/consolidations/{id}/bookings    Book cargo
    GET    /api/bookings/{id}                   Booking details
    POST   /api/bookings/{id}/cancel            Release a booking
    POST   /api/bookings/{id}/settle            Settle a booking

  Lifecycle:
    POST   /api/consolidations/{id}/cancel      Cancel
    POST   /api/consolidations/{id}/depart      Mark in transit
    POST   /api/consolidations/{id}/complete    Mark completed

  Subscriptions:
    PUT    /api/subscriptions/{seekerID}        Set a seeker's tier

IDENTITY:
  The acting user comes from the X-User-ID header, set by the identity
  provider in front of this service. It is trusted, never authenticated.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing X-User-ID
  - 403: Request quota exceeded
  - 404: Resource not found
  - 409: Capacity contention or lifecycle state conflict
  - 500: Internal errors, invariant violations

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/capacity-engine/capacity"
	"github.com/warp/capacity-engine/notify"
	"github.com/warp/capacity-engine/store/sqlite"
)

// UserHeader carries the acting user's id.
const UserHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *capacity.Engine
	Store  *sqlite.Store
	Hub    *notify.Hub
	Logger *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over engine and its store.
func NewHandler(engine *capacity.Engine, store *sqlite.Store, hub *notify.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine: engine,
		Store:  store,
		Hub:    hub,
		Logger: logger.Named("api"),
	}
}

// actor returns the X-User-ID caller, writing 401 when absent.
func actor(w http.ResponseWriter, r *http.Request) (capacity.ParticipantID, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, UserHeader+" header is required", nil)
		return "", false
	}
	return capacity.ParticipantID(id), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// =============================================================================
// CONSOLIDATION HANDLERS
// =============================================================================

// ListConsolidations returns the marketplace view.
func (h *Handler) ListConsolidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := capacity.Filter{
		Origin:      q.Get("origin"),
		Destination: q.Get("destination"),
		Mode:        capacity.Mode(q.Get("mode")),
		Kind:        capacity.Kind(q.Get("kind")),
	}
	if s := q.Get("status"); s != "" {
		status, err := capacity.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status filter", err)
			return
		}
		f.Status = &status
	}

	cs, err := h.Engine.Allocator.ListConsolidations(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, "Failed to list consolidations", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidationDTOs(cs))
}

// CreateConsolidation creates an offer or a request for the caller.
func (h *Handler) CreateConsolidation(w http.ResponseWriter, r *http.Request) {
	initiator, ok := actor(w, r)
	if !ok {
		return
	}
	var req CreateConsolidationRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.Engine.Allocator.CreateConsolidation(r.Context(), capacity.NewConsolidation{
		InitiatorID:       initiator,
		Kind:              capacity.Kind(req.Kind),
		Mode:              capacity.Mode(req.Mode),
		Origin:            req.Origin,
		Destination:       req.Destination,
		TotalCapacity:     req.TotalCapacity,
		RatePerUnit:       req.RatePerUnit,
		Currency:          req.Currency,
		DepartureDeadline: req.DepartureDeadline,
		ArrivalEstimate:   req.ArrivalEstimate,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create consolidation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConsolidationDTO(c))
}

func (h *Handler) GetConsolidation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Allocator.GetConsolidation(r.Context(), consolidationID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get consolidation", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidationDTO(c))
}

func (h *Handler) DeleteConsolidation(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Allocator.DeleteConsolidation(r.Context(), consolidationID(r)); err != nil {
		h.writeEngineError(w, "Failed to delete consolidation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EditCapacity(w http.ResponseWriter, r *http.Request) {
	var req EditCapacityRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Engine.Allocator.EditCapacity(r.Context(), consolidationID(r), req.TotalCapacity)
	if err != nil {
		h.writeEngineError(w, "Failed to edit capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidationDTO(c))
}

// Quote prices cargo against the consolidation's rate without booking.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req CargoRequest
	if !decode(w, r, &req) {
		return
	}
	q, err := h.Engine.Allocator.QuoteFor(r.Context(), consolidationID(r), req.cargo())
	if err != nil {
		h.writeEngineError(w, "Failed to quote", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{
		ConsolidationID: string(q.ConsolidationID),
		Quantity:        q.Quantity,
		Unit:            string(q.Unit),
		Cost:            toCostDTO(q.Cost),
	})
}

// =============================================================================
// LIFECYCLE HANDLERS
// =============================================================================

func (h *Handler) CancelConsolidation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Status.Cancel(r.Context(), consolidationID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to cancel consolidation", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidationDTO(c))
}

// Depart marks a consolidation in transit. An empty body is allowed.
func (h *Handler) Depart(w http.ResponseWriter, r *http.Request) {
	var req DepartRequest
	if r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}
	c, err := h.Engine.Status.MarkInTransit(r.Context(), consolidationID(r), req.DepartNow)
	if err != nil {
		h.writeEngineError(w, "Failed to mark in transit", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidationDTO(c))
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Status.MarkCompleted(r.Context(), consolidationID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to mark completed", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidationDTO(c))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// Book reserves capacity for the caller.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	seeker, ok := actor(w, r)
	if !ok {
		return
	}
	var req CargoRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Engine.Allocator.Book(r.Context(), consolidationID(r), seeker, req.cargo())
	if err != nil {
		h.writeEngineError(w, "Failed to book", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	bs, err := h.Engine.Allocator.ListBookings(r.Context(), consolidationID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to list bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bs))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Allocator.GetBooking(r.Context(), bookingID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Allocator.CancelBooking(r.Context(), bookingID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to cancel booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) SettleBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Allocator.SettleBooking(r.Context(), bookingID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to settle booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	var req SetTierRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Tier == "" {
		writeError(w, http.StatusBadRequest, "tier is required", nil)
		return
	}
	seeker := capacity.ParticipantID(chi.URLParam(r, "seekerID"))
	if err := h.Store.SetTier(r.Context(), seeker, req.Tier, h.Engine.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save subscription", err)
		return
	}
	sub, err := h.Store.Subscription(r.Context(), seeker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionDTO{SeekerID: string(sub.SeekerID), Tier: sub.Tier, UpdatedAt: sub.UpdatedAt})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func consolidationID(r *http.Request) capacity.ConsolidationID {
	return capacity.ConsolidationID(chi.URLParam(r, "id"))
}

func bookingID(r *http.Request) capacity.BookingID {
	return capacity.BookingID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the engine's error taxonomy to HTTP.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var ice *capacity.InsufficientCapacityError
	if errors.As(err, &ice) {
		resp.Details = map[string]string{
			"message":   err.Error(),
			"available": ice.Available.String(),
			"requested": ice.Requested.String(),
			"unit":      string(ice.Unit),
		}
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, capacity.ErrQuotaExceeded):
		return http.StatusForbidden, "quota_exceeded"
	case errors.Is(err, capacity.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, capacity.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case capacity.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, capacity.ErrInsufficientCapacity):
		return http.StatusConflict, "insufficient_capacity"
	case errors.Is(err, capacity.ErrOverRelease):
		return http.StatusConflict, "over_release"
	case errors.Is(err, capacity.ErrDeadlinePassed):
		return http.StatusConflict, "deadline_passed"
	case errors.Is(err, capacity.ErrNotBookable):
		return http.StatusConflict, "not_bookable"
	case errors.Is(err, capacity.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case capacity.IsStateError(err):
		return http.StatusConflict, "invalid_state"
	case capacity.IsRetryable(err):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout"
	case capacity.IsInvariant(err):
		return http.StatusInternalServerError, "invariant_violation"
	}
	return http.StatusInternalServerError, "internal"
}
