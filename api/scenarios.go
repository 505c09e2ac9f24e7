/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	consolidations and bookings. Each one demonstrates a part of the
	capacity lifecycle.

AVAILABLE SCENARIOS:

	busy-lane:        Sea offer at 80% utilization (closing_soon by load)
	sold-out:         Air offer booked to the last kilogram (full)
	last-call:        Half-empty offer departing within the closing window
	quote-on-request: Offer without a rate card plus open seeker requests

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Record any subscription tiers the scenario needs
 3. Create consolidations through the engine (quota and validation apply)
 4. Book cargo through the engine, so loads, statuses and events are real

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-lane"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/capacity-engine/capacity"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "busy-lane",
		Name:        "Busy Lane",
		Description: "Shanghai to Rotterdam sea consolidation at 80% utilization",
	},
	{
		ID:          "sold-out",
		Name:        "Sold Out",
		Description: "Air consolidation booked to full capacity; new bookings are refused",
	},
	{
		ID:          "last-call",
		Name:        "Last Call",
		Description: "Half-empty consolidation departing inside the closing window",
	},
	{
		ID:          "quote-on-request",
		Name:        "Quote on Request",
		Description: "Offer without a rate card; bookings carry a pending quote",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"busy-lane":        h.loadBusyLaneScenario,
		"sold-out":         h.loadSoldOutScenario,
		"last-call":        h.loadLastCallScenario,
		"quote-on-request": h.loadQuoteOnRequestScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func (h *Handler) offer(ctx context.Context, mode capacity.Mode, from, to, total string, rate *decimal.Decimal, departIn time.Duration) (capacity.Consolidation, error) {
	return h.Engine.Allocator.CreateConsolidation(ctx, capacity.NewConsolidation{
		InitiatorID:       "forwarder-acme",
		Kind:              capacity.KindOffer,
		Mode:              mode,
		Origin:            from,
		Destination:       to,
		TotalCapacity:     dec(total),
		RatePerUnit:       rate,
		DepartureDeadline: h.Engine.Now().Add(departIn),
	})
}

func (h *Handler) book(ctx context.Context, c capacity.Consolidation, seeker string, qty string) error {
	cargo := capacity.Cargo{Volume: decPtr(qty)}
	if c.Unit() == capacity.UnitKG {
		cargo = capacity.Cargo{Weight: decPtr(qty)}
	}
	_, err := h.Engine.Allocator.Book(ctx, c.ID, capacity.ParticipantID(seeker), cargo)
	return err
}

func (h *Handler) loadBusyLaneScenario(ctx context.Context) error {
	c, err := h.offer(ctx, capacity.ModeSea, "CNSHA", "NLRTM", "100", decPtr("45.50"), 21*24*time.Hour)
	if err != nil {
		return err
	}
	for _, b := range []struct{ seeker, qty string }{
		{"importer-nordic", "35"},
		{"importer-alpine", "25"},
		{"importer-iberia", "20"},
	} {
		if err := h.book(ctx, c, b.seeker, b.qty); err != nil {
			return fmt.Errorf("booking for %s: %w", b.seeker, err)
		}
	}
	return nil
}

func (h *Handler) loadSoldOutScenario(ctx context.Context) error {
	c, err := h.offer(ctx, capacity.ModeAir, "HKHKG", "USLAX", "2500", decPtr("3.20"), 10*24*time.Hour)
	if err != nil {
		return err
	}
	for _, b := range []struct{ seeker, qty string }{
		{"retailer-west", "1200"},
		{"retailer-east", "800"},
		{"retailer-north", "500"},
	} {
		if err := h.book(ctx, c, b.seeker, b.qty); err != nil {
			return fmt.Errorf("booking for %s: %w", b.seeker, err)
		}
	}
	return nil
}

func (h *Handler) loadLastCallScenario(ctx context.Context) error {
	window := h.Engine.Lifecycle().ClosingSoonWindow
	c, err := h.offer(ctx, capacity.ModeSea, "SGSIN", "DEHAM", "60", decPtr("52"), window/2)
	if err != nil {
		return err
	}
	return h.book(ctx, c, "importer-baltic", "30")
}

func (h *Handler) loadQuoteOnRequestScenario(ctx context.Context) error {
	c, err := h.offer(ctx, capacity.ModeSea, "INNSA", "GBFXT", "40", nil, 30*24*time.Hour)
	if err != nil {
		return err
	}
	if err := h.book(ctx, c, "importer-midlands", "12.5"); err != nil {
		return err
	}

	// Two open requests need more than the free tier allows.
	if err := h.Store.SetTier(ctx, "importer-midlands", "premium", h.Engine.Now()); err != nil {
		return err
	}
	for _, route := range [][2]string{{"VNSGN", "GBFXT"}, {"THBKK", "GBFXT"}} {
		_, err := h.Engine.Allocator.CreateConsolidation(ctx, capacity.NewConsolidation{
			InitiatorID:       "importer-midlands",
			Kind:              capacity.KindRequest,
			Mode:              capacity.ModeSea,
			Origin:            route[0],
			Destination:       route[1],
			TotalCapacity:     dec("15"),
			DepartureDeadline: h.Engine.Now().Add(45 * 24 * time.Hour),
		})
		if err != nil {
			return fmt.Errorf("request %s-%s: %w", route[0], route[1], err)
		}
	}
	return nil
}
