package capacity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/capacity-engine/capacity"
)

// =============================================================================
// DERIVATION
// =============================================================================

func TestLifecycle_Derive(t *testing.T) {
	lc := capacity.DefaultLifecycle()
	deadline := t0.Add(10 * 24 * time.Hour)

	tests := []struct {
		name   string
		total  string
		load   string
		status capacity.Status
		now    time.Time
		want   capacity.Status
	}{
		{"empty", "", "0", capacity.StatusOpen, t0, capacity.StatusOpen},
		{"below threshold", "", "79.99", capacity.StatusOpen, t0, capacity.StatusOpen},
		{"at threshold", "", "80", capacity.StatusOpen, t0, capacity.StatusClosingSoon},
		{"full", "", "100", capacity.StatusClosingSoon, t0, capacity.StatusFull},
		{"demoted from full", "", "50", capacity.StatusFull, t0, capacity.StatusOpen},
		{"inside window", "", "0", capacity.StatusOpen, deadline.Add(-time.Hour), capacity.StatusClosingSoon},
		{"window edge", "", "0", capacity.StatusOpen, deadline.Add(-48 * time.Hour), capacity.StatusOpen},
		{"full inside window", "", "100", capacity.StatusOpen, deadline.Add(-time.Hour), capacity.StatusFull},
		{"in transit is sticky", "", "0", capacity.StatusInTransit, t0, capacity.StatusInTransit},
		{"cancelled is sticky", "", "100", capacity.StatusCancelled, t0, capacity.StatusCancelled},
		{"just below threshold on a unit capacity", "1", "0.79999999999999999", capacity.StatusOpen, t0, capacity.StatusOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := tt.total
			if total == "" {
				total = "100"
			}
			c := capacity.Consolidation{
				TotalCapacity:     d(total),
				CurrentLoad:       d(tt.load),
				Status:            tt.status,
				DepartureDeadline: deadline,
			}
			assert.Equal(t, tt.want, lc.Derive(c, tt.now))
		})
	}
}

func TestStatus_Transitions(t *testing.T) {
	for _, from := range []capacity.Status{capacity.StatusOpen, capacity.StatusClosingSoon, capacity.StatusFull} {
		got, err := from.TransitionTo(capacity.StatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, capacity.StatusCancelled, got)

		_, err = from.TransitionTo(capacity.StatusCompleted)
		assert.ErrorIs(t, err, capacity.ErrInvalidTransition, "from %s", from)
	}

	for _, from := range []capacity.Status{capacity.StatusCompleted, capacity.StatusCancelled} {
		for _, to := range []capacity.Status{capacity.StatusOpen, capacity.StatusInTransit, capacity.StatusCancelled} {
			_, err := from.TransitionTo(to)
			assert.ErrorIs(t, err, capacity.ErrInvalidTransition, "%s -> %s", from, to)
		}
	}

	got, err := capacity.StatusInTransit.TransitionTo(capacity.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusCompleted, got)
}

func TestStatus_TextRoundTrip(t *testing.T) {
	s, err := capacity.ParseStatus("closing_soon")
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusClosingSoon, s)

	_, err = capacity.ParseStatus("sailing")
	assert.ErrorIs(t, err, capacity.ErrInvalidInput)
}

// =============================================================================
// OPERATOR TRANSITIONS
// =============================================================================

func TestCancel_ReleasesReservedBookings(t *testing.T) {
	// GIVEN: A consolidation with two reserved bookings and one settled
	// WHEN: The operator cancels it
	// THEN: Reserved bookings are released, the settled one's load stays,
	//       and the status is cancelled

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	a, err := f.engine.Allocator.Book(ctx, c.ID, "seeker-a", volume("3"))
	require.NoError(t, err)
	b, err := f.engine.Allocator.Book(ctx, c.ID, "seeker-b", volume("2"))
	require.NoError(t, err)
	s, err := f.engine.Allocator.Book(ctx, c.ID, "seeker-c", volume("1"))
	require.NoError(t, err)
	_, err = f.engine.Allocator.SettleBooking(ctx, s.ID)
	require.NoError(t, err)

	got, err := f.engine.Status.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusCancelled, got.Status)
	assert.True(t, got.CurrentLoad.Equal(d("1")))

	for _, id := range []capacity.BookingID{a.ID, b.ID} {
		bk, err := f.engine.Allocator.GetBooking(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, capacity.BookingReleased, bk.State)
	}

	_, err = f.engine.Status.Cancel(ctx, c.ID)
	assert.ErrorIs(t, err, capacity.ErrInvalidTransition)
}

type blockAll struct{ seen []capacity.BookingID }

func (g *blockAll) BlocksCancellation(_ context.Context, _ capacity.ConsolidationID, reserved []capacity.BookingID) (bool, error) {
	g.seen = reserved
	return true, nil
}

func TestCancel_BlockedBySettlement(t *testing.T) {
	guard := &blockAll{}
	f := newFixture(t, capacity.Options{Settlement: guard})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	b, err := f.engine.Allocator.Book(ctx, c.ID, "seeker", volume("4"))
	require.NoError(t, err)

	_, err = f.engine.Status.Cancel(ctx, c.ID)
	require.ErrorIs(t, err, capacity.ErrCancellationBlocked)
	assert.Equal(t, []capacity.BookingID{b.ID}, guard.seen)

	got := f.get(t, c.ID)
	assert.Equal(t, capacity.StatusOpen, got.Status)
	assert.True(t, got.CurrentLoad.Equal(d("4")))
}

func TestMarkInTransit(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	_, err := f.engine.Status.MarkInTransit(ctx, c.ID, false)
	require.ErrorIs(t, err, capacity.ErrInvalidTransition, "deadline not reached")

	f.clock.Set(c.DepartureDeadline)
	got, err := f.engine.Status.MarkInTransit(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusInTransit, got.Status)

	// Releases after departure never move it back
	_, err = f.engine.Status.MarkInTransit(ctx, c.ID, true)
	assert.ErrorIs(t, err, capacity.ErrInvalidTransition)
}

func TestMarkCompleted_SettlesBookings(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	b, err := f.engine.Allocator.Book(ctx, c.ID, "seeker", volume("6"))
	require.NoError(t, err)

	_, err = f.engine.Status.MarkCompleted(ctx, c.ID)
	require.ErrorIs(t, err, capacity.ErrInvalidTransition, "must depart first")

	_, err = f.engine.Status.MarkInTransit(ctx, c.ID, true)
	require.NoError(t, err)

	// Load changes while in transit keep the status
	_, err = f.engine.Ledger.Release(ctx, c.ID, d("6"))
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusInTransit, f.get(t, c.ID).Status)
	_, err = f.engine.Ledger.Reserve(ctx, c.ID, d("6"))
	require.NoError(t, err)

	got, err := f.engine.Status.MarkCompleted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusCompleted, got.Status)

	settled, err := f.engine.Allocator.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.BookingSettled, settled.State)
	require.NotNil(t, settled.SettledAt)
}

func TestRefresh_IgnoresOperatorStatuses(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	_, err := f.engine.Status.Cancel(ctx, c.ID)
	require.NoError(t, err)

	f.clock.Set(c.DepartureDeadline.Add(-time.Hour))
	got, err := f.engine.Status.Refresh(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusCancelled, got.Status)

	n, err := f.engine.Status.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
