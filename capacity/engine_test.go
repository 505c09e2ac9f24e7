package capacity_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/capacity-engine/capacity"
	"github.com/warp/capacity-engine/capacity/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fixture struct {
	engine *capacity.Engine
	store  *store.TxMemory
	clock  *capacity.ManualClock
}

func newFixture(t *testing.T, opts capacity.Options) *fixture {
	t.Helper()
	st := store.NewTxMemory()
	clock := capacity.NewManualClock(t0)
	opts.Clock = clock
	return &fixture{engine: capacity.NewEngine(st, opts), store: st, clock: clock}
}

// seaOffer creates a sea offer departing in two weeks, well outside the
// closing window.
func (f *fixture) seaOffer(t *testing.T, total string) capacity.Consolidation {
	t.Helper()
	c, err := f.engine.Allocator.CreateConsolidation(context.Background(), capacity.NewConsolidation{
		InitiatorID:       "provider-1",
		Kind:              capacity.KindOffer,
		Mode:              capacity.ModeSea,
		Origin:            "CNSHA",
		Destination:       "NLRTM",
		TotalCapacity:     d(total),
		RatePerUnit:       dp("40"),
		DepartureDeadline: t0.Add(14 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return c
}

func volume(s string) capacity.Cargo { return capacity.Cargo{Volume: dp(s)} }

func (f *fixture) get(t *testing.T, id capacity.ConsolidationID) capacity.Consolidation {
	t.Helper()
	c, err := f.engine.Allocator.GetConsolidation(context.Background(), id)
	require.NoError(t, err)
	return c
}

// =============================================================================
// CAPACITY LEDGER
// =============================================================================

func TestLedger_ReserveAndRelease(t *testing.T) {
	// GIVEN: An empty consolidation of 100 cbm
	// WHEN: Reserving 30 then releasing 10
	// THEN: The load follows each call

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "100")
	ctx := context.Background()

	load, err := f.engine.Ledger.Reserve(ctx, c.ID, d("30"))
	require.NoError(t, err)
	assert.True(t, load.Equal(d("30")))

	load, err = f.engine.Ledger.Release(ctx, c.ID, d("10"))
	require.NoError(t, err)
	assert.True(t, load.Equal(d("20")))
}

func TestLedger_RejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "100")
	ctx := context.Background()

	for _, qty := range []string{"0", "-5"} {
		_, err := f.engine.Ledger.Reserve(ctx, c.ID, d(qty))
		assert.ErrorIs(t, err, capacity.ErrInvalidQuantity, "reserve %s", qty)
		_, err = f.engine.Ledger.Release(ctx, c.ID, d(qty))
		assert.ErrorIs(t, err, capacity.ErrInvalidQuantity, "release %s", qty)
	}
	assert.True(t, f.get(t, c.ID).CurrentLoad.IsZero())
}

func TestLedger_ReserveNeverTruncates(t *testing.T) {
	// GIVEN: 100 cbm with 70 loaded
	// WHEN: Reserving 40
	// THEN: InsufficientCapacity with the exact shortfall, load unchanged

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "100")
	ctx := context.Background()

	_, err := f.engine.Ledger.Reserve(ctx, c.ID, d("70"))
	require.NoError(t, err)

	_, err = f.engine.Ledger.Reserve(ctx, c.ID, d("40"))
	require.ErrorIs(t, err, capacity.ErrInsufficientCapacity)

	var ice *capacity.InsufficientCapacityError
	require.ErrorAs(t, err, &ice)
	assert.True(t, ice.Available.Equal(d("30")))
	assert.True(t, ice.Shortfall().Equal(d("10")))
	assert.True(t, capacity.IsContention(err))

	assert.True(t, f.get(t, c.ID).CurrentLoad.Equal(d("70")))
}

func TestLedger_OverReleaseFails(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "100")
	ctx := context.Background()

	_, err := f.engine.Ledger.Reserve(ctx, c.ID, d("5"))
	require.NoError(t, err)

	_, err = f.engine.Ledger.Release(ctx, c.ID, d("6"))
	require.ErrorIs(t, err, capacity.ErrOverRelease)
	assert.True(t, f.get(t, c.ID).CurrentLoad.Equal(d("5")))
}

func TestLedger_NotFound(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	_, err := f.engine.Ledger.Reserve(context.Background(), "missing", d("1"))
	assert.True(t, capacity.IsNotFound(err))
}

func TestLedger_CapacityInvariantHoldsForAnySequence(t *testing.T) {
	// GIVEN: A 10 cbm consolidation
	// WHEN: Running a fixed mix of reserves and releases, some of which fail
	// THEN: 0 <= load <= capacity after every call, and status agrees with load

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	ops := []struct {
		reserve bool
		qty     string
	}{
		{true, "4"}, {true, "7"}, {true, "6"}, {false, "3"}, {true, "3.5"},
		{false, "20"}, {true, "0.5"}, {false, "10"}, {false, "0.25"}, {true, "9.75"},
	}
	for _, op := range ops {
		if op.reserve {
			f.engine.Ledger.Reserve(ctx, c.ID, d(op.qty))
		} else {
			f.engine.Ledger.Release(ctx, c.ID, d(op.qty))
		}
		got := f.get(t, c.ID)
		assert.False(t, got.CurrentLoad.IsNegative())
		assert.True(t, got.CurrentLoad.LessThanOrEqual(got.TotalCapacity))
		if got.CurrentLoad.Equal(got.TotalCapacity) {
			assert.Equal(t, capacity.StatusFull, got.Status)
		}
	}
}

// =============================================================================
// LINEARIZABILITY
// =============================================================================

func TestScenarioA_ConcurrentReservationsNeverOvershoot(t *testing.T) {
	// GIVEN: total_capacity=100
	// WHEN: reserve(60) and reserve(50) race
	// THEN: Exactly one succeeds; the load is 60 or 50, never 110

	for i := 0; i < 50; i++ {
		f := newFixture(t, capacity.Options{})
		c := f.seaOffer(t, "100")
		ctx := context.Background()

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			failures  atomic.Int32
		)
		for _, qty := range []string{"60", "50"} {
			wg.Add(1)
			go func(qty string) {
				defer wg.Done()
				_, err := f.engine.Ledger.Reserve(ctx, c.ID, d(qty))
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, capacity.ErrInsufficientCapacity):
					failures.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(qty)
		}
		wg.Wait()

		require.Equal(t, int32(1), successes.Load())
		require.Equal(t, int32(1), failures.Load())
		load := f.get(t, c.ID).CurrentLoad
		assert.True(t, load.Equal(d("60")) || load.Equal(d("50")), "load %s", load)
	}
}

func TestLinearizability_ManyConcurrentBookings(t *testing.T) {
	// GIVEN: 100 cbm and 40 seekers each booking 7 cbm (280 total)
	// WHEN: All book concurrently
	// THEN: Exactly 14 succeed, the rest fail InsufficientCapacity, load is 98

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "100")
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Allocator.Book(ctx, c.ID, "seeker", volume("7"))
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, capacity.ErrInsufficientCapacity)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(14), successes.Load())
	got := f.get(t, c.ID)
	assert.True(t, got.CurrentLoad.Equal(d("98")), "load %s", got.CurrentLoad)

	bookings, err := f.engine.Allocator.ListBookings(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, bookings, 14)
}

func TestLinearizability_DifferentConsolidationsDoNotInterfere(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	a := f.seaOffer(t, "50")
	b := f.seaOffer(t, "50")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []capacity.ConsolidationID{a.ID, b.ID} {
			wg.Add(1)
			go func(id capacity.ConsolidationID) {
				defer wg.Done()
				_, err := f.engine.Ledger.Reserve(ctx, id, d("5"))
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, capacity.StatusFull, f.get(t, a.ID).Status)
	assert.Equal(t, capacity.StatusFull, f.get(t, b.ID).Status)
}

// =============================================================================
// STATUS CONSISTENCY
// =============================================================================

func TestScenarioB_ThresholdThenFull(t *testing.T) {
	// GIVEN: total_capacity=10, threshold 0.8
	// WHEN: reserve(8) then reserve(2)
	// THEN: closing_soon, then full

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()
	assert.Equal(t, capacity.StatusOpen, c.Status)

	_, err := f.engine.Ledger.Reserve(ctx, c.ID, d("8"))
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusClosingSoon, f.get(t, c.ID).Status)

	_, err = f.engine.Ledger.Reserve(ctx, c.ID, d("2"))
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusFull, f.get(t, c.ID).Status)
}

func TestScenarioC_ReleaseDemotesFull(t *testing.T) {
	// GIVEN: A full 10 cbm consolidation holding a booking of 2
	// WHEN: That booking is cancelled
	// THEN: load=8 and status demotes to closing_soon

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	_, err := f.engine.Allocator.Book(ctx, c.ID, "seeker-a", volume("8"))
	require.NoError(t, err)
	small, err := f.engine.Allocator.Book(ctx, c.ID, "seeker-b", volume("2"))
	require.NoError(t, err)
	require.Equal(t, capacity.StatusFull, f.get(t, c.ID).Status)

	_, err = f.engine.Allocator.CancelBooking(ctx, small.ID)
	require.NoError(t, err)

	got := f.get(t, c.ID)
	assert.True(t, got.CurrentLoad.Equal(d("8")))
	assert.Equal(t, capacity.StatusClosingSoon, got.Status)
}

func TestStatus_FullDemotesToOpen(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	_, err := f.engine.Ledger.Reserve(ctx, c.ID, d("10"))
	require.NoError(t, err)
	_, err = f.engine.Ledger.Release(ctx, c.ID, d("5"))
	require.NoError(t, err)

	assert.Equal(t, capacity.StatusOpen, f.get(t, c.ID).Status)
}

func TestStatus_ConfigurableThreshold(t *testing.T) {
	lc := capacity.Lifecycle{ClosingSoonRatio: d("0.5"), ClosingSoonWindow: time.Hour}
	f := newFixture(t, capacity.Options{Lifecycle: &lc})
	c := f.seaOffer(t, "10")

	_, err := f.engine.Ledger.Reserve(context.Background(), c.ID, d("5"))
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusClosingSoon, f.get(t, c.ID).Status)
}

func TestStatus_ClosingWindowByTime(t *testing.T) {
	// GIVEN: An empty offer departing in 14 days, 48h window
	// WHEN: The clock moves to 47h before departure
	// THEN: Reads project closing_soon, and a sweep persists it with an event

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	f.clock.Set(c.DepartureDeadline.Add(-47 * time.Hour))
	assert.Equal(t, capacity.StatusClosingSoon, f.get(t, c.ID).Status)

	stored, err := f.store.GetConsolidation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusOpen, stored.Status, "not persisted before the sweep")

	updated, err := f.engine.Status.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	stored, err = f.store.GetConsolidation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusClosingSoon, stored.Status)

	// A second sweep changes nothing
	updated, err = f.engine.Status.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
}

func TestStatus_CreatedInsideWindowStartsClosingSoon(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c, err := f.engine.Allocator.CreateConsolidation(context.Background(), capacity.NewConsolidation{
		InitiatorID:       "provider-1",
		Kind:              capacity.KindOffer,
		Mode:              capacity.ModeAir,
		Origin:            "HKHKG",
		Destination:       "USLAX",
		TotalCapacity:     d("500"),
		DepartureDeadline: t0.Add(12 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusClosingSoon, c.Status)
	assert.Equal(t, capacity.UnitKG, c.Unit())
}

// =============================================================================
// CANCELLATION DURING A CALL
// =============================================================================

func TestBook_CancelledContextLeavesNoTrace(t *testing.T) {
	// GIVEN: A caller whose context is already cancelled
	// WHEN: It books
	// THEN: The call fails and the load and bookings are unchanged

	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Allocator.Book(ctx, c.ID, "seeker", volume("3"))
	require.ErrorIs(t, err, context.Canceled)

	assert.True(t, f.get(t, c.ID).CurrentLoad.IsZero())
	bookings, err := f.engine.Allocator.ListBookings(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

// cancelOnInsertBooking cancels the caller's context once a booking row has
// been written, i.e. after the reservation inside the same transaction.
type cancelOnInsertBooking struct {
	capacity.TxStore
	cancel context.CancelFunc
}

func (c cancelOnInsertBooking) WithTx(ctx context.Context, fn func(capacity.Store) error) error {
	return c.TxStore.WithTx(ctx, func(s capacity.Store) error {
		return fn(cancellingTx{Store: s, cancel: c.cancel})
	})
}

type cancellingTx struct {
	capacity.Store
	cancel context.CancelFunc
}

func (c cancellingTx) InsertBooking(ctx context.Context, b capacity.Booking) error {
	if err := c.Store.InsertBooking(ctx, b); err != nil {
		return err
	}
	c.cancel()
	return nil
}

func TestBook_CancelledMidTransactionRollsBack(t *testing.T) {
	// GIVEN: A caller that gives up after the reservation and booking are written
	// WHEN: The transaction reaches commit
	// THEN: Book fails with context.Canceled and nothing was persisted

	st := store.NewTxMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := capacity.NewEngine(cancelOnInsertBooking{TxStore: st, cancel: cancel},
		capacity.Options{Clock: capacity.NewManualClock(t0)})

	c, err := engine.Allocator.CreateConsolidation(context.Background(), capacity.NewConsolidation{
		InitiatorID:       "provider-1",
		Kind:              capacity.KindOffer,
		Mode:              capacity.ModeSea,
		Origin:            "CNSHA",
		Destination:       "NLRTM",
		TotalCapacity:     d("10"),
		RatePerUnit:       dp("40"),
		DepartureDeadline: t0.Add(14 * 24 * time.Hour),
	})
	require.NoError(t, err)
	eventsBefore := len(st.Events())

	_, err = engine.Allocator.Book(ctx, c.ID, "seeker", volume("3"))
	require.ErrorIs(t, err, context.Canceled)

	got, err := engine.Allocator.GetConsolidation(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentLoad.IsZero())
	assert.Equal(t, c.Version, got.Version)

	bookings, err := engine.Allocator.ListBookings(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, bookings)
	assert.Len(t, st.Events(), eventsBefore)
}

// =============================================================================
// INVARIANT GUARD
// =============================================================================

func TestLedger_RefusesToPersistInvariantViolation(t *testing.T) {
	// GIVEN: A stored record already outside its bound (12 loaded into 10)
	// WHEN: Releasing 1, which still leaves it above capacity
	// THEN: The mutation aborts with ErrInvariantViolation and nothing changes

	f := newFixture(t, capacity.Options{})
	ctx := context.Background()
	require.NoError(t, f.store.InsertConsolidation(ctx, capacity.Consolidation{
		ID:                "corrupt-1",
		InitiatorID:       "provider-1",
		Kind:              capacity.KindOffer,
		Mode:              capacity.ModeSea,
		Origin:            "CNSHA",
		Destination:       "NLRTM",
		TotalCapacity:     d("10"),
		CurrentLoad:       d("12"),
		DepartureDeadline: t0.Add(14 * 24 * time.Hour),
		Status:            capacity.StatusFull,
		Version:           1,
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}))

	_, err := f.engine.Ledger.Release(ctx, "corrupt-1", d("1"))
	require.ErrorIs(t, err, capacity.ErrInvariantViolation)
	assert.True(t, capacity.IsInvariant(err))

	var ive *capacity.InvariantViolationError
	require.ErrorAs(t, err, &ive)
	assert.True(t, ive.Load.Equal(d("11")))

	stored, err := f.store.GetConsolidation(ctx, "corrupt-1")
	require.NoError(t, err)
	assert.True(t, stored.CurrentLoad.Equal(d("12")))
	assert.Equal(t, int64(1), stored.Version)
	assert.Empty(t, f.store.Events())
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_EmittedPerCommittedChange(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	c := f.seaOffer(t, "10")
	ctx := context.Background()

	b, err := f.engine.Allocator.Book(ctx, c.ID, "seeker", volume("8"))
	require.NoError(t, err)
	_, err = f.engine.Allocator.Book(ctx, c.ID, "seeker", volume("5"))
	require.Error(t, err, "failed bookings emit nothing")
	_, err = f.engine.Allocator.CancelBooking(ctx, b.ID)
	require.NoError(t, err)

	events := f.store.Events()
	require.Len(t, events, 3)

	assert.Equal(t, capacity.ReasonCreated, events[0].Event.Reason)

	assert.Equal(t, capacity.ReasonReserve, events[1].Event.Reason)
	assert.True(t, events[1].Event.Load.Equal(d("8")))
	assert.Equal(t, capacity.StatusClosingSoon, events[1].Event.Status)

	assert.Equal(t, capacity.ReasonRelease, events[2].Event.Reason)
	assert.True(t, events[2].Event.Load.IsZero())
	assert.Equal(t, capacity.StatusOpen, events[2].Event.Status)

	assert.Less(t, events[1].Seq, events[2].Seq)
}

func TestEvents_OnCommitHookFires(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	var calls atomic.Int32
	f.engine.OnCommit(func() { calls.Add(1) })

	c := f.seaOffer(t, "10")
	_, err := f.engine.Ledger.Reserve(context.Background(), c.ID, d("1"))
	require.NoError(t, err)
	_, err = f.engine.Ledger.Reserve(context.Background(), c.ID, d("100"))
	require.Error(t, err)

	assert.Equal(t, int32(2), calls.Load())
}
