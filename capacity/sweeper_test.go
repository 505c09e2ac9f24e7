package capacity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/capacity-engine/capacity"
)

func TestSweeper_PersistsTimeDrivenTransitions(t *testing.T) {
	// GIVEN: Two empty offers, one departing tomorrow after a clock jump
	// WHEN: The sweeper runs
	// THEN: Only that one becomes closing_soon, with a refresh event

	f := newFixture(t, capacity.Options{})
	soon := f.seaOffer(t, "10")
	f.clock.Advance(13 * 24 * time.Hour)
	later, err := f.engine.Allocator.CreateConsolidation(context.Background(), capacity.NewConsolidation{
		InitiatorID:       "provider-2",
		Kind:              capacity.KindOffer,
		Mode:              capacity.ModeSea,
		Origin:            "KRPUS",
		Destination:       "USLGB",
		TotalCapacity:     d("10"),
		DepartureDeadline: f.clock.Now().Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)

	sweeper := capacity.NewSweeper(f.engine.Status, nil)
	assert.Equal(t, f.clock.Now(), sweeper.NextRunTime())

	assert.Equal(t, 1, sweeper.RunNow(context.Background()))
	assert.Equal(t, f.clock.Now().Add(capacity.DefaultSweepInterval), sweeper.NextRunTime())

	stored, err := f.store.GetConsolidation(context.Background(), soon.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusClosingSoon, stored.Status)

	stored, err = f.store.GetConsolidation(context.Background(), later.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity.StatusOpen, stored.Status)

	events := f.store.Events()
	last := events[len(events)-1].Event
	assert.Equal(t, capacity.ReasonRefresh, last.Reason)
	assert.Equal(t, soon.ID, last.ConsolidationID)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, capacity.Options{})
	sweeper := capacity.NewSweeper(f.engine.Status, nil)
	sweeper.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
