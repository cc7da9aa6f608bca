package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aaronlmathis/kmon/internal/model"
)

// countingRefresh produces fresh snapshots and tracks invocations, with
// switchable failure and delay behavior.
type countingRefresh struct {
	calls int64
	fail  atomic.Bool
	delay time.Duration
}

func (c *countingRefresh) refresh(ctx context.Context) (*model.AggregatedSnapshot, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fail.Load() {
		return nil, fmt.Errorf("aggregation failed")
	}
	return &model.AggregatedSnapshot{
		ID:           uuid.NewString(),
		AggregatedAt: time.Now(),
		Nodes:        map[string]model.NodeSnapshot{},
	}, nil
}

func (c *countingRefresh) count() int64 {
	return atomic.LoadInt64(&c.calls)
}

func TestSlot_FirstReadBlocksUntilPopulated(t *testing.T) {
	refresh := &countingRefresh{delay: 50 * time.Millisecond}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, time.Minute, 5*time.Minute, time.Second)

	require.Equal(t, StateEmpty, slot.State())

	snap, err := slot.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	// The snapshot was produced for this read, not served from history.
	assert.Less(t, snap.Age(time.Now()), time.Second)
	assert.Equal(t, StatePopulated, slot.State())
}

func TestSlot_FirstReadFailureIsNotYetAvailable(t *testing.T) {
	refresh := &countingRefresh{}
	refresh.fail.Store(true)
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, time.Minute, 5*time.Minute, time.Second)

	_, err := slot.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotYetAvailable)
	assert.Nil(t, slot.Current())
}

func TestSlot_FirstReadTimesOut(t *testing.T) {
	refresh := &countingRefresh{delay: time.Second}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, time.Minute, 5*time.Minute, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := slot.Get(ctx)
	assert.ErrorIs(t, err, ErrRefreshTimeout)
}

func TestSlot_RefreshBoundedIndependentlyOfReader(t *testing.T) {
	refresh := &countingRefresh{delay: 200 * time.Millisecond}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, time.Minute, 5*time.Minute, 20*time.Millisecond)

	_, err := slot.Get(context.Background())
	assert.ErrorIs(t, err, ErrRefreshTimeout)
}

func TestSlot_PopulatedReadsShareSnapshotWithoutRefresh(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, time.Minute, 5*time.Minute, time.Second)

	first, err := slot.Get(context.Background())
	require.NoError(t, err)
	callsAfterPopulate := refresh.count()

	second, err := slot.Get(context.Background())
	require.NoError(t, err)

	// Reads inside the freshness window observe the identical snapshot
	// and never trigger collection work.
	assert.Same(t, first, second)
	assert.Equal(t, callsAfterPopulate, refresh.count())
}

func TestSlot_StaleReadReturnsImmediatelyAndRefreshesInBackground(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, 30*time.Millisecond, 5*time.Minute, time.Second)

	first, err := slot.Get(context.Background())
	require.NoError(t, err)

	// Let the snapshot outlive the freshness window and the trigger
	// suppression interval.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateStale, slot.State())

	stale, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, stale)

	// The background refresh eventually swaps in a newer snapshot.
	require.Eventually(t, func() bool {
		current := slot.Current()
		return current != nil && current.ID != first.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlot_ConcurrentStaleReadsCoalesceIntoOneRefresh(t *testing.T) {
	refresh := &countingRefresh{delay: 100 * time.Millisecond}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, 30*time.Millisecond, 5*time.Minute, time.Second)

	first, err := slot.Get(context.Background())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	callsBefore := refresh.count()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := slot.Get(context.Background())
			assert.NoError(t, err)
			assert.Same(t, first, snap)
		}()
	}
	wg.Wait()

	// All triggers collapsed into a single in-flight attempt.
	require.Eventually(t, func() bool {
		return slot.Current().ID != first.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, callsBefore+1, refresh.count())
}

func TestSlot_FailedRefreshKeepsStaleData(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, 30*time.Millisecond, 5*time.Minute, time.Second)

	first, err := slot.Get(context.Background())
	require.NoError(t, err)

	refresh.fail.Store(true)
	time.Sleep(50 * time.Millisecond)

	// Stale reads still serve the last good snapshot while refreshes fail.
	snap, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, snap)

	time.Sleep(50 * time.Millisecond)
	assert.Same(t, first, slot.Current())
	assert.Equal(t, StateStale, slot.State())
}

func TestSlot_EmptiesWhenFailuresOutlastCeiling(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, 10*time.Millisecond, 50*time.Millisecond, time.Second)

	first, err := slot.Get(context.Background())
	require.NoError(t, err)

	refresh.fail.Store(true)

	// While the snapshot is younger than the ceiling, failed refreshes
	// keep it served as stale.
	time.Sleep(20 * time.Millisecond)
	snap, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, snap)

	// Once the snapshot outlives the ceiling with refreshes still
	// failing, the slot empties and reads report no data again.
	require.Eventually(t, func() bool {
		_, err := slot.Get(context.Background())
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Nil(t, slot.Current())
	assert.Equal(t, StateEmpty, slot.State())

	_, err = slot.Get(context.Background())
	assert.ErrorIs(t, err, model.ErrNotYetAvailable)

	// Recovery repopulates the slot.
	refresh.fail.Store(false)
	recovered, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, recovered.ID)
}

func TestSlot_ZeroCeilingNeverEmpties(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, 10*time.Millisecond, 0, time.Second)

	first, err := slot.Get(context.Background())
	require.NoError(t, err)

	refresh.fail.Store(true)
	time.Sleep(60 * time.Millisecond)

	snap, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, snap)
}

func TestSlot_RunPopulatesEagerly(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, time.Minute, 5*time.Minute, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slot.Run(ctx, time.Hour)
	defer slot.Stop()

	require.Eventually(t, func() bool {
		return slot.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatePopulated, slot.State())
}

func TestSlot_RunRefreshesOnInterval(t *testing.T) {
	refresh := &countingRefresh{}
	slot := NewSlot(zaptest.NewLogger(t), refresh.refresh, 20*time.Millisecond, 5*time.Minute, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slot.Run(ctx, 20*time.Millisecond)
	defer slot.Stop()

	require.Eventually(t, func() bool {
		return refresh.count() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}
