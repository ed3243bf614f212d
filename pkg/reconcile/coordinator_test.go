package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/striderace/server/pkg/testing/mocks"
	"github.com/striderace/server/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	coord   *Coordinator
	kv      *mocks.MockKVStore
	applier *mocks.MockProgressApplier
	pub     *mocks.MockPublisher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		kv:      mocks.NewMockKVStore(),
		applier: &mocks.MockProgressApplier{},
		pub:     &mocks.MockPublisher{},
		now:     time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(f.kv, f.applier, f.pub, testLogger())
	f.coord.now = func() time.Time { return f.now }
	return f
}

func totalsAt(steps uint64, observedAt time.Time) *types.ActivityTotals {
	return &types.ActivityTotals{
		Steps:      steps,
		DistanceKm: float64(steps) * 0.0008,
		Calories:   steps / 25,
		ObservedAt: observedAt,
		SourceID:   "pedometer",
	}
}

func TestPropagate_AppliesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied, delta, err := f.coord.Propagate(ctx, "user-1", totalsAt(1200, f.now), false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(1200), delta.StepsDelta)
	require.Len(t, f.applier.Requests(), 1)

	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), state.LastSteps)
	assert.Equal(t, "2025-06-15", state.LastDate)
}

func TestPropagate_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	totals := totalsAt(1200, f.now)

	applied, _, err := f.coord.Propagate(ctx, "user-1", totals, false)
	require.NoError(t, err)
	require.True(t, applied)

	// Same observedAt and sourceId: same event, must not apply twice.
	applied, _, err = f.coord.Propagate(ctx, "user-1", totals, false)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, f.applier.Requests(), 1)
}

func TestPropagate_NonPositiveDeltaSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(1000, f.now), false)
	require.NoError(t, err)

	// Replayed smaller reading from the other source.
	f.now = f.now.Add(time.Minute)
	applied, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(800, f.now), false)
	require.NoError(t, err)
	assert.False(t, applied)

	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), state.LastSteps)
}

func TestPropagate_Monotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	readings := []uint64{500, 400, 900, 900, 860, 1500}
	var prev uint64
	for i, steps := range readings {
		f.now = f.now.Add(time.Minute)
		_, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(steps, f.now.Add(time.Duration(i)*time.Second)), false)
		require.NoError(t, err)

		state, err := f.coord.State(ctx, "user-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.LastSteps, prev, "lastSteps regressed at reading %d", i)
		prev = state.LastSteps
	}
	assert.Equal(t, uint64(1500), prev)
}

func TestPropagate_DayRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, saveState(ctx, f.kv, "user-1", &types.ReconciliationState{
		LastSteps:      8000,
		LastDistanceKm: 6.4,
		LastCalories:   320,
		LastTimestamp:  f.now.Add(-10 * time.Hour),
		LastDate:       "2025-06-14",
	}))

	// First propagation on the new day: counters reset before the delta is
	// computed, so the full reading counts.
	applied, delta, err := f.coord.Propagate(ctx, "user-1", totalsAt(500, f.now), false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(500), delta.StepsDelta)

	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-15", state.LastDate)
	assert.Equal(t, uint64(500), state.LastSteps)
}

func TestPropagate_AnomalyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	totals := &types.ActivityTotals{
		Steps:      50000,
		DistanceKm: 40,
		Calories:   2000,
		ObservedAt: f.now,
		SourceID:   "pedometer",
	}
	applied, delta, err := f.coord.Propagate(ctx, "user-1", totals, false)
	require.NoError(t, err)
	require.True(t, applied)

	// Capped at 20000 with distance/calories scaled by 20000/50000.
	assert.Equal(t, uint64(20000), delta.StepsDelta)
	assert.InDelta(t, 16.0, delta.DistanceDelta, 0.001)
	assert.Equal(t, uint64(800), delta.CaloriesDelta)

	// The watermark advances only by the capped amount, so the remainder
	// is deliverable on the next distinct event.
	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(20000), state.LastSteps)

	f.now = f.now.Add(time.Minute)
	totals2 := *totals
	totals2.ObservedAt = f.now
	applied, delta, err = f.coord.Propagate(ctx, "user-1", &totals2, false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(20000), delta.StepsDelta)

	f.now = f.now.Add(time.Minute)
	totals3 := *totals
	totals3.ObservedAt = f.now
	applied, delta, err = f.coord.Propagate(ctx, "user-1", &totals3, false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(10000), delta.StepsDelta)
}

func TestPropagate_ForceBypassesCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied, delta, err := f.coord.Propagate(ctx, "user-1", totalsAt(50000, f.now), true)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(50000), delta.StepsDelta)
}

func TestPropagate_RateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(1000, f.now), false)
	require.NoError(t, err)
	require.True(t, applied)

	// 2s later with a 10-step delta: suppressed as a sensor burst.
	f.now = f.now.Add(2 * time.Second)
	applied, _, err = f.coord.Propagate(ctx, "user-1", totalsAt(1010, f.now), false)
	require.NoError(t, err)
	assert.False(t, applied)

	// 2s later again but a 100-step delta: large enough to pass.
	f.now = f.now.Add(2 * time.Second)
	applied, delta, err := f.coord.Propagate(ctx, "user-1", totalsAt(1100, f.now), false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(100), delta.StepsDelta)

	// Outside the window small deltas pass too.
	f.now = f.now.Add(6 * time.Second)
	applied, _, err = f.coord.Propagate(ctx, "user-1", totalsAt(1110, f.now), false)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPropagate_DownstreamFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fail := true
	f.applier.ApplyFunc = func(ctx context.Context, req *types.PropagationRequest) error {
		if fail {
			return fmt.Errorf("progress service unavailable")
		}
		return nil
	}

	totals := totalsAt(1200, f.now)
	applied, _, err := f.coord.Propagate(ctx, "user-1", totals, false)
	require.Error(t, err)
	assert.False(t, applied)

	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.LastSteps)
	assert.Empty(t, state.ProcessedIDs)

	// The same event retries cleanly once downstream recovers.
	fail = false
	applied, delta, err := f.coord.Propagate(ctx, "user-1", totals, false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(1200), delta.StepsDelta)
}

func TestPropagate_PersistFailureNonFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.kv.SetFunc = func(ctx context.Context, key, value string) error {
		return fmt.Errorf("disk full")
	}

	applied, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(1200, f.now), false)
	require.NoError(t, err)
	assert.True(t, applied)

	// In-memory state still advanced.
	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), state.LastSteps)
}

func TestPropagate_DedupSetClearsOnOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i <= DedupSetCap; i++ {
		f.now = f.now.Add(10 * time.Second)
		applied, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(uint64(1000*(i+1)), f.now), false)
		require.NoError(t, err)
		require.True(t, applied, "reading %d", i)
	}

	// The 101st insert tips the set over the cap and clears it wholesale.
	state, err := f.coord.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, state.ProcessedIDs)
}

func TestPropagate_StateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.coord.Propagate(ctx, "user-1", totalsAt(1200, f.now), false)
	require.NoError(t, err)

	// A new coordinator over the same KV store picks up the watermark.
	coord2 := NewCoordinator(f.kv, f.applier, f.pub, testLogger())
	coord2.now = func() time.Time { return f.now }

	state, err := coord2.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), state.LastSteps)

	f.now = f.now.Add(time.Minute)
	applied, delta, err := coord2.Propagate(ctx, "user-1", totalsAt(1500, f.now), false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(300), delta.StepsDelta)
}

func TestRequestID_StablePerEvent(t *testing.T) {
	at := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, RequestID(at, "pedometer"), RequestID(at, "pedometer"))
	assert.NotEqual(t, RequestID(at, "pedometer"), RequestID(at, "health-platform"))
	assert.NotEqual(t, RequestID(at, "pedometer"), RequestID(at.Add(time.Millisecond), "pedometer"))
}
