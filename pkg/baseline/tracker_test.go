package baseline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/striderace/server/pkg/snapshot"
	"github.com/striderace/server/pkg/testing/mocks"
	"github.com/striderace/server/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type trackerFixture struct {
	tracker *Tracker
	db      *mocks.MemDatabase
	snaps   *snapshot.Store
	source  *mocks.MockStepSource
	now     time.Time
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	snaps, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	f := &trackerFixture{
		db:     mocks.NewMemDatabase(),
		snaps:  snaps,
		source: &mocks.MockStepSource{},
		now:    time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(f.db, f.snaps, f.source, testLogger())
	f.tracker.now = func() time.Time { return f.now }
	return f
}

func (f *trackerFixture) seedBaseline(t *testing.T, raceID, userID string, baselineSteps int64) {
	t.Helper()
	require.NoError(t, f.db.SetRaceBaseline(context.Background(), userID, &types.RaceBaseline{
		RaceID:        raceID,
		UserID:        userID,
		BaselineSteps: baselineSteps,
		LastReading:   baselineSteps,
		RaceStartAt:   f.now.Add(-time.Hour),
		LastSyncAt:    f.now.Add(-time.Minute),
	}))
}

func (f *trackerFixture) addSnapshot(t *testing.T, at time.Time, cumulativeSteps int64) {
	t.Helper()
	require.NoError(t, f.snaps.Append(context.Background(), &types.Snapshot{
		Timestamp:       at,
		CumulativeSteps: cumulativeSteps,
		Source:          "pedometer",
	}))
}

func TestCreateBaseline(t *testing.T) {
	f := newTrackerFixture(t)
	f.source.CurrentStepsFunc = func(ctx context.Context) (int64, error) {
		return 4521, nil
	}

	created, err := f.tracker.CreateBaseline(context.Background(), "race-1", "user-1", f.now)
	require.NoError(t, err)
	require.True(t, created)

	b, err := f.db.GetRaceBaseline(context.Background(), "user-1", "race-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(4521), b.BaselineSteps)
	assert.Equal(t, int64(4521), b.LastReading)
}

func TestCreateBaseline_SensorNeverStarts(t *testing.T) {
	f := newTrackerFixture(t)
	f.source.CurrentStepsFunc = func(ctx context.Context) (int64, error) {
		return 0, nil
	}

	// Advance the injected clock past the wait deadline so the poll loop
	// gives up on its first pass.
	f.tracker.now = func() time.Time {
		f.now = f.now.Add(3 * time.Second)
		return f.now
	}

	created, err := f.tracker.CreateBaseline(context.Background(), "race-1", "user-1", f.now)
	require.NoError(t, err)
	assert.False(t, created)

	b, err := f.db.GetRaceBaseline(context.Background(), "user-1", "race-1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestTick_NormalProgress(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 1000)

	sample, err := f.tracker.Tick(context.Background(), "race-1", "user-1", 1300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), sample.Steps)
	assert.InDelta(t, 300*KmPerStep, sample.DistanceKm, 1e-9)
	assert.Equal(t, int64(12), sample.Calories)
	assert.Greater(t, sample.SpeedKmh, 0.0)
}

func TestTick_RebootRecoveryWithSnapshot(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 5000)
	f.addSnapshot(t, f.now.Add(-2*time.Minute), 5000)

	// Counter reset to 200 after a reboot. The snapshot equals the baseline
	// so there is nothing to credit, and the post-reboot reading counts in
	// full from zero.
	sample, err := f.tracker.Tick(context.Background(), "race-1", "user-1", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(200), sample.Steps)
}

func TestTick_RebootRecoveryCreditsSnapshotProgress(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 1000)

	// Walked up to 1300, then a snapshot recorded 1280, then the device
	// rebooted and the counter restarted near zero.
	sample, err := f.tracker.Tick(context.Background(), "race-1", "user-1", 1300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), sample.Steps)

	f.addSnapshot(t, f.now, 1280)
	f.now = f.now.Add(time.Minute)

	sample, err = f.tracker.Tick(context.Background(), "race-1", "user-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(290), sample.Steps)

	// Subsequent readings accumulate on top of the recovered credit.
	f.now = f.now.Add(time.Minute)
	sample, err = f.tracker.Tick(context.Background(), "race-1", "user-1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(310), sample.Steps)
}

func TestTick_RebootWithoutSnapshotFloorsAtZero(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 5000)

	sample, err := f.tracker.Tick(context.Background(), "race-1", "user-1", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sample.Steps)

	// Progress resumes from the rebased counter.
	f.now = f.now.Add(time.Minute)
	sample, err = f.tracker.Tick(context.Background(), "race-1", "user-1", 350)
	require.NoError(t, err)
	assert.Equal(t, int64(150), sample.Steps)
}

func TestTick_NeverNegative(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 1000)

	readings := []int64{1300, 10, 5, 30, 2}
	for _, r := range readings {
		sample, err := f.tracker.Tick(context.Background(), "race-1", "user-1", r)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sample.Steps, int64(0), "reading %d", r)
		f.now = f.now.Add(time.Minute)
	}
}

func TestTick_NoBaseline(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.tracker.Tick(context.Background(), "race-1", "user-1", 100)
	require.Error(t, err)
}

func TestTick_PersistFailureNonFatal(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 1000)
	f.db.SetRaceBaselineErr = assert.AnError

	sample, err := f.tracker.Tick(context.Background(), "race-1", "user-1", 1250)
	require.NoError(t, err)
	assert.Equal(t, int64(250), sample.Steps)
}

func TestRemove(t *testing.T) {
	f := newTrackerFixture(t)
	f.seedBaseline(t, "race-1", "user-1", 1000)

	require.NoError(t, f.tracker.Remove(context.Background(), "race-1", "user-1"))

	b, err := f.db.GetRaceBaseline(context.Background(), "user-1", "race-1")
	require.NoError(t, err)
	assert.Nil(t, b)
}
