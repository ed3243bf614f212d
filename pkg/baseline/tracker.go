// Package baseline maps the device's cumulative step counter onto
// race-relative progress. The counter resets on device reboot; the tracker
// detects the reset and recovers what it can from the local snapshot log.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/snapshot"
	"github.com/striderace/server/pkg/types"
)

const (
	// KmPerStep / CaloriesPerStep are the fixed conversion constants used
	// for derived distance and calories.
	KmPerStep       = 0.000762
	CaloriesPerStep = 0.04

	// CreateBaseline waits this long for the sensor's first reading.
	firstReadingTimeout = 2 * time.Second
	firstReadingPoll    = 200 * time.Millisecond
)

// Tracker owns the per-(race,user) baselines. All mutation of a baseline
// happens under its key lock; nothing else in the system writes these
// records.
type Tracker struct {
	db        shared.Database
	snapshots *snapshot.Store
	steps     shared.StepSource
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*baselineEntry
}

// baselineEntry caches a loaded baseline; ticks arrive every few seconds
// and should not re-read the remote document each time.
type baselineEntry struct {
	mu       sync.Mutex
	baseline *types.RaceBaseline
}

func NewTracker(db shared.Database, snapshots *snapshot.Store, steps shared.StepSource, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:        db,
		snapshots: snapshots,
		steps:     steps,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*baselineEntry),
	}
}

// CreateBaseline captures the current cumulative sensor value as the
// zero-point for a race the user just joined. A race cannot be baselined
// against an unstarted sensor: if the counter still reads zero after a
// bounded wait, creation fails with applied=false.
func (t *Tracker) CreateBaseline(ctx context.Context, raceID, userID string, raceStartAt time.Time) (bool, error) {
	current, err := t.waitForFirstReading(ctx)
	if err != nil {
		return false, err
	}
	if current == 0 {
		t.logger.Warn("Sensor produced no reading, baseline not created",
			"race_id", raceID, "user_id", userID)
		return false, nil
	}

	now := t.now()
	b := &types.RaceBaseline{
		RaceID:            raceID,
		UserID:            userID,
		BaselineSteps:     current,
		SessionStartSteps: current,
		RaceStartAt:       raceStartAt,
		LastReading:       current,
		LastSyncAt:        now,
	}
	if err := t.db.SetRaceBaseline(ctx, userID, b); err != nil {
		return false, fmt.Errorf("persist baseline: %w", err)
	}

	entry := t.entryFor(raceID, userID)
	entry.mu.Lock()
	entry.baseline = b
	entry.mu.Unlock()

	t.logger.Info("Race baseline created",
		"race_id", raceID, "user_id", userID, "baseline_steps", current)
	return true, nil
}

func (t *Tracker) waitForFirstReading(ctx context.Context) (int64, error) {
	deadline := t.now().Add(firstReadingTimeout)
	for {
		current, err := t.steps.CurrentSteps(ctx)
		if err != nil {
			return 0, fmt.Errorf("read step sensor: %w", err)
		}
		if current > 0 || !t.now().Before(deadline) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(firstReadingPoll):
		}
	}
}

// Tick folds one cumulative sensor reading into race-relative progress.
// A reading below the previous one means the counter reset (reboot); the
// tracker credits progress recorded in the snapshot log and rebases. With
// no usable snapshot the reading floors at zero: progress loss is preferred
// over progress fabrication. The returned steps are never negative.
func (t *Tracker) Tick(ctx context.Context, raceID, userID string, currentCumulativeSteps int64) (*types.ProgressSample, error) {
	entry := t.entryFor(raceID, userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	b := entry.baseline
	if b == nil {
		var err error
		b, err = t.db.GetRaceBaseline(ctx, userID, raceID)
		if err != nil {
			return nil, fmt.Errorf("load baseline: %w", err)
		}
		if b == nil {
			return nil, fmt.Errorf("no baseline for race %s user %s", raceID, userID)
		}
		entry.baseline = b
	}

	now := t.now()
	if currentCumulativeSteps < b.LastReading {
		t.recoverFromReboot(ctx, b, currentCumulativeSteps, now)
	}

	raceSteps := b.RecoveredSteps + (currentCumulativeSteps - b.BaselineSteps)
	if raceSteps < 0 {
		// Still behind the baseline with nothing to recover. Rebase so the
		// next reading counts from here.
		b.BaselineSteps = currentCumulativeSteps
		raceSteps = b.RecoveredSteps
	}

	b.LastReading = currentCumulativeSteps
	b.LastSyncAt = now
	if err := t.db.SetRaceBaseline(ctx, userID, b); err != nil {
		t.logger.Warn("Failed to persist baseline", "race_id", raceID, "user_id", userID, "error", err)
	}

	sample := &types.ProgressSample{
		Steps:      raceSteps,
		DistanceKm: float64(raceSteps) * KmPerStep,
		Calories:   int64(float64(raceSteps) * CaloriesPerStep),
	}
	if elapsed := now.Sub(b.RaceStartAt).Hours(); elapsed > 0 {
		sample.SpeedKmh = sample.DistanceKm / elapsed
	}
	return sample, nil
}

// recoverFromReboot rebases the baseline after the counter decreased. The
// most recent snapshot stands in for the lost pre-reboot reading: steps
// between baseline and snapshot become a one-time credit, and the baseline
// moves to the snapshot value (counter glitched but kept counting) or to
// zero (counter truly reset below the snapshot).
func (t *Tracker) recoverFromReboot(ctx context.Context, b *types.RaceBaseline, current int64, now time.Time) {
	snap, err := t.snapshots.NearestBefore(ctx, now)
	if err != nil {
		t.logger.Warn("Snapshot lookup failed during reboot recovery",
			"race_id", b.RaceID, "user_id", b.UserID, "error", err)
		snap = nil
	}

	if snap == nil {
		t.logger.Warn("Reboot detected with no usable snapshot, flooring progress",
			"race_id", b.RaceID, "user_id", b.UserID,
			"last_reading", b.LastReading, "current", current)
		b.BaselineSteps = current
		b.SessionStartSteps = current
		return
	}

	credit := snap.CumulativeSteps - b.BaselineSteps
	if credit < 0 {
		credit = 0
	}
	b.RecoveredSteps += credit
	if current >= snap.CumulativeSteps {
		b.BaselineSteps = snap.CumulativeSteps
	} else {
		b.BaselineSteps = 0
	}
	b.SessionStartSteps = current
	b.DeviceBootEpoch = snap.DeviceBootEpoch

	t.logger.Info("Recovered race progress after reboot",
		"race_id", b.RaceID, "user_id", b.UserID,
		"recovered_steps", credit,
		"snapshot_steps", snap.CumulativeSteps,
		"current", current,
	)
}

// Remove drops the baseline when the user leaves the race or the race ends.
func (t *Tracker) Remove(ctx context.Context, raceID, userID string) error {
	entry := t.entryFor(raceID, userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.baseline = nil
	return t.db.DeleteRaceBaseline(ctx, userID, raceID)
}

func (t *Tracker) entryFor(raceID, userID string) *baselineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := raceID + ":" + userID
	entry, ok := t.locks[key]
	if !ok {
		entry = &baselineEntry{}
		t.locks[key] = entry
	}
	return entry
}
