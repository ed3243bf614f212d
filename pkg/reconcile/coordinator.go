// Package reconcile turns raw cumulative activity totals into safe progress
// deltas. Two independent sources (the step sensor and the health platform)
// report overlapping windows out of order; the coordinator deduplicates,
// rate-limits and caps their readings so downstream race progress only ever
// moves forward by amounts that were actually observed.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/infrastructure/pubsub"
	"github.com/striderace/server/pkg/observability"
	"github.com/striderace/server/pkg/types"
)

const (
	// MaxStepsDelta caps a single propagation. Anything above it is treated
	// as corrupted or double-reported input and delivered as partial credit.
	MaxStepsDelta = 20000

	// DedupSetCap bounds the processed-id set. On overflow the whole set is
	// cleared; dedup protection is approximate, not exact.
	DedupSetCap = 100

	// Rate-limit window: bursts of near-simultaneous sensor callbacks with
	// small deltas collapse into one propagation.
	RateLimitWindow   = 5 * time.Second
	RateLimitMinSteps = 50
)

// Coordinator is the single entry point for applying activity totals to
// race progress. One instance serves all users; state is per user and every
// read-modify-write runs under that user's lock.
type Coordinator struct {
	kv      shared.KVStore
	applier shared.ProgressApplier
	pub     shared.Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userEntry
}

type userEntry struct {
	mu     sync.Mutex
	state  *types.ReconciliationState
	loaded bool
}

func NewCoordinator(kv shared.KVStore, applier shared.ProgressApplier, pub shared.Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		kv:      kv,
		applier: applier,
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		users:   make(map[string]*userEntry),
	}
}

// RequestID derives the stable dedup id for one source event. Keyed to the
// input event, not the delta size, so a retried apply can never double-count.
func RequestID(observedAt time.Time, sourceID string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s", observedAt.UnixMilli(), sourceID))
	return hex.EncodeToString(sum[:])[:16]
}

// Propagate computes the delta between totals and the last processed state
// for this user, applies the guards, forwards the delta downstream and
// advances the persisted watermark. Returns applied=false for duplicates,
// non-positive deltas and rate-limited bursts; none of those are errors.
// force bypasses the non-positive, anomaly and rate-limit guards (manual
// corrections), but never the dedup check.
func (c *Coordinator) Propagate(ctx context.Context, userID string, totals *types.ActivityTotals, force bool) (bool, *types.PropagationRequest, error) {
	entry := c.entryFor(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	state, err := c.loadLocked(ctx, userID, entry)
	if err != nil {
		return false, nil, err
	}

	now := c.now()
	today := now.Format("2006-01-02")

	// Day rollover: the only sanctioned way counters decrease.
	if state.LastDate != "" && state.LastDate != today {
		c.logger.Info("Day rollover, resetting counters",
			"user_id", userID, "previous_date", state.LastDate, "date", today)
		state.LastSteps = 0
		state.LastDistanceKm = 0
		state.LastCalories = 0
		state.LastTimestamp = time.Time{}
		state.LastDate = today
	}

	id := RequestID(totals.ObservedAt, totals.SourceID)
	if containsID(state.ProcessedIDs, id) {
		c.logger.Debug("Duplicate reading suppressed", "user_id", userID, "request_id", id)
		observability.RecordPropagationSuppressed("duplicate")
		return false, nil, nil
	}

	stepsDelta := int64(totals.Steps) - int64(state.LastSteps)
	distanceDelta := totals.DistanceKm - state.LastDistanceKm
	caloriesDelta := int64(totals.Calories) - int64(state.LastCalories)

	if stepsDelta <= 0 && !force {
		c.logger.Debug("Non-positive delta suppressed",
			"user_id", userID, "steps_delta", stepsDelta, "request_id", id)
		observability.RecordPropagationSuppressed("non_positive")
		return false, nil, nil
	}
	if distanceDelta < 0 {
		distanceDelta = 0
	}
	if caloriesDelta < 0 {
		caloriesDelta = 0
	}

	// Anomaly guard: cap instead of reject. The watermark advances only by
	// the capped amount, so the remainder stays deliverable on later calls.
	if stepsDelta > MaxStepsDelta && !force {
		ratio := float64(MaxStepsDelta) / float64(stepsDelta)
		c.logger.Warn("Anomalous delta capped",
			"user_id", userID, "raw_steps_delta", stepsDelta, "capped_steps_delta", int64(MaxStepsDelta))
		distanceDelta *= ratio
		caloriesDelta = int64(float64(caloriesDelta) * ratio)
		stepsDelta = MaxStepsDelta
		observability.RecordAnomalyCapped()
	}

	// Rate limit: collapse sensor callback bursts.
	if !force && !state.LastTimestamp.IsZero() &&
		now.Sub(state.LastTimestamp) < RateLimitWindow && stepsDelta < RateLimitMinSteps {
		c.logger.Debug("Rate-limited reading suppressed",
			"user_id", userID, "steps_delta", stepsDelta, "request_id", id)
		observability.RecordPropagationSuppressed("rate_limited")
		return false, nil, nil
	}

	req := &types.PropagationRequest{
		ID:            id,
		UserID:        userID,
		StepsDelta:    uint64(max(stepsDelta, 0)),
		DistanceDelta: distanceDelta,
		CaloriesDelta: uint64(max(caloriesDelta, 0)),
		Source:        totals.SourceID,
	}

	// State only advances once the downstream apply is confirmed; a failed
	// apply leaves the watermark and dedup set untouched so the same event
	// can be retried.
	if err := c.applier.Apply(ctx, req); err != nil {
		return false, nil, fmt.Errorf("progress apply failed: %w", err)
	}

	state.LastSteps += req.StepsDelta
	state.LastDistanceKm += req.DistanceDelta
	state.LastCalories += req.CaloriesDelta
	state.LastTimestamp = now
	state.LastDate = today
	state.ProcessedIDs = append(state.ProcessedIDs, id)
	if len(state.ProcessedIDs) > DedupSetCap {
		state.ProcessedIDs = nil
	}

	// Persistence failure is non-fatal: continue with in-memory state. A
	// crash before the next successful write can replay a propagation; the
	// request id gives the downstream collaborator its chance to dedup.
	if err := c.persistLocked(ctx, userID, state); err != nil {
		c.logger.Warn("Failed to persist reconciliation state", "user_id", userID, "error", err)
	}

	c.publishApplied(ctx, req)
	observability.RecordPropagationApplied(now)

	c.logger.Info("Propagation applied",
		"user_id", userID,
		"request_id", id,
		"steps_delta", req.StepsDelta,
		"distance_delta", req.DistanceDelta,
		"calories_delta", req.CaloriesDelta,
		"source", totals.SourceID,
	)
	return true, req, nil
}

// State returns a copy of the user's current reconciliation state,
// loading it from the local store if needed.
func (c *Coordinator) State(ctx context.Context, userID string) (types.ReconciliationState, error) {
	entry := c.entryFor(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	state, err := c.loadLocked(ctx, userID, entry)
	if err != nil {
		return types.ReconciliationState{}, err
	}
	out := *state
	out.ProcessedIDs = append([]string(nil), state.ProcessedIDs...)
	return out, nil
}

func (c *Coordinator) entryFor(userID string) *userEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.users[userID]
	if !ok {
		entry = &userEntry{}
		c.users[userID] = entry
	}
	return entry
}

func (c *Coordinator) loadLocked(ctx context.Context, userID string, entry *userEntry) (*types.ReconciliationState, error) {
	if entry.loaded {
		return entry.state, nil
	}
	state, err := loadState(ctx, c.kv, userID)
	if err != nil {
		return nil, fmt.Errorf("load reconciliation state: %w", err)
	}
	entry.state = state
	entry.loaded = true
	return state, nil
}

func (c *Coordinator) persistLocked(ctx context.Context, userID string, state *types.ReconciliationState) error {
	return saveState(ctx, c.kv, userID, state)
}

func (c *Coordinator) publishApplied(ctx context.Context, req *types.PropagationRequest) {
	if c.pub == nil {
		return
	}
	e, err := pubsub.NewCloudEvent(pubsub.EventSourceCoordinator, pubsub.EventTypeProgressApplied, pubsub.ProgressAppliedEvent{
		RequestID:     req.ID,
		UserID:        req.UserID,
		StepsDelta:    req.StepsDelta,
		DistanceDelta: req.DistanceDelta,
		CaloriesDelta: req.CaloriesDelta,
		Source:        req.Source,
	})
	if err != nil {
		c.logger.Warn("Failed to build progress event", "error", err)
		return
	}
	if _, err := c.pub.PublishCloudEvent(ctx, shared.TopicProgressApplied, e); err != nil {
		c.logger.Warn("Failed to publish progress event", "request_id", req.ID, "error", err)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
