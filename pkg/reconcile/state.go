package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/types"
)

const stateKeyPrefix = "reconcile_state:"

// persistedState is the JSON shape written to the local store. Kept separate
// from types.ReconciliationState so the wire format can evolve on its own.
type persistedState struct {
	LastSteps      uint64   `json:"last_steps"`
	LastDistanceKm float64  `json:"last_distance_km"`
	LastCalories   uint64   `json:"last_calories"`
	LastTimestamp  int64    `json:"last_timestamp_ms,omitempty"`
	LastDate       string   `json:"last_date,omitempty"`
	ProcessedIDs   []string `json:"processed_ids,omitempty"`
}

func loadState(ctx context.Context, kv shared.KVStore, userID string) (*types.ReconciliationState, error) {
	raw, ok, err := kv.Get(ctx, stateKeyPrefix+userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.ReconciliationState{}, nil
	}

	var p persistedState
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode reconciliation state: %w", err)
	}

	state := &types.ReconciliationState{
		LastSteps:      p.LastSteps,
		LastDistanceKm: p.LastDistanceKm,
		LastCalories:   p.LastCalories,
		LastDate:       p.LastDate,
		ProcessedIDs:   p.ProcessedIDs,
	}
	if p.LastTimestamp != 0 {
		state.LastTimestamp = time.UnixMilli(p.LastTimestamp)
	}
	return state, nil
}

func saveState(ctx context.Context, kv shared.KVStore, userID string, state *types.ReconciliationState) error {
	p := persistedState{
		LastSteps:      state.LastSteps,
		LastDistanceKm: state.LastDistanceKm,
		LastCalories:   state.LastCalories,
		LastDate:       state.LastDate,
		ProcessedIDs:   state.ProcessedIDs,
	}
	if !state.LastTimestamp.IsZero() {
		p.LastTimestamp = state.LastTimestamp.UnixMilli()
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode reconciliation state: %w", err)
	}
	return kv.Set(ctx, stateKeyPrefix+userID, string(raw))
}
