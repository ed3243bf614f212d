package activity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/striderace/server/pkg/infrastructure/pubsub"
	"github.com/striderace/server/pkg/testing/mocks"
	"github.com/striderace/server/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSync_PublishesTotals(t *testing.T) {
	observedAt := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	provider := &mocks.MockHealthProvider{
		ReadTotalsFunc: func(ctx context.Context) (*types.ActivityTotals, error) {
			return &types.ActivityTotals{
				Steps:      4200,
				DistanceKm: 3.2,
				Calories:   168,
				ObservedAt: observedAt,
				SourceID:   "health-platform",
			}, nil
		},
	}
	pub := &mocks.MockPublisher{}
	pump := NewPump(provider, pub, "user-1", testLogger())

	require.NoError(t, pump.Sync(context.Background()))
	require.Len(t, pub.Published, 1)

	e := pub.Published[0]
	assert.Equal(t, pubsub.EventTypeActivityTotals, e.Type())

	var payload pubsub.ActivityTotalsEvent
	require.NoError(t, json.Unmarshal(e.Data(), &payload))
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, uint64(4200), payload.Steps)
	assert.InDelta(t, 3.2, payload.DistanceKm, 1e-9)
	assert.Equal(t, uint64(168), payload.Calories)
	assert.Equal(t, observedAt.UnixMilli(), payload.ObservedAt)
	assert.Equal(t, "health-platform", payload.SourceID)
}

func TestSync_NoTotalsIsNoOp(t *testing.T) {
	pub := &mocks.MockPublisher{}
	pump := NewPump(&mocks.MockHealthProvider{}, pub, "user-1", testLogger())

	require.NoError(t, pump.Sync(context.Background()))
	assert.Empty(t, pub.Published)
}

func TestSync_ProviderError(t *testing.T) {
	provider := &mocks.MockHealthProvider{
		ReadTotalsFunc: func(ctx context.Context) (*types.ActivityTotals, error) {
			return nil, assert.AnError
		},
	}
	pub := &mocks.MockPublisher{}
	pump := NewPump(provider, pub, "user-1", testLogger())

	require.Error(t, pump.Sync(context.Background()))
	assert.Empty(t, pub.Published)
}

func TestRun_StopsOnCancel(t *testing.T) {
	pump := NewPump(&mocks.MockHealthProvider{}, &mocks.MockPublisher{}, "user-1", testLogger())
	pump.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pump.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after cancel")
	}
}
