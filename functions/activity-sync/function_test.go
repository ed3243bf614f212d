package activitysync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/striderace/server/pkg/bootstrap"
	"github.com/striderace/server/pkg/reconcile"
	"github.com/striderace/server/pkg/testing/mocks"
	"github.com/striderace/server/pkg/types"
)

// installTestService wires the package globals to in-memory doubles so the
// entry point never touches real infrastructure.
func installTestService(t *testing.T) (*mocks.MemDatabase, *mocks.MockKVStore) {
	t.Helper()
	svcOnce.Do(func() {})

	db := mocks.NewMemDatabase()
	kv := mocks.NewMockKVStore()
	svc = &bootstrap.Service{DB: db, KV: kv, Pub: &mocks.MockPublisher{}}
	coord = reconcile.NewCoordinator(kv, newProgressApplier(svc), svc.Pub, bootstrap.NewLogger("activity-sync-test"))
	return db, kv
}

func totalsEvent(t *testing.T, payload totalsMessage) event.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var msg types.PubSubMessage
	msg.Message.Data = data

	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	e.SetSource("//pubsub.googleapis.com/projects/test/topics/activity-totals")
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, msg))
	return e
}

func TestSyncActivityTotals(t *testing.T) {
	db, _ := installTestService(t)
	ctx := context.Background()

	seedRunningRace(t, db, "race-1", "user-1", types.RaceStatusActive)

	observedAt := time.Now().UnixMilli()
	err := SyncActivityTotals(ctx, totalsEvent(t, totalsMessage{
		UserID:     "user-1",
		Steps:      250,
		DistanceKm: 0.19,
		Calories:   10,
		ObservedAt: observedAt,
		SourceID:   "health-platform",
	}))
	require.NoError(t, err)

	p, err := db.GetParticipant(ctx, "race-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), p.Steps)

	// Redelivery of the same message is a no-op.
	err = SyncActivityTotals(ctx, totalsEvent(t, totalsMessage{
		UserID:     "user-1",
		Steps:      250,
		ObservedAt: observedAt,
		SourceID:   "health-platform",
	}))
	require.NoError(t, err)

	p, err = db.GetParticipant(ctx, "race-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), p.Steps)
}

func TestSyncActivityTotals_MissingUserDropped(t *testing.T) {
	installTestService(t)

	err := SyncActivityTotals(context.Background(), totalsEvent(t, totalsMessage{
		Steps:      250,
		ObservedAt: time.Now().UnixMilli(),
		SourceID:   "health-platform",
	}))
	require.NoError(t, err)
}

func TestSyncActivityTotals_BadPayload(t *testing.T) {
	installTestService(t)

	var msg types.PubSubMessage
	msg.Message.Data = []byte("{not json")

	e := cloudevents.NewEvent()
	e.SetID("evt-2")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	e.SetSource("//pubsub.googleapis.com/projects/test/topics/activity-totals")
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, msg))

	err := SyncActivityTotals(context.Background(), e)
	require.Error(t, err)
}
