package shared

import (
	"context"
	"errors"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/striderace/server/pkg/types"
)

// ErrGuardFailed signals that a transactional guard saw a status it cannot
// transition from. Callers receive it as a boolean false, never as an error.
var ErrGuardFailed = errors.New("transition guard failed")

// --- Persistence Interfaces ---

// RaceTxn exposes the reads and writes available inside one race
// transaction. All staged writes commit atomically with the status change,
// or not at all. Participants must be read before any write is staged.
type RaceTxn interface {
	Participants() ([]*types.RaceParticipant, error)
	UpdateRace(data map[string]interface{}) error
	UpdateParticipant(userID string, data map[string]interface{}) error
}

// RaceTxnFunc runs inside a store transaction against the freshly-read race
// record. Return ErrGuardFailed to no-op without committing.
type RaceTxnFunc func(txn RaceTxn, race *types.RaceRecord) error

type Database interface {
	// Races
	GetRace(ctx context.Context, raceID string) (*types.RaceRecord, error)
	CreateRace(ctx context.Context, race *types.RaceRecord) error
	ListScheduledRacesDue(ctx context.Context, now time.Time) ([]*types.RaceRecord, error)
	ListEndingRacesPastDeadline(ctx context.Context, now time.Time) ([]*types.RaceRecord, error)
	// UpdateRaceTxn runs fn inside an atomic read-check-write transaction.
	// Returns (false, nil) when fn reports ErrGuardFailed.
	UpdateRaceTxn(ctx context.Context, raceID string, fn RaceTxnFunc) (bool, error)

	// Participants
	GetParticipant(ctx context.Context, raceID, userID string) (*types.RaceParticipant, error)
	SetParticipant(ctx context.Context, raceID string, p *types.RaceParticipant) error
	ListParticipants(ctx context.Context, raceID string) ([]*types.RaceParticipant, error)

	// Race baselines (users/{uid}/race_baselines/{raceId})
	GetRaceBaseline(ctx context.Context, userID, raceID string) (*types.RaceBaseline, error)
	SetRaceBaseline(ctx context.Context, userID string, baseline *types.RaceBaseline) error
	DeleteRaceBaseline(ctx context.Context, userID, raceID string) error
	ListRaceBaselines(ctx context.Context, userID string) ([]*types.RaceBaseline, error)
}

// KVStore is the local durable key-value store. Last-write-wins, survives
// process restart, no transactional guarantees.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// --- Activity Interfaces ---

// HealthProvider is the pull side of activity input; authorization is
// managed outside this module.
type HealthProvider interface {
	ReadTotals(ctx context.Context) (*types.ActivityTotals, error)
}

// StepSource reads the device's cumulative step counter. The value resets
// to a smaller number after a device reboot.
type StepSource interface {
	CurrentSteps(ctx context.Context) (int64, error)
}

// ProgressApplier applies a reconciled delta to race/user aggregates. Its
// side effects are expected to be idempotent for a stable request ID; that
// is a cooperative contract with the collaborator, not enforced here.
type ProgressApplier interface {
	Apply(ctx context.Context, req *types.PropagationRequest) error
}

// --- Notification Interfaces ---

type NotificationService interface {
	SendPushNotification(ctx context.Context, userID string, title, body string, data map[string]string) error
}
