package database

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/striderace/server/pkg"
	storage "github.com/striderace/server/pkg/storage/firestore"
	"github.com/striderace/server/pkg/types"
)

// FirestoreAdapter provides database operations using Firestore.
// It wraps our typed storage client.
type FirestoreAdapter struct {
	Client  *firestore.Client
	storage *storage.Client // internal typed wrapper
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{
		Client:  client,
		storage: storage.NewClient(client),
	}
}

// --- Races ---

func (a *FirestoreAdapter) GetRace(ctx context.Context, raceID string) (*types.RaceRecord, error) {
	return a.storage.Races().Doc(raceID).Get(ctx)
}

func (a *FirestoreAdapter) CreateRace(ctx context.Context, race *types.RaceRecord) error {
	return a.storage.Races().Doc(race.ID).Set(ctx, race)
}

func (a *FirestoreAdapter) ListScheduledRacesDue(ctx context.Context, now time.Time) ([]*types.RaceRecord, error) {
	races := a.storage.Races()
	q := races.Ref.
		Where("status_id", "==", int64(types.RaceStatusScheduled)).
		Where("schedule_at", "<=", now)
	return races.Query(ctx, q)
}

func (a *FirestoreAdapter) ListEndingRacesPastDeadline(ctx context.Context, now time.Time) ([]*types.RaceRecord, error) {
	races := a.storage.Races()
	q := races.Ref.
		Where("status_id", "==", int64(types.RaceStatusEnding)).
		Where("deadline_at", "<=", now)
	return races.Query(ctx, q)
}

// raceTxn stages writes against one race inside a Firestore transaction.
type raceTxn struct {
	tx      *firestore.Transaction
	storage *storage.Client
	raceID  string
}

func (t *raceTxn) Participants() ([]*types.RaceParticipant, error) {
	return t.storage.Participants(t.raceID).TxnAll(t.tx)
}

func (t *raceTxn) UpdateRace(data map[string]interface{}) error {
	return t.storage.Races().Doc(t.raceID).TxnUpdate(t.tx, data)
}

func (t *raceTxn) UpdateParticipant(userID string, data map[string]interface{}) error {
	return t.storage.Participants(t.raceID).Doc(userID).TxnUpdate(t.tx, data)
}

// UpdateRaceTxn runs fn against the freshly-read race record inside a
// Firestore transaction. The read is transactional, so a concurrent writer
// bumping the status forces a conflict retry, and the guard re-runs against
// the new value. A guard failure commits nothing and returns (false, nil).
func (a *FirestoreAdapter) UpdateRaceTxn(ctx context.Context, raceID string, fn shared.RaceTxnFunc) (bool, error) {
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		race, err := a.storage.Races().Doc(raceID).TxnGet(tx)
		if err != nil {
			return err
		}
		return fn(&raceTxn{tx: tx, storage: a.storage, raceID: raceID}, race)
	})
	if errors.Is(err, shared.ErrGuardFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- Participants ---

func (a *FirestoreAdapter) GetParticipant(ctx context.Context, raceID, userID string) (*types.RaceParticipant, error) {
	p, err := a.storage.Participants(raceID).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *FirestoreAdapter) SetParticipant(ctx context.Context, raceID string, p *types.RaceParticipant) error {
	return a.storage.Participants(raceID).Doc(p.UserID).Set(ctx, p)
}

func (a *FirestoreAdapter) ListParticipants(ctx context.Context, raceID string) ([]*types.RaceParticipant, error) {
	return a.storage.Participants(raceID).All(ctx)
}

// --- Race baselines ---

func (a *FirestoreAdapter) GetRaceBaseline(ctx context.Context, userID, raceID string) (*types.RaceBaseline, error) {
	b, err := a.storage.RaceBaselines(userID).Doc(raceID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *FirestoreAdapter) SetRaceBaseline(ctx context.Context, userID string, baseline *types.RaceBaseline) error {
	return a.storage.RaceBaselines(userID).Doc(baseline.RaceID).Set(ctx, baseline)
}

func (a *FirestoreAdapter) DeleteRaceBaseline(ctx context.Context, userID, raceID string) error {
	return a.storage.RaceBaselines(userID).Doc(raceID).Delete(ctx)
}

func (a *FirestoreAdapter) ListRaceBaselines(ctx context.Context, userID string) ([]*types.RaceBaseline, error) {
	return a.storage.RaceBaselines(userID).All(ctx)
}
