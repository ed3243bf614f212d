// Package mocks provides shared test doubles for the collaborator
// interfaces. MemDatabase is a full in-memory Database with serialized
// transactions; the Mock* types are function-field stubs.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/types"
)

// --- In-memory Database ---

// MemDatabase implements shared.Database against in-process maps. Its
// UpdateRaceTxn serializes on a mutex, which gives the same
// exactly-one-winner behavior the remote store's optimistic transactions
// provide.
type MemDatabase struct {
	mu           sync.Mutex
	Races        map[string]*types.RaceRecord
	Participants map[string]map[string]*types.RaceParticipant // raceID -> userID
	Baselines    map[string]map[string]*types.RaceBaseline    // userID -> raceID

	TxnCount int // successful transaction commits

	// OnTxnStart runs inside UpdateRaceTxn after the lock is taken and
	// before the fresh read, standing in for a concurrent writer landing
	// between the caller's last read and the transaction.
	OnTxnStart func()

	GetRaceBaselineErr    error
	SetRaceBaselineErr    error
	SetParticipantErrFunc func(raceID, userID string) error
}

func NewMemDatabase() *MemDatabase {
	return &MemDatabase{
		Races:        make(map[string]*types.RaceRecord),
		Participants: make(map[string]map[string]*types.RaceParticipant),
		Baselines:    make(map[string]map[string]*types.RaceBaseline),
	}
}

func (m *MemDatabase) GetRace(ctx context.Context, raceID string) (*types.RaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	race, ok := m.Races[raceID]
	if !ok {
		return nil, fmt.Errorf("race %s not found", raceID)
	}
	cp := *race
	return &cp, nil
}

func (m *MemDatabase) CreateRace(ctx context.Context, race *types.RaceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *race
	m.Races[race.ID] = &cp
	return nil
}

func (m *MemDatabase) ListScheduledRacesDue(ctx context.Context, now time.Time) ([]*types.RaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RaceRecord
	for _, r := range m.Races {
		if r.Status == types.RaceStatusScheduled && !r.ScheduleAt.IsZero() && !r.ScheduleAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemDatabase) ListEndingRacesPastDeadline(ctx context.Context, now time.Time) ([]*types.RaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RaceRecord
	for _, r := range m.Races {
		if r.Status == types.RaceStatusEnding && !r.DeadlineAt.IsZero() && !r.DeadlineAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memTxn struct {
	db     *MemDatabase
	raceID string
	race   map[string]interface{}
	parts  map[string]map[string]interface{}
}

func (t *memTxn) UpdateRace(data map[string]interface{}) error {
	for k, v := range data {
		t.race[k] = v
	}
	return nil
}

func (t *memTxn) UpdateParticipant(userID string, data map[string]interface{}) error {
	staged, ok := t.parts[userID]
	if !ok {
		staged = make(map[string]interface{})
		t.parts[userID] = staged
	}
	for k, v := range data {
		staged[k] = v
	}
	return nil
}

// Participants reads committed participant rows. The caller already holds
// the database lock for the duration of the transaction.
func (t *memTxn) Participants() ([]*types.RaceParticipant, error) {
	var out []*types.RaceParticipant
	for _, p := range t.db.Participants[t.raceID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemDatabase) UpdateRaceTxn(ctx context.Context, raceID string, fn shared.RaceTxnFunc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OnTxnStart != nil {
		m.OnTxnStart()
	}

	race, ok := m.Races[raceID]
	if !ok {
		return false, fmt.Errorf("race %s not found", raceID)
	}
	fresh := *race
	txn := &memTxn{
		db:     m,
		raceID: raceID,
		race:   make(map[string]interface{}),
		parts:  make(map[string]map[string]interface{}),
	}
	if err := fn(txn, &fresh); err != nil {
		if err == shared.ErrGuardFailed {
			return false, nil
		}
		return false, err
	}

	applyRaceUpdates(race, txn.race)
	for uid, data := range txn.parts {
		byUser, ok := m.Participants[raceID]
		if !ok {
			byUser = make(map[string]*types.RaceParticipant)
			m.Participants[raceID] = byUser
		}
		p, ok := byUser[uid]
		if !ok {
			p = &types.RaceParticipant{UserID: uid}
			byUser[uid] = p
		}
		applyParticipantUpdates(p, data)
	}
	m.TxnCount++
	return true, nil
}

func applyRaceUpdates(race *types.RaceRecord, data map[string]interface{}) {
	for k, v := range data {
		switch k {
		case "status_id":
			race.Status = types.RaceStatus(v.(int64))
		case "schedule_at":
			race.ScheduleAt = v.(time.Time)
		case "deadline_at":
			race.DeadlineAt = v.(time.Time)
		case "first_finisher_id":
			race.FirstFinisherID = v.(string)
		case "updated_at":
			race.UpdatedAt = v.(time.Time)
		}
	}
}

func applyParticipantUpdates(p *types.RaceParticipant, data map[string]interface{}) {
	for k, v := range data {
		switch k {
		case "status":
			p.Status = types.ParticipantStatus(v.(string))
		case "finished_at":
			p.FinishedAt = v.(time.Time)
		}
	}
}

func (m *MemDatabase) GetParticipant(ctx context.Context, raceID, userID string) (*types.RaceParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser, ok := m.Participants[raceID]; ok {
		if p, ok := byUser[userID]; ok {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDatabase) SetParticipant(ctx context.Context, raceID string, p *types.RaceParticipant) error {
	if m.SetParticipantErrFunc != nil {
		if err := m.SetParticipantErrFunc(raceID, p.UserID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.Participants[raceID]
	if !ok {
		byUser = make(map[string]*types.RaceParticipant)
		m.Participants[raceID] = byUser
	}
	cp := *p
	byUser[p.UserID] = &cp
	return nil
}

func (m *MemDatabase) ListParticipants(ctx context.Context, raceID string) ([]*types.RaceParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RaceParticipant
	for _, p := range m.Participants[raceID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemDatabase) GetRaceBaseline(ctx context.Context, userID, raceID string) (*types.RaceBaseline, error) {
	if m.GetRaceBaselineErr != nil {
		return nil, m.GetRaceBaselineErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if byRace, ok := m.Baselines[userID]; ok {
		if b, ok := byRace[raceID]; ok {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDatabase) SetRaceBaseline(ctx context.Context, userID string, baseline *types.RaceBaseline) error {
	if m.SetRaceBaselineErr != nil {
		return m.SetRaceBaselineErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byRace, ok := m.Baselines[userID]
	if !ok {
		byRace = make(map[string]*types.RaceBaseline)
		m.Baselines[userID] = byRace
	}
	cp := *baseline
	byRace[baseline.RaceID] = &cp
	return nil
}

func (m *MemDatabase) DeleteRaceBaseline(ctx context.Context, userID, raceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byRace, ok := m.Baselines[userID]; ok {
		delete(byRace, raceID)
	}
	return nil
}

func (m *MemDatabase) ListRaceBaselines(ctx context.Context, userID string) ([]*types.RaceBaseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RaceBaseline
	for _, b := range m.Baselines[userID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// --- Mock KVStore ---

type MockKVStore struct {
	mu      sync.Mutex
	Values  map[string]string
	GetFunc func(ctx context.Context, key string) (string, bool, error)
	SetFunc func(ctx context.Context, key, value string) error
}

func NewMockKVStore() *MockKVStore {
	return &MockKVStore{Values: make(map[string]string)}
}

func (m *MockKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Values[key]
	return v, ok, nil
}

func (m *MockKVStore) Set(ctx context.Context, key, value string) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Values[key] = value
	return nil
}

func (m *MockKVStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Values, key)
	return nil
}

// --- Mock ProgressApplier ---

type MockProgressApplier struct {
	mu        sync.Mutex
	Applied   []*types.PropagationRequest
	ApplyFunc func(ctx context.Context, req *types.PropagationRequest) error
}

func (m *MockProgressApplier) Apply(ctx context.Context, req *types.PropagationRequest) error {
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Applied = append(m.Applied, req)
	return nil
}

func (m *MockProgressApplier) Requests() []*types.PropagationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.PropagationRequest(nil), m.Applied...)
}

// --- Mock Publisher ---

type MockPublisher struct {
	mu        sync.Mutex
	Published []event.Event
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, e)
	return "msg-id", nil
}

// --- Mock NotificationService ---

type NotificationRecord struct {
	UserID string
	Title  string
	Body   string
	Data   map[string]string
}

type MockNotifications struct {
	mu   sync.Mutex
	Sent []NotificationRecord
}

func (m *MockNotifications) SendPushNotification(ctx context.Context, userID string, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, NotificationRecord{UserID: userID, Title: title, Body: body, Data: data})
	return nil
}

// --- Mock HealthProvider ---

type MockHealthProvider struct {
	ReadTotalsFunc func(ctx context.Context) (*types.ActivityTotals, error)
}

func (m *MockHealthProvider) ReadTotals(ctx context.Context) (*types.ActivityTotals, error) {
	if m.ReadTotalsFunc != nil {
		return m.ReadTotalsFunc(ctx)
	}
	return nil, nil
}

// --- Mock StepSource ---

type MockStepSource struct {
	CurrentStepsFunc func(ctx context.Context) (int64, error)
}

func (m *MockStepSource) CurrentSteps(ctx context.Context) (int64, error) {
	if m.CurrentStepsFunc != nil {
		return m.CurrentStepsFunc(ctx)
	}
	return 0, nil
}
