// Package race owns the race lifecycle: validated status transitions
// applied through the remote store's transaction primitive, and the
// background monitor that starts scheduled races and closes out expired
// ones. Nothing else in the system writes race status.
package race

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/infrastructure/pubsub"
	"github.com/striderace/server/pkg/observability"
	"github.com/striderace/server/pkg/types"
)

// Lifecycle validates and executes race status transitions. Concurrency
// control is the store's optimistic transaction, not a local lock: two
// processes may race on the same record and exactly one wins.
type Lifecycle struct {
	db     shared.Database
	pub    shared.Publisher
	notify shared.NotificationService
	logger *slog.Logger
	now    func() time.Time
}

func NewLifecycle(db shared.Database, pub shared.Publisher, notify shared.NotificationService, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		db:     db,
		pub:    pub,
		notify: notify,
		logger: logger,
		now:    time.Now,
	}
}

// CreateRace writes a new race in Created status and returns its id.
func (l *Lifecycle) CreateRace(ctx context.Context, organizerID, name string, targetSteps, durationMinutes int64) (string, error) {
	now := l.now()
	race := &types.RaceRecord{
		ID:              uuid.NewString(),
		OrganizerID:     organizerID,
		Name:            name,
		Status:          types.RaceStatusCreated,
		TargetSteps:     targetSteps,
		DurationMinutes: durationMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.db.CreateRace(ctx, race); err != nil {
		return "", fmt.Errorf("create race: %w", err)
	}
	l.logger.Info("Race created", "race_id", race.ID, "organizer_id", organizerID)
	return race.ID, nil
}

// Join registers a participant on a race that has not finished yet.
func (l *Lifecycle) Join(ctx context.Context, raceID, userID string) (bool, error) {
	race, err := l.db.GetRace(ctx, raceID)
	if err != nil {
		return false, fmt.Errorf("load race: %w", err)
	}
	switch race.Status {
	case types.RaceStatusCreated, types.RaceStatusScheduled, types.RaceStatusActive:
	default:
		l.logger.Debug("Join rejected, race not open", "race_id", raceID, "status", race.Status.String())
		return false, nil
	}

	status := types.ParticipantJoined
	if race.Status == types.RaceStatusActive {
		status = types.ParticipantActive
	}
	p := &types.RaceParticipant{
		UserID:   userID,
		Status:   status,
		JoinedAt: l.now(),
	}
	if err := l.db.SetParticipant(ctx, raceID, p); err != nil {
		return false, fmt.Errorf("persist participant: %w", err)
	}
	return true, nil
}

// Schedule moves Created -> Scheduled with the given start time. Only the
// organizer may schedule.
func (l *Lifecycle) Schedule(ctx context.Context, raceID, callerID string, at time.Time) (bool, error) {
	applied, err := l.db.UpdateRaceTxn(ctx, raceID, func(txn shared.RaceTxn, race *types.RaceRecord) error {
		if race.Status != types.RaceStatusCreated {
			return shared.ErrGuardFailed
		}
		if race.OrganizerID != callerID {
			l.logger.Warn("Schedule denied, caller is not the organizer",
				"race_id", raceID, "caller_id", callerID)
			return shared.ErrGuardFailed
		}
		return txn.UpdateRace(map[string]interface{}{
			"status_id":   int64(types.RaceStatusScheduled),
			"schedule_at": at,
			"updated_at":  l.now(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("schedule race: %w", err)
	}
	if applied {
		l.transitioned(ctx, raceID, types.RaceStatusScheduled, nil)
	}
	return applied, nil
}

// Start is the manual organizer start: Created/Scheduled -> Active. A
// non-organizer caller is denied with false, not an error.
func (l *Lifecycle) Start(ctx context.Context, raceID, callerID string) (bool, error) {
	var participantIDs []string
	applied, err := l.db.UpdateRaceTxn(ctx, raceID, func(txn shared.RaceTxn, race *types.RaceRecord) error {
		if race.Status != types.RaceStatusCreated && race.Status != types.RaceStatusScheduled {
			return shared.ErrGuardFailed
		}
		if race.OrganizerID != callerID {
			l.logger.Warn("Start denied, caller is not the organizer",
				"race_id", raceID, "caller_id", callerID)
			return shared.ErrGuardFailed
		}
		ids, err := l.stageStart(txn)
		participantIDs = ids
		return err
	})
	if err != nil {
		return false, fmt.Errorf("start race: %w", err)
	}
	if applied {
		l.transitioned(ctx, raceID, types.RaceStatusActive, nil)
		l.notifyParticipants(ctx, participantIDs, raceID, "Race started!", "Your race is on. Every step counts now.")
	}
	return applied, nil
}

// AutoStart is the monitor's start path: Scheduled -> Active with no
// organizer check. The transaction re-reads the status, so two overlapping
// monitor ticks cannot both start the same race.
func (l *Lifecycle) AutoStart(ctx context.Context, raceID string) (bool, error) {
	var participantIDs []string
	applied, err := l.db.UpdateRaceTxn(ctx, raceID, func(txn shared.RaceTxn, race *types.RaceRecord) error {
		if race.Status != types.RaceStatusScheduled {
			return shared.ErrGuardFailed
		}
		ids, err := l.stageStart(txn)
		participantIDs = ids
		return err
	})
	if err != nil {
		return false, fmt.Errorf("auto-start race: %w", err)
	}
	if applied {
		l.transitioned(ctx, raceID, types.RaceStatusActive, nil)
		l.notifyParticipants(ctx, participantIDs, raceID, "Race started!", "Your scheduled race has begun.")
	}
	return applied, nil
}

// stageStart stages the Active flip plus every participant's joined ->
// active move in the same transaction. The participant list is read through
// the transaction, so a join landing after the caller's last read is still
// flipped by the same commit. Returns the ids it staged for notification
// after the commit.
func (l *Lifecycle) stageStart(txn shared.RaceTxn) ([]string, error) {
	participants, err := txn.Participants()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.Status != types.ParticipantLeft {
			ids = append(ids, p.UserID)
		}
	}

	if err := txn.UpdateRace(map[string]interface{}{
		"status_id":  int64(types.RaceStatusActive),
		"updated_at": l.now(),
	}); err != nil {
		return nil, err
	}
	for _, uid := range ids {
		if err := txn.UpdateParticipant(uid, map[string]interface{}{
			"status": string(types.ParticipantActive),
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// RecordFinish marks a participant as finished. The first finisher flips
// Active -> Ending and fixes the deadline in the same write, so no reader
// can observe Ending without a deadline. Later finishers during Ending only
// update their own row. When every participant has finished, the race
// completes immediately instead of waiting out the deadline.
func (l *Lifecycle) RecordFinish(ctx context.Context, raceID, userID string) (bool, error) {
	now := l.now()
	var deadline time.Time
	applied, err := l.db.UpdateRaceTxn(ctx, raceID, func(txn shared.RaceTxn, race *types.RaceRecord) error {
		switch race.Status {
		case types.RaceStatusActive:
			deadline = now.Add(time.Duration(race.DurationMinutes) * time.Minute)
			if err := txn.UpdateRace(map[string]interface{}{
				"status_id":         int64(types.RaceStatusEnding),
				"first_finisher_id": userID,
				"deadline_at":       deadline,
				"updated_at":        now,
			}); err != nil {
				return err
			}
		case types.RaceStatusEnding:
			// Status unchanged; only this participant's row moves.
		default:
			return shared.ErrGuardFailed
		}
		return txn.UpdateParticipant(userID, map[string]interface{}{
			"status":      string(types.ParticipantFinished),
			"finished_at": now,
		})
	})
	if err != nil {
		return false, fmt.Errorf("record finish: %w", err)
	}
	if !applied {
		return false, nil
	}
	if !deadline.IsZero() {
		l.transitioned(ctx, raceID, types.RaceStatusEnding, map[string]string{
			"first_finisher_id": userID,
			"deadline_at":       deadline.Format(time.RFC3339),
		})
	}

	allFinished, err := l.allParticipantsFinished(ctx, raceID)
	if err != nil {
		l.logger.Warn("Failed to check participant completion", "race_id", raceID, "error", err)
		return true, nil
	}
	if allFinished {
		if _, err := l.Complete(ctx, raceID); err != nil {
			l.logger.Warn("Failed to complete race after last finisher", "race_id", raceID, "error", err)
		}
	}
	return true, nil
}

// Complete moves Active/Ending -> Completed. The published event is what
// authorizes reward payout downstream; no payout logic lives here.
func (l *Lifecycle) Complete(ctx context.Context, raceID string) (bool, error) {
	applied, err := l.db.UpdateRaceTxn(ctx, raceID, func(txn shared.RaceTxn, race *types.RaceRecord) error {
		if race.Status != types.RaceStatusActive && race.Status != types.RaceStatusEnding {
			return shared.ErrGuardFailed
		}
		return txn.UpdateRace(map[string]interface{}{
			"status_id":  int64(types.RaceStatusCompleted),
			"updated_at": l.now(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("complete race: %w", err)
	}
	if applied {
		l.transitioned(ctx, raceID, types.RaceStatusCompleted, nil)
		if ids, err := l.participantIDs(ctx, raceID); err == nil {
			l.notifyParticipants(ctx, ids, raceID, "Race finished!", "The results are in. See how you placed.")
		}
	}
	return applied, nil
}

// Cancel is legal from any status.
func (l *Lifecycle) Cancel(ctx context.Context, raceID string) (bool, error) {
	applied, err := l.db.UpdateRaceTxn(ctx, raceID, func(txn shared.RaceTxn, race *types.RaceRecord) error {
		return txn.UpdateRace(map[string]interface{}{
			"status_id":  int64(types.RaceStatusCancelled),
			"updated_at": l.now(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("cancel race: %w", err)
	}
	if applied {
		l.transitioned(ctx, raceID, types.RaceStatusCancelled, nil)
	}
	return applied, nil
}

func (l *Lifecycle) participantIDs(ctx context.Context, raceID string) ([]string, error) {
	participants, err := l.db.ListParticipants(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.Status != types.ParticipantLeft {
			ids = append(ids, p.UserID)
		}
	}
	return ids, nil
}

func (l *Lifecycle) allParticipantsFinished(ctx context.Context, raceID string) (bool, error) {
	participants, err := l.db.ListParticipants(ctx, raceID)
	if err != nil {
		return false, err
	}
	any := false
	for _, p := range participants {
		switch p.Status {
		case types.ParticipantLeft:
		case types.ParticipantFinished:
			any = true
		default:
			return false, nil
		}
	}
	return any, nil
}

// transitioned publishes the lifecycle event and records metrics. Publish
// failures degrade to a log line; the transition itself already committed.
func (l *Lifecycle) transitioned(ctx context.Context, raceID string, status types.RaceStatus, extra map[string]string) {
	observability.RecordRaceTransition(status.String())
	l.logger.Info("Race transitioned", "race_id", raceID, "status", status.String())

	if l.pub == nil {
		return
	}
	payload := pubsub.RaceLifecycleEvent{
		RaceID:   raceID,
		StatusID: int(status),
		Status:   status.String(),
	}
	if extra != nil {
		payload.FirstFinisherID = extra["first_finisher_id"]
		payload.DeadlineAt = extra["deadline_at"]
	}
	eventType := map[types.RaceStatus]string{
		types.RaceStatusScheduled: pubsub.EventTypeRaceScheduled,
		types.RaceStatusActive:    pubsub.EventTypeRaceStarted,
		types.RaceStatusEnding:    pubsub.EventTypeRaceEnding,
		types.RaceStatusCompleted: pubsub.EventTypeRaceCompleted,
		types.RaceStatusCancelled: pubsub.EventTypeRaceCancelled,
	}[status]

	e, err := pubsub.NewCloudEvent(pubsub.EventSourceLifecycle, eventType, payload)
	if err != nil {
		l.logger.Warn("Failed to build lifecycle event", "race_id", raceID, "error", err)
		return
	}
	if _, err := l.pub.PublishCloudEvent(ctx, shared.TopicRaceLifecycle, e); err != nil {
		l.logger.Warn("Failed to publish lifecycle event", "race_id", raceID, "error", err)
	}
}

func (l *Lifecycle) notifyParticipants(ctx context.Context, userIDs []string, raceID, title, body string) {
	if l.notify == nil {
		return
	}
	for _, uid := range userIDs {
		err := l.notify.SendPushNotification(ctx, uid, title, body, map[string]string{"race_id": raceID})
		if err != nil {
			l.logger.Warn("Failed to send race notification", "user_id", uid, "race_id", raceID, "error", err)
		}
	}
}
