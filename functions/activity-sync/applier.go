package activitysync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/striderace/server/pkg/bootstrap"
	"github.com/striderace/server/pkg/types"
)

// raceProgressApplier fans one reconciled delta out to every race the user
// currently holds a baseline for. Each user's progress rows are written
// only from that user's own sync path, so the read-modify-write here needs
// no cross-process coordination.
type raceProgressApplier struct {
	svc    *bootstrap.Service
	logger *slog.Logger
}

func newProgressApplier(svc *bootstrap.Service) *raceProgressApplier {
	return &raceProgressApplier{
		svc:    svc,
		logger: bootstrap.NewLogger("progress-applier"),
	}
}

func (a *raceProgressApplier) Apply(ctx context.Context, req *types.PropagationRequest) error {
	baselines, err := a.svc.DB.ListRaceBaselines(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("list race baselines: %w", err)
	}

	for _, b := range baselines {
		race, err := a.svc.DB.GetRace(ctx, b.RaceID)
		if err != nil {
			a.logger.Warn("Failed to load race for progress apply",
				"race_id", b.RaceID, "user_id", req.UserID, "error", err)
			continue
		}
		if race.Status != types.RaceStatusActive && race.Status != types.RaceStatusEnding {
			continue
		}

		p, err := a.svc.DB.GetParticipant(ctx, b.RaceID, req.UserID)
		if err != nil {
			a.logger.Warn("Failed to load participant for progress apply",
				"race_id", b.RaceID, "user_id", req.UserID, "error", err)
			continue
		}
		if p == nil || p.Status != types.ParticipantActive {
			continue
		}
		if p.LastRequestID == req.ID {
			// Redelivered request; this row already carries the delta. A
			// partial failure on the first delivery must not double-count
			// the rows that were written before the failure.
			a.logger.Debug("Progress already applied to race, skipping",
				"race_id", b.RaceID, "user_id", req.UserID, "request_id", req.ID)
			continue
		}

		p.Steps += int64(req.StepsDelta)
		p.DistanceKm += req.DistanceDelta
		p.Calories += int64(req.CaloriesDelta)
		p.LastRequestID = req.ID
		if err := a.svc.DB.SetParticipant(ctx, b.RaceID, p); err != nil {
			return fmt.Errorf("apply progress to race %s: %w", b.RaceID, err)
		}

		a.logger.Debug("Progress applied to race",
			"race_id", b.RaceID,
			"user_id", req.UserID,
			"request_id", req.ID,
			"steps", p.Steps,
		)
	}
	return nil
}
