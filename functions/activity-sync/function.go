// Package activitysync is the CloudEvent entry point for the
// health-platform pull path: a Pub/Sub message carrying one cumulative
// totals reading is fed through the reconciliation coordinator.
package activitysync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/striderace/server/pkg/bootstrap"
	"github.com/striderace/server/pkg/infrastructure/sentry"
	"github.com/striderace/server/pkg/reconcile"
	"github.com/striderace/server/pkg/types"
)

var (
	svc     *bootstrap.Service
	coord   *reconcile.Coordinator
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("SyncActivityTotals", SyncActivityTotals)
}

func initService(ctx context.Context) error {
	svcOnce.Do(func() {
		baseSvc, err := bootstrap.NewService(ctx)
		if err != nil {
			slog.Error("Failed to initialize service", "error", err)
			svcErr = err
			return
		}
		svc = baseSvc
		coord = reconcile.NewCoordinator(svc.KV, newProgressApplier(svc), svc.Pub, bootstrap.NewLogger("activity-sync"))
	})
	return svcErr
}

// totalsMessage is the JSON payload inside the Pub/Sub message.
type totalsMessage struct {
	UserID     string  `json:"user_id"`
	Steps      uint64  `json:"steps"`
	DistanceKm float64 `json:"distance_km"`
	Calories   uint64  `json:"calories"`
	ObservedAt int64   `json:"observed_at_ms"`
	SourceID   string  `json:"source_id"`
	Force      bool    `json:"force,omitempty"`
}

// SyncActivityTotals is the entry point
func SyncActivityTotals(ctx context.Context, e event.Event) error {
	if err := initService(ctx); err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	logger := bootstrap.NewLogger("activity-sync")
	defer sentry.RecoverAndCapture(logger)

	var msg types.PubSubMessage
	if err := e.DataAs(&msg); err != nil {
		return fmt.Errorf("event.DataAs: %v", err)
	}

	var payload totalsMessage
	if err := json.Unmarshal(msg.Message.Data, &payload); err != nil {
		return fmt.Errorf("decode totals payload: %v", err)
	}
	if payload.UserID == "" {
		logger.Warn("Totals message without user_id, dropping")
		return nil
	}

	totals := &types.ActivityTotals{
		Steps:      payload.Steps,
		DistanceKm: payload.DistanceKm,
		Calories:   payload.Calories,
		ObservedAt: time.UnixMilli(payload.ObservedAt),
		SourceID:   payload.SourceID,
	}

	applied, delta, err := coord.Propagate(ctx, payload.UserID, totals, payload.Force)
	if err != nil {
		logger.Error("Propagation failed", "user_id", payload.UserID, "error", err)
		sentry.CaptureException(err, map[string]interface{}{"user_id": payload.UserID}, logger)
		return err
	}
	if !applied {
		logger.Debug("Reading suppressed", "user_id", payload.UserID, "source", payload.SourceID)
		return nil
	}

	logger.Info("Totals reconciled",
		"user_id", payload.UserID,
		"request_id", delta.ID,
		"steps_delta", delta.StepsDelta,
	)
	return nil
}
