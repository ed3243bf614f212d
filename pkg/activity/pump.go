// Package activity bridges the health platform's pull API onto the totals
// topic. The pump polls the provider and publishes each reading as the
// message the activity-sync function consumes; overlap with the sensor path
// is absorbed by the coordinator's dedup and non-positive-delta guards.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/infrastructure/pubsub"
)

// PollInterval matches the health platform's own aggregation cadence;
// polling faster only re-reads the same totals.
const PollInterval = 15 * time.Minute

// Pump periodically reads cumulative totals for one user and publishes
// them for reconciliation.
type Pump struct {
	provider shared.HealthProvider
	pub      shared.Publisher
	userID   string
	logger   *slog.Logger
	interval time.Duration
}

func NewPump(provider shared.HealthProvider, pub shared.Publisher, userID string, logger *slog.Logger) *Pump {
	return &Pump{
		provider: provider,
		pub:      pub,
		userID:   userID,
		logger:   logger,
		interval: PollInterval,
	}
}

// Run polls until the context is cancelled. The first sync fires
// immediately so a fresh process reports without waiting out an interval.
func (p *Pump) Run(ctx context.Context) {
	p.logger.Info("Activity pump started", "user_id", p.userID, "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.Sync(ctx); err != nil {
		p.logger.Warn("Health totals sync failed", "user_id", p.userID, "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Activity pump stopped", "user_id", p.userID)
			return
		case <-ticker.C:
			if err := p.Sync(ctx); err != nil {
				p.logger.Warn("Health totals sync failed", "user_id", p.userID, "error", err)
			}
		}
	}
}

// Sync performs one read-and-publish pass. A provider returning no totals
// (nothing recorded yet) is a no-op, not an error.
func (p *Pump) Sync(ctx context.Context) error {
	totals, err := p.provider.ReadTotals(ctx)
	if err != nil {
		return fmt.Errorf("read health totals: %w", err)
	}
	if totals == nil {
		return nil
	}

	e, err := pubsub.NewCloudEvent(pubsub.EventSourceActivityPump, pubsub.EventTypeActivityTotals, pubsub.ActivityTotalsEvent{
		UserID:     p.userID,
		Steps:      totals.Steps,
		DistanceKm: totals.DistanceKm,
		Calories:   totals.Calories,
		ObservedAt: totals.ObservedAt.UnixMilli(),
		SourceID:   totals.SourceID,
	})
	if err != nil {
		return fmt.Errorf("build totals event: %w", err)
	}
	if _, err := p.pub.PublishCloudEvent(ctx, shared.TopicActivityTotals, e); err != nil {
		return fmt.Errorf("publish totals: %w", err)
	}

	p.logger.Debug("Health totals published",
		"user_id", p.userID,
		"steps", totals.Steps,
		"source", totals.SourceID,
	)
	return nil
}
