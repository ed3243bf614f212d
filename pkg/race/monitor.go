package race

import (
	"context"
	"log/slog"
	"time"

	shared "github.com/striderace/server/pkg"
)

// PollInterval is how often the monitor scans for due races.
const PollInterval = 60 * time.Second

// Monitor drives time-based transitions: starting Scheduled races whose
// time has arrived and completing Ending races past their deadline. Safe to
// run in multiple processes; every transition re-checks status inside a
// transaction, so overlapping ticks no-op instead of double-firing.
type Monitor struct {
	db        shared.Database
	lifecycle *Lifecycle
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
}

func NewMonitor(db shared.Database, lifecycle *Lifecycle, logger *slog.Logger) *Monitor {
	return &Monitor{
		db:        db,
		lifecycle: lifecycle,
		logger:    logger,
		interval:  PollInterval,
		now:       time.Now,
	}
}

// Run polls until the context is cancelled. The first tick fires
// immediately so a restarted monitor picks up overdue races without
// waiting out an interval.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Race monitor started", "interval", m.interval.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Race monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one scan. Transient store failures are logged and retried
// naturally on the next tick.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now()

	due, err := m.db.ListScheduledRacesDue(ctx, now)
	if err != nil {
		m.logger.Warn("Failed to list due races", "error", err)
	} else {
		for _, race := range due {
			applied, err := m.lifecycle.AutoStart(ctx, race.ID)
			if err != nil {
				m.logger.Warn("Auto-start failed", "race_id", race.ID, "error", err)
				continue
			}
			if !applied {
				// Someone else started (or cancelled) it first.
				m.logger.Debug("Auto-start no-op", "race_id", race.ID)
			}
		}
	}

	expired, err := m.db.ListEndingRacesPastDeadline(ctx, now)
	if err != nil {
		m.logger.Warn("Failed to list expired races", "error", err)
		return
	}
	for _, race := range expired {
		if _, err := m.lifecycle.Complete(ctx, race.ID); err != nil {
			m.logger.Warn("Deadline completion failed", "race_id", race.ID, "error", err)
		}
	}
}
