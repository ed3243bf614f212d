package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/striderace/server/pkg/types"
)

// DefaultInterval is the fixed spacing between recorded snapshots.
const DefaultInterval = 5 * time.Minute

// Recorder turns the raw sensor reading stream into fixed-interval
// snapshots. Readings arriving inside the interval are dropped; the log is
// a sampling of the counter, not a full history.
type Recorder struct {
	store    *Store
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu             sync.Mutex
	lastRecorded   time.Time
	lastCumulative int64
	sessionStart   int64
	sessionSet     bool
	bootEpoch      int64
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
	}
}

// SetBootEpoch records the device boot identity stamped onto snapshots.
func (r *Recorder) SetBootEpoch(epoch int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bootEpoch = epoch
}

// Observe feeds one cumulative sensor reading. The first reading of a
// session becomes the session start; a snapshot is written when the
// recording interval has elapsed. Store failures are logged, not returned:
// a missed snapshot only narrows reboot recovery, it never blocks the
// sensor path.
func (r *Recorder) Observe(ctx context.Context, cumulativeSteps int64, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sessionSet {
		r.sessionStart = cumulativeSteps
		r.sessionSet = true
	}

	now := r.now()
	if !r.lastRecorded.IsZero() && now.Sub(r.lastRecorded) < r.interval {
		return
	}

	incremental := cumulativeSteps - r.lastCumulative
	if r.lastCumulative == 0 || incremental < 0 {
		incremental = 0
	}

	snap := &types.Snapshot{
		Timestamp:         now,
		CumulativeSteps:   cumulativeSteps,
		IncrementalSteps:  incremental,
		SessionStartSteps: r.sessionStart,
		DeviceBootEpoch:   r.bootEpoch,
		Source:            source,
	}
	if err := r.store.Append(ctx, snap); err != nil {
		r.logger.Warn("Failed to record snapshot", "error", err, "cumulative_steps", cumulativeSteps)
		return
	}

	r.lastRecorded = now
	r.lastCumulative = cumulativeSteps
	r.logger.Debug("Snapshot recorded",
		"cumulative_steps", cumulativeSteps,
		"incremental_steps", incremental,
		"source", source,
	)
}
