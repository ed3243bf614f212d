package pubsub

// CloudEvent type URNs emitted by this module.
const (
	EventTypeActivityTotals  = "com.striderace.activity.totals"
	EventTypeProgressApplied = "com.striderace.progress.applied"
	EventTypeRaceScheduled   = "com.striderace.race.scheduled"
	EventTypeRaceStarted     = "com.striderace.race.started"
	EventTypeRaceEnding      = "com.striderace.race.ending"
	EventTypeRaceCompleted   = "com.striderace.race.completed"
	EventTypeRaceCancelled   = "com.striderace.race.cancelled"

	EventSourceActivityPump = "striderace/activity-pump"
	EventSourceCoordinator  = "striderace/reconcile-coordinator"
	EventSourceLifecycle    = "striderace/race-lifecycle"
)

// ActivityTotalsEvent is the payload the activity pump publishes for each
// health-platform reading. The activity-sync function decodes the same
// shape from the Pub/Sub message body.
type ActivityTotalsEvent struct {
	UserID     string  `json:"user_id"`
	Steps      uint64  `json:"steps"`
	DistanceKm float64 `json:"distance_km"`
	Calories   uint64  `json:"calories"`
	ObservedAt int64   `json:"observed_at_ms"`
	SourceID   string  `json:"source_id"`
}

// ProgressAppliedEvent is the payload published after a delta is accepted
// downstream. Consumers treat request_id as the idempotency key.
type ProgressAppliedEvent struct {
	RequestID     string  `json:"request_id"`
	UserID        string  `json:"user_id"`
	StepsDelta    uint64  `json:"steps_delta"`
	DistanceDelta float64 `json:"distance_delta"`
	CaloriesDelta uint64  `json:"calories_delta"`
	Source        string  `json:"source"`
}

// RaceLifecycleEvent is the payload published on every successful status
// transition. The Completed event is what authorizes reward payout in the
// external consumer.
type RaceLifecycleEvent struct {
	RaceID          string `json:"race_id"`
	StatusID        int    `json:"status_id"`
	Status          string `json:"status"`
	FirstFinisherID string `json:"first_finisher_id,omitempty"`
	DeadlineAt      string `json:"deadline_at,omitempty"`
}
