// Package types defines the domain records shared across the StrideRace core.
package types

import "time"

// ActivityTotals is a cumulative, monotonic-within-day reading from an
// external activity provider (step sensor or health platform). The core does
// not own these; they arrive as input.
type ActivityTotals struct {
	Steps      uint64
	DistanceKm float64
	Calories   uint64
	ObservedAt time.Time
	SourceID   string
}

// ReconciliationState is the coordinator's per-user watermark against which
// deltas are computed. Counters only ever decrease through the day-rollover
// reset.
type ReconciliationState struct {
	LastSteps      uint64
	LastDistanceKm float64
	LastCalories   uint64
	LastTimestamp  time.Time
	LastDate       string // yyyy-mm-dd
	ProcessedIDs   []string
}

// PropagationRequest is the delta derived from one ActivityTotals reading.
// It lives for a single coordinator invocation; only its ID outlives it, in
// the dedup set.
type PropagationRequest struct {
	ID            string
	UserID        string
	StepsDelta    uint64
	DistanceDelta float64
	CaloriesDelta uint64
	Source        string
}

// ProgressSample is the race-relative progress computed by the baseline
// tracker on each sensor tick.
type ProgressSample struct {
	Steps      int64
	DistanceKm float64
	Calories   int64
	SpeedKmh   float64
}

// RaceBaseline anchors a user's race-relative progress to the cumulative
// sensor value captured when they joined the race.
type RaceBaseline struct {
	RaceID            string
	UserID            string
	BaselineSteps     int64
	SessionStartSteps int64
	RaceStartAt       time.Time
	DeviceBootEpoch   int64
	RecoveredSteps    int64
	LastReading       int64
	LastSyncAt        time.Time
}

// Snapshot is one periodic observation of the cumulative step counter,
// kept locally for reboot detection and gap-filling.
type Snapshot struct {
	Timestamp         time.Time
	CumulativeSteps   int64
	IncrementalSteps  int64
	SessionStartSteps int64
	DeviceBootEpoch   int64
	Source            string
}

// RaceStatus is the lifecycle state of a race. Values are fixed wire ids;
// gaps are retired states.
type RaceStatus int

const (
	RaceStatusCreated   RaceStatus = 0
	RaceStatusScheduled RaceStatus = 1
	RaceStatusActive    RaceStatus = 3
	RaceStatusCompleted RaceStatus = 4
	RaceStatusEnding    RaceStatus = 6
	RaceStatusCancelled RaceStatus = 7
)

func (s RaceStatus) String() string {
	switch s {
	case RaceStatusCreated:
		return "created"
	case RaceStatusScheduled:
		return "scheduled"
	case RaceStatusActive:
		return "active"
	case RaceStatusCompleted:
		return "completed"
	case RaceStatusEnding:
		return "ending"
	case RaceStatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// RaceRecord is the authoritative race document in the remote store. It is
// mutated only through the lifecycle state machine's transactional API.
type RaceRecord struct {
	ID              string
	OrganizerID     string
	Name            string
	Status          RaceStatus
	TargetSteps     int64
	DurationMinutes int64
	ScheduleAt      time.Time
	DeadlineAt      time.Time
	FirstFinisherID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ParticipantStatus tracks a user's membership state within one race.
type ParticipantStatus string

const (
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantActive   ParticipantStatus = "active"
	ParticipantFinished ParticipantStatus = "finished"
	ParticipantLeft     ParticipantStatus = "left"
)

// RaceParticipant is one participant row under a race document. Progress
// aggregates on it are owned by the progress-apply collaborator;
// LastRequestID records the last applied propagation so a redelivered
// request is applied exactly once per row.
type RaceParticipant struct {
	UserID        string
	Status        ParticipantStatus
	Steps         int64
	DistanceKm    float64
	Calories      int64
	LastRequestID string
	JoinedAt      time.Time
	FinishedAt    time.Time
}
