package shared

const (
	ProjectID = "striderace-project" // Can be overridden by env var in main if needed

	TopicActivityTotals  = "topic-activity-totals"
	TopicProgressApplied = "topic-progress-applied"
	TopicRaceLifecycle   = "topic-race-lifecycle"

	CollectionUsers         = "users"
	CollectionRaces         = "races"
	CollectionParticipants  = "participants"
	CollectionRaceBaselines = "race_baselines"
)
