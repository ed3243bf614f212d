package firestore

import (
	"time"

	"github.com/striderace/server/pkg/types"
)

// Helper to safely get string from map
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Helper to safely get int64 from map (Firestore numbers decode as int64 or float64)
func getInt64(m map[string]interface{}, key string) int64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

// Helper to safely get float64 from map
func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	return 0
}

// Helper to safely get time from map (Firestore decodes timestamps as time.Time)
func getTime(m map[string]interface{}, key string) time.Time {
	if v, ok := m[key]; ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// timeOrNil keeps unset timestamps out of the document rather than writing
// the zero value.
func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- RaceRecord Converters ---

func RaceToFirestore(r *types.RaceRecord) map[string]interface{} {
	return map[string]interface{}{
		"race_id":           r.ID,
		"organizer_id":      r.OrganizerID,
		"name":              r.Name,
		"status_id":         int64(r.Status),
		"target_steps":      r.TargetSteps,
		"duration_minutes":  r.DurationMinutes,
		"schedule_at":       timeOrNil(r.ScheduleAt),
		"deadline_at":       timeOrNil(r.DeadlineAt),
		"first_finisher_id": r.FirstFinisherID,
		"created_at":        timeOrNil(r.CreatedAt),
		"updated_at":        timeOrNil(r.UpdatedAt),
	}
}

func FirestoreToRace(m map[string]interface{}) *types.RaceRecord {
	return &types.RaceRecord{
		ID:              getString(m, "race_id"),
		OrganizerID:     getString(m, "organizer_id"),
		Name:            getString(m, "name"),
		Status:          types.RaceStatus(getInt64(m, "status_id")),
		TargetSteps:     getInt64(m, "target_steps"),
		DurationMinutes: getInt64(m, "duration_minutes"),
		ScheduleAt:      getTime(m, "schedule_at"),
		DeadlineAt:      getTime(m, "deadline_at"),
		FirstFinisherID: getString(m, "first_finisher_id"),
		CreatedAt:       getTime(m, "created_at"),
		UpdatedAt:       getTime(m, "updated_at"),
	}
}

// --- RaceParticipant Converters ---

func ParticipantToFirestore(p *types.RaceParticipant) map[string]interface{} {
	return map[string]interface{}{
		"user_id":         p.UserID,
		"status":          string(p.Status),
		"steps":           p.Steps,
		"distance_km":     p.DistanceKm,
		"calories":        p.Calories,
		"last_request_id": p.LastRequestID,
		"joined_at":       timeOrNil(p.JoinedAt),
		"finished_at":     timeOrNil(p.FinishedAt),
	}
}

func FirestoreToParticipant(m map[string]interface{}) *types.RaceParticipant {
	return &types.RaceParticipant{
		UserID:        getString(m, "user_id"),
		Status:        types.ParticipantStatus(getString(m, "status")),
		Steps:         getInt64(m, "steps"),
		DistanceKm:    getFloat64(m, "distance_km"),
		Calories:      getInt64(m, "calories"),
		LastRequestID: getString(m, "last_request_id"),
		JoinedAt:      getTime(m, "joined_at"),
		FinishedAt:    getTime(m, "finished_at"),
	}
}

// --- RaceBaseline Converters ---

func RaceBaselineToFirestore(b *types.RaceBaseline) map[string]interface{} {
	return map[string]interface{}{
		"race_id":             b.RaceID,
		"user_id":             b.UserID,
		"baseline_steps":      b.BaselineSteps,
		"session_start_steps": b.SessionStartSteps,
		"race_start_at":       timeOrNil(b.RaceStartAt),
		"device_boot_epoch":   b.DeviceBootEpoch,
		"recovered_steps":     b.RecoveredSteps,
		"last_reading":        b.LastReading,
		"last_sync_at":        timeOrNil(b.LastSyncAt),
	}
}

func FirestoreToRaceBaseline(m map[string]interface{}) *types.RaceBaseline {
	return &types.RaceBaseline{
		RaceID:            getString(m, "race_id"),
		UserID:            getString(m, "user_id"),
		BaselineSteps:     getInt64(m, "baseline_steps"),
		SessionStartSteps: getInt64(m, "session_start_steps"),
		RaceStartAt:       getTime(m, "race_start_at"),
		DeviceBootEpoch:   getInt64(m, "device_boot_epoch"),
		RecoveredSteps:    getInt64(m, "recovered_steps"),
		LastReading:       getInt64(m, "last_reading"),
		LastSyncAt:        getTime(m, "last_sync_at"),
	}
}
