package activities

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates no activity exists for the join key.
	ErrNotFound = errors.New("activities: activity not found")
	// ErrAthleteMismatch indicates a summary tried to move an existing activity to another athlete.
	ErrAthleteMismatch = errors.New("activities: activity belongs to another athlete")
)

// Store persists activities. Upsert must be a single atomic insert-or-update on
// SourceActivityID; concurrent callers rely on it instead of application locks.
type Store interface {
	Upsert(ctx context.Context, summary Summary) (Activity, error)
	MergeDetail(ctx context.Context, sourceActivityID string, detail Detail) (Activity, error)
	Get(ctx context.Context, sourceActivityID string) (Activity, error)
	ListForAthlete(ctx context.Context, athleteID string, limit int) ([]Activity, error)
}

// IDProvider issues local activity identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func activityFromSummary(summary Summary) Activity {
	return Activity{
		AthleteID:           summary.AthleteID,
		SourceActivityID:    summary.SourceActivityID,
		Source:              SourceGarmin,
		State:               StateSummary,
		ActivityType:        summary.ActivityType,
		Name:                summary.Name,
		StartTime:           summary.StartTime,
		DurationSeconds:     summary.DurationSeconds,
		DistanceMeters:      summary.DistanceMeters,
		AverageSpeedMPS:     summary.AverageSpeedMPS,
		Calories:            summary.Calories,
		AverageHeartRate:    summary.AverageHeartRate,
		MaxHeartRate:        summary.MaxHeartRate,
		MinHeartRate:        summary.MinHeartRate,
		ElevationGainMeters: summary.ElevationGainMeters,
		Steps:               summary.Steps,
		StartLatitude:       summary.StartLatitude,
		StartLongitude:      summary.StartLongitude,
		EndLatitude:         summary.EndLatitude,
		EndLongitude:        summary.EndLongitude,
		DeviceName:          summary.DeviceName,
		SummaryPayload:      []byte(summary.Payload),
	}
}

// applySummary overwrites summary fields in place, leaving identity, detail
// and hydration columns untouched.
func applySummary(target *Activity, incoming Activity) {
	target.ActivityType = incoming.ActivityType
	target.Name = incoming.Name
	target.StartTime = incoming.StartTime
	target.DurationSeconds = incoming.DurationSeconds
	target.DistanceMeters = incoming.DistanceMeters
	target.AverageSpeedMPS = incoming.AverageSpeedMPS
	target.Calories = incoming.Calories
	target.AverageHeartRate = incoming.AverageHeartRate
	target.MaxHeartRate = incoming.MaxHeartRate
	target.MinHeartRate = incoming.MinHeartRate
	target.ElevationGainMeters = incoming.ElevationGainMeters
	target.Steps = incoming.Steps
	target.StartLatitude = incoming.StartLatitude
	target.StartLongitude = incoming.StartLongitude
	target.EndLatitude = incoming.EndLatitude
	target.EndLongitude = incoming.EndLongitude
	target.DeviceName = incoming.DeviceName
	target.SummaryPayload = incoming.SummaryPayload
	target.UpdatedAt = incoming.UpdatedAt
}

// summaryColumns are the columns a repeated summary may overwrite.
var summaryColumns = []string{
	"activity_type", "name", "start_time", "duration_s", "distance_m",
	"avg_speed_mps", "calories_kcal", "avg_hr_bpm", "max_hr_bpm", "min_hr_bpm",
	"elevation_gain_m", "steps", "start_lat", "start_lon", "end_lat", "end_lon",
	"device_name", "summary_payload", "updated_at",
}
