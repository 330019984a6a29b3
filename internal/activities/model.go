package activities

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// SourceGarmin tags activities ingested from Garmin push webhooks.
const SourceGarmin = "garmin"

// State tracks two-phase hydration of an activity.
type State string

const (
	// StateSummary marks an activity created from a summary webhook only.
	StateSummary State = "summary"
	// StateHydrated marks an activity that has merged a matching detail webhook.
	StateHydrated State = "hydrated"
)

// Activity is the persisted per-activity record. SourceActivityID is the
// provider's own activity identifier and is unique across all rows.
type Activity struct {
	LocalID             string         `gorm:"column:local_id;primaryKey;size:64;not null"`
	AthleteID           string         `gorm:"column:athlete_id;size:190;not null;index:idx_activities_athlete_start,priority:1"`
	SourceActivityID    string         `gorm:"column:source_activity_id;size:190;not null;uniqueIndex"`
	Source              string         `gorm:"column:source;size:32;not null"`
	State               State          `gorm:"column:state;size:16;not null"`
	ActivityType        *string        `gorm:"column:activity_type;size:64"`
	Name                *string        `gorm:"column:name;size:320"`
	StartTime           *time.Time     `gorm:"column:start_time;index:idx_activities_athlete_start,priority:2"`
	DurationSeconds     *int64         `gorm:"column:duration_s"`
	DistanceMeters      *float64       `gorm:"column:distance_m"`
	AverageSpeedMPS     *float64       `gorm:"column:avg_speed_mps"`
	Calories            *float64       `gorm:"column:calories_kcal"`
	AverageHeartRate    *int64         `gorm:"column:avg_hr_bpm"`
	MaxHeartRate        *int64         `gorm:"column:max_hr_bpm"`
	MinHeartRate        *int64         `gorm:"column:min_hr_bpm"`
	ElevationGainMeters *float64       `gorm:"column:elevation_gain_m"`
	Steps               *int64         `gorm:"column:steps"`
	StartLatitude       *float64       `gorm:"column:start_lat"`
	StartLongitude      *float64       `gorm:"column:start_lon"`
	EndLatitude         *float64       `gorm:"column:end_lat"`
	EndLongitude        *float64       `gorm:"column:end_lon"`
	DeviceName          *string        `gorm:"column:device_name;size:190"`
	SummaryPayload      datatypes.JSON `gorm:"column:summary_payload"`
	DetailPayload       datatypes.JSON `gorm:"column:detail_payload"`
	SyncedAt            time.Time      `gorm:"column:synced_at;not null"`
	HydratedAt          *time.Time     `gorm:"column:hydrated_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Activity) TableName() string {
	return "activities"
}

// Summary is a normalized summary webhook item, ready for upsert.
type Summary struct {
	AthleteID           string
	SourceActivityID    string
	ActivityType        *string
	Name                *string
	StartTime           *time.Time
	DurationSeconds     *int64
	DistanceMeters      *float64
	AverageSpeedMPS     *float64
	Calories            *float64
	AverageHeartRate    *int64
	MaxHeartRate        *int64
	MinHeartRate        *int64
	ElevationGainMeters *float64
	Steps               *int64
	StartLatitude       *float64
	StartLongitude      *float64
	EndLatitude         *float64
	EndLongitude        *float64
	DeviceName          *string
	Payload             json.RawMessage
}

// Detail is a normalized detail webhook item. PrimaryKey comes from the
// item's own activity id, FallbackKey from its nested summary object.
type Detail struct {
	AthleteID   string
	PrimaryKey  string
	FallbackKey string
	Payload     json.RawMessage
}

// Candidates lists the join keys to try, in order, without duplicates.
func (d Detail) Candidates() []string {
	keys := make([]string, 0, 2)
	if d.PrimaryKey != "" {
		keys = append(keys, d.PrimaryKey)
	}
	if d.FallbackKey != "" && d.FallbackKey != d.PrimaryKey {
		keys = append(keys, d.FallbackKey)
	}
	return keys
}

// Hydrated reports whether a detail payload has been merged.
func (a Activity) Hydrated() bool {
	return a.HydratedAt != nil
}
