package activities

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	fieldSourceActivityID = "sourceActivityId"
	fieldAthleteID        = "athleteId"
)

// ErrInvalidPayload indicates a webhook item that is not a JSON object.
var ErrInvalidPayload = errors.New("activities: payload item is not an object")

// ValidationError names the mandatory field a normalized item is missing.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("activities: missing required field %s", e.Field)
}

// Field-name variants observed across API versions, highest precedence first.
var (
	joinKeyKeys       = []string{"activityId", "activity_id", "activityID"}
	activityTypeKeys  = []string{"activityType", "activity_type", "type"}
	nameKeys          = []string{"activityName", "activity_name", "name"}
	startTimeKeys     = []string{"startTimeInSeconds", "startTime", "start_time"}
	durationKeys      = []string{"durationInSeconds", "duration_seconds", "duration"}
	distanceKeys      = []string{"distanceInMeters", "distance_meters", "distance"}
	speedKeys         = []string{"averageSpeedInMetersPerSecond", "avgSpeedInMetersPerSecond", "average_speed"}
	caloriesKeys      = []string{"activeKilocalories", "calories", "totalKilocalories"}
	avgHeartRateKeys  = []string{"averageHeartRateInBeatsPerMinute", "averageHeartRate", "avg_heart_rate"}
	maxHeartRateKeys  = []string{"maxHeartRateInBeatsPerMinute", "maxHeartRate", "max_heart_rate"}
	minHeartRateKeys  = []string{"minHeartRateInBeatsPerMinute", "minHeartRate", "min_heart_rate"}
	elevationKeys     = []string{"totalElevationGainInMeters", "elevationGainInMeters", "elevation_gain"}
	stepsKeys         = []string{"steps", "totalSteps", "stepCount"}
	startLatKeys      = []string{"startingLatitudeInDegree", "startLatitude", "start_lat"}
	startLonKeys      = []string{"startingLongitudeInDegree", "startLongitude", "start_lon"}
	endLatKeys        = []string{"endingLatitudeInDegree", "endLatitude", "end_lat"}
	endLonKeys        = []string{"endingLongitudeInDegree", "endLongitude", "end_lon"}
	deviceNameKeys    = []string{"deviceName", "device_name", "device"}
	nestedSummaryKeys = []string{"summary", "activitySummary"}
)

// Keys that never reach storage. Access tokens ride along on some deliveries.
var droppedKeys = []string{"userAccessToken", "user_access_token"}

// NormalizeSummary maps a raw summary item onto typed fields. Absent or
// unparseable optional fields stay nil; the join key and athlete id are mandatory.
func NormalizeSummary(raw map[string]any, athleteID string) (Summary, error) {
	if raw == nil {
		return Summary{}, ErrInvalidPayload
	}
	fields := newFieldReader(raw)

	summary := Summary{
		AthleteID:           strings.TrimSpace(athleteID),
		SourceActivityID:    fields.identifier(joinKeyKeys),
		ActivityType:        fields.text(activityTypeKeys),
		Name:                fields.text(nameKeys),
		StartTime:           fields.timestamp(startTimeKeys),
		DurationSeconds:     fields.count(durationKeys),
		DistanceMeters:      fields.decimal(distanceKeys),
		AverageSpeedMPS:     fields.decimal(speedKeys),
		Calories:            fields.decimal(caloriesKeys),
		AverageHeartRate:    fields.count(avgHeartRateKeys),
		MaxHeartRate:        fields.count(maxHeartRateKeys),
		MinHeartRate:        fields.count(minHeartRateKeys),
		ElevationGainMeters: fields.decimal(elevationKeys),
		Steps:               fields.count(stepsKeys),
		StartLatitude:       fields.decimal(startLatKeys),
		StartLongitude:      fields.decimal(startLonKeys),
		EndLatitude:         fields.decimal(endLatKeys),
		EndLongitude:        fields.decimal(endLonKeys),
		DeviceName:          fields.text(deviceNameKeys),
	}

	if summary.SourceActivityID == "" {
		return Summary{}, &ValidationError{Field: fieldSourceActivityID}
	}
	if summary.AthleteID == "" {
		return Summary{}, &ValidationError{Field: fieldAthleteID}
	}

	payload, err := fields.remainder()
	if err != nil {
		return Summary{}, err
	}
	summary.Payload = payload
	return summary, nil
}

// NormalizeDetail extracts both join-key candidates and keeps the whole item
// (laps, samples, zones) as the opaque detail payload.
func NormalizeDetail(raw map[string]any, athleteID string) (Detail, error) {
	if raw == nil {
		return Detail{}, ErrInvalidPayload
	}
	primary, fallback := DetailJoinKeys(raw)
	detail := Detail{
		AthleteID:   strings.TrimSpace(athleteID),
		PrimaryKey:  primary,
		FallbackKey: fallback,
	}

	if detail.PrimaryKey == "" && detail.FallbackKey == "" {
		return Detail{}, &ValidationError{Field: fieldSourceActivityID}
	}
	if detail.AthleteID == "" {
		return Detail{}, &ValidationError{Field: fieldAthleteID}
	}

	payload, err := json.Marshal(withoutKeys(raw, droppedKeys))
	if err != nil {
		return Detail{}, err
	}
	detail.Payload = payload
	return detail, nil
}

// DetailJoinKeys returns the detail item's own activity id and the id of its
// nested summary object. Either may be empty.
func DetailJoinKeys(raw map[string]any) (primary, fallback string) {
	if raw == nil {
		return "", ""
	}
	primary = newFieldReader(raw).identifier(joinKeyKeys)
	for _, key := range nestedSummaryKeys {
		nested, ok := raw[key].(map[string]any)
		if !ok {
			continue
		}
		if candidate := newFieldReader(nested).identifier(joinKeyKeys); candidate != "" {
			return primary, candidate
		}
	}
	return primary, ""
}

type fieldReader struct {
	raw      map[string]any
	consumed map[string]struct{}
}

func newFieldReader(raw map[string]any) *fieldReader {
	consumed := make(map[string]struct{}, len(droppedKeys))
	for _, key := range droppedKeys {
		consumed[key] = struct{}{}
	}
	return &fieldReader{raw: raw, consumed: consumed}
}

// first walks keys in precedence order and returns the first value parse accepts.
func first[T any](r *fieldReader, keys []string, parse func(any) (T, bool)) *T {
	for _, key := range keys {
		value, ok := r.raw[key]
		if !ok || value == nil {
			continue
		}
		parsed, ok := parse(value)
		if !ok {
			continue
		}
		r.consumed[key] = struct{}{}
		return &parsed
	}
	return nil
}

func (r *fieldReader) identifier(keys []string) string {
	value := first(r, keys, parseIdentifier)
	if value == nil {
		return ""
	}
	return *value
}

func (r *fieldReader) text(keys []string) *string {
	return first(r, keys, parseText)
}

func (r *fieldReader) decimal(keys []string) *float64 {
	return first(r, keys, parseFloat)
}

func (r *fieldReader) count(keys []string) *int64 {
	return first(r, keys, parseCount)
}

func (r *fieldReader) timestamp(keys []string) *time.Time {
	return first(r, keys, parseTime)
}

// remainder serializes every field that was not promoted to a typed column.
func (r *fieldReader) remainder() (json.RawMessage, error) {
	rest := make(map[string]any, len(r.raw))
	for key, value := range r.raw {
		if _, used := r.consumed[key]; used {
			continue
		}
		rest[key] = value
	}
	return json.Marshal(rest)
}

func withoutKeys(raw map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		out[key] = value
	}
	for _, key := range keys {
		delete(out, key)
	}
	return out
}

func parseIdentifier(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case json.Number:
		return typed.String(), true
	case float64:
		if typed != math.Trunc(typed) {
			return "", false
		}
		return strconv.FormatFloat(typed, 'f', 0, 64), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case int:
		return strconv.Itoa(typed), true
	default:
		return "", false
	}
}

func parseText(value any) (string, bool) {
	text, ok := value.(string)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	return trimmed, trimmed != ""
}

func parseFloat(value any) (float64, bool) {
	parsed, ok := parseAnyFloat(value)
	if !ok || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return parsed, true
}

func parseAnyFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case float64:
		return typed, true
	case int64:
		return float64(typed), true
	case int:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func parseInt(value any) (int64, bool) {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed, true
		}
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return roundToInt(parsed)
	case float64:
		return roundToInt(typed)
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// parseCount is parseInt restricted to non-negative values.
func parseCount(value any) (int64, bool) {
	parsed, ok := parseInt(value)
	if !ok || parsed < 0 {
		return 0, false
	}
	return parsed, true
}

// roundToInt rejects values with no int64 representation.
func roundToInt(value float64) (int64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	rounded := math.Round(value)
	if rounded < math.MinInt64 || rounded >= math.MaxInt64 {
		return 0, false
	}
	return int64(rounded), true
}

// parseTime accepts unix seconds (number or numeric string) and RFC 3339 strings.
func parseTime(value any) (time.Time, bool) {
	if text, ok := value.(string); ok {
		trimmed := strings.TrimSpace(text)
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return parsed.UTC(), true
		}
	}
	seconds, ok := parseInt(value)
	if !ok || seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}
