package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("activities: database handle is required")

// GormStore is the SQL-backed Store.
type GormStore struct {
	db    *gorm.DB
	ids   IDProvider
	clock func() time.Time
}

// NewGormStore builds a GormStore. A nil IDProvider selects UUIDv7 ids.
func NewGormStore(db *gorm.DB, ids IDProvider, clock func() time.Time) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if ids == nil {
		ids = NewUUIDProvider()
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: db, ids: ids, clock: clock}, nil
}

// Upsert inserts the activity or overwrites its summary columns in one
// INSERT ... ON CONFLICT statement.
func (s *GormStore) Upsert(ctx context.Context, summary Summary) (Activity, error) {
	localID, err := s.ids.NewID()
	if err != nil {
		return Activity{}, fmt.Errorf("activities: issue id: %w", err)
	}
	now := s.clock().UTC()

	record := activityFromSummary(summary)
	record.LocalID = localID
	record.SyncedAt = now
	record.UpdatedAt = now

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_activity_id"}},
		DoUpdates: clause.AssignmentColumns(summaryColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "activities.athlete_id = excluded.athlete_id"},
		}},
	}).Create(&record).Error
	if err != nil {
		return Activity{}, err
	}

	stored, err := s.Get(ctx, summary.SourceActivityID)
	if err != nil {
		return Activity{}, err
	}
	if stored.AthleteID != summary.AthleteID {
		return stored, ErrAthleteMismatch
	}
	return stored, nil
}

// MergeDetail attaches the detail payload to the athlete's activity. The first
// successful merge fixes HydratedAt; later merges replace the payload only.
func (s *GormStore) MergeDetail(ctx context.Context, sourceActivityID string, detail Detail) (Activity, error) {
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).
		Model(&Activity{}).
		Where("source_activity_id = ? AND athlete_id = ?", sourceActivityID, detail.AthleteID).
		Updates(map[string]any{
			"detail_payload": datatypes.JSON(detail.Payload),
			"state":          StateHydrated,
			"hydrated_at":    gorm.Expr("COALESCE(hydrated_at, ?)", now),
			"updated_at":     now,
		})
	if result.Error != nil {
		return Activity{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Activity{}, ErrNotFound
	}
	return s.Get(ctx, sourceActivityID)
}

// Get loads one activity by join key.
func (s *GormStore) Get(ctx context.Context, sourceActivityID string) (Activity, error) {
	var activity Activity
	err := s.db.WithContext(ctx).Where("source_activity_id = ?", sourceActivityID).Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		return Activity{}, err
	}
	return activity, nil
}

// ListForAthlete returns the athlete's most recent activities first.
func (s *GormStore) ListForAthlete(ctx context.Context, athleteID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var activities []Activity
	err := s.db.WithContext(ctx).
		Where("athlete_id = ?", athleteID).
		Order("start_time DESC").
		Order("synced_at DESC").
		Limit(limit).
		Find(&activities).Error
	return activities, err
}
