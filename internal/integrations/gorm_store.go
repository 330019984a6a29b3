package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("integrations: database handle is required")

// GormStore is the SQL-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, athleteID string) (Record, error) {
	return s.take(s.db.WithContext(ctx).Where("athlete_id = ?", athleteID))
}

func (s *GormStore) FindByRemoteUserID(ctx context.Context, remoteUserID string) (Record, error) {
	normalized := NormalizeRemoteUserID(remoteUserID)
	if normalized == "" {
		return Record{}, ErrNotFound
	}
	return s.take(s.db.WithContext(ctx).Where("remote_user_id = ?", normalized))
}

func (s *GormStore) Connect(ctx context.Context, athleteID string, tokens Tokens, at time.Time) (Record, error) {
	at = at.UTC()
	record := Record{AthleteID: athleteID, IsConnected: true, ConnectedAt: &at}
	applyTokens(&record, tokens, at)

	assignments := tokenColumns(tokens, at)
	assignments["is_connected"] = true
	assignments["connected_at"] = at
	assignments["disconnected_at"] = nil

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "athlete_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&record).Error
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, athleteID)
}

func (s *GormStore) RotateTokens(ctx context.Context, athleteID string, tokens Tokens, at time.Time) (Record, error) {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("athlete_id = ? AND is_connected = ?", athleteID, true).
		Updates(tokenColumns(tokens, at.UTC()))
	if result.Error != nil {
		return Record{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Record{}, ErrNotFound
	}
	return s.Get(ctx, athleteID)
}

func (s *GormStore) BindRemoteUserID(ctx context.Context, athleteID, remoteUserID string, at time.Time) ([]string, error) {
	normalized := NormalizeRemoteUserID(remoteUserID)
	if normalized == "" {
		return nil, ErrNotFound
	}
	at = at.UTC()

	var released []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).
			Where("remote_user_id = ? AND athlete_id <> ?", normalized, athleteID).
			Pluck("athlete_id", &released).Error; err != nil {
			return err
		}
		if len(released) > 0 {
			if err := tx.Model(&Record{}).
				Where("athlete_id IN ?", released).
				Updates(ClearedColumns(at)).Error; err != nil {
				return err
			}
		}
		result := tx.Model(&Record{}).
			Where("athlete_id = ? AND is_connected = ?", athleteID, true).
			Updates(map[string]any{"remote_user_id": normalized, "updated_at": at})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *GormStore) SaveProfile(ctx context.Context, athleteID string, profile json.RawMessage, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("athlete_id = ? AND is_connected = ?", athleteID, true).
		Updates(map[string]any{
			"profile":            datatypes.JSON(profile),
			"profile_fetched_at": at,
			"updated_at":         at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdatePermissions(ctx context.Context, athleteID string, permissions []string, at time.Time) (Record, error) {
	encoded, err := encodePermissions(permissions)
	if err != nil {
		return Record{}, err
	}
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("athlete_id = ? AND is_connected = ?", athleteID, true).
		Updates(map[string]any{
			"permissions_snapshot": datatypes.JSON(encoded),
			"last_sync_at":         at,
			"updated_at":           at,
		})
	if result.Error != nil {
		return Record{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Record{}, ErrNotFound
	}
	return s.Get(ctx, athleteID)
}

func (s *GormStore) TouchSync(ctx context.Context, athleteID string, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("athlete_id = ? AND is_connected = ?", athleteID, true).
		Updates(map[string]any{"last_sync_at": at, "updated_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Clear(ctx context.Context, athleteID, expectedRemoteUserID string, at time.Time) (Record, bool, error) {
	query := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("athlete_id = ?", athleteID).
		Where("(is_connected = ? OR remote_user_id IS NOT NULL OR access_token IS NOT NULL)", true)
	if expected := NormalizeRemoteUserID(expectedRemoteUserID); expected != "" {
		query = query.Where("remote_user_id = ?", expected)
	}
	result := query.Updates(ClearedColumns(at.UTC()))
	if result.Error != nil {
		return Record{}, false, result.Error
	}
	record, err := s.Get(ctx, athleteID)
	if err != nil {
		return Record{}, false, err
	}
	return record, result.RowsAffected > 0, nil
}

func (s *GormStore) take(query *gorm.DB) (Record, error) {
	var record Record
	err := query.Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}
