package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/activities"
	"github.com/MarcoPoloResearchLab/stride/internal/integrations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeRemoteUserIDs = "2026-10-01_normalize_remote_user_ids"
	migrationBackfillHydratedState  = "2026-10-01_backfill_hydrated_state"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeRemoteUserIDs, apply: normalizeRemoteUserIDs},
		{name: migrationBackfillHydratedState, apply: backfillHydratedState},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeRemoteUserIDs rewrites bindings stored before ids were trimmed and
// lowercased, so webhook lookups match them. Rows that collapse onto the same
// id keep only the most recently updated binding; the others are cleared.
func normalizeRemoteUserIDs(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var bound []integrations.Record
		if err := tx.Where("remote_user_id IS NOT NULL").
			Order("updated_at DESC").
			Order("athlete_id ASC").
			Find(&bound).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		kept := make(map[string]struct{}, len(bound))
		var released []string
		renamed := make(map[string]string)
		for _, record := range bound {
			normalized := integrations.NormalizeRemoteUserID(*record.RemoteUserID)
			if normalized == "" {
				released = append(released, record.AthleteID)
				continue
			}
			if _, taken := kept[normalized]; taken {
				released = append(released, record.AthleteID)
				continue
			}
			kept[normalized] = struct{}{}
			if normalized != *record.RemoteUserID {
				renamed[record.AthleteID] = normalized
			}
		}

		if len(released) > 0 {
			if err := tx.Model(&integrations.Record{}).
				Where("athlete_id IN ?", released).
				Updates(integrations.ClearedColumns(now)).Error; err != nil {
				return err
			}
		}
		for athleteID, normalized := range renamed {
			if err := tx.Model(&integrations.Record{}).
				Where("athlete_id = ?", athleteID).
				Update("remote_user_id", normalized).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func backfillHydratedState(db *gorm.DB) error {
	return db.Model(&activities.Activity{}).
		Where("hydrated_at IS NOT NULL AND state <> ?", activities.StateHydrated).
		Update("state", activities.StateHydrated).Error
}
