package athletes

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a local athlete id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AthleteID   string    `gorm:"column:athlete_id;size:190;not null;index"`
	Email       string    `gorm:"column:athlete_email;size:320"`
	DisplayName string    `gorm:"column:athlete_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing athlete identities.
func (Identity) TableName() string {
	return "athlete_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
