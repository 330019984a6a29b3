package integrations

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Record is the per-athlete Garmin integration row. RemoteUserID is stored in
// its normalized form and is unique when present.
type Record struct {
	AthleteID             string         `gorm:"column:athlete_id;primaryKey;size:190;not null"`
	RemoteUserID          *string        `gorm:"column:remote_user_id;size:190;uniqueIndex"`
	AccessToken           *string        `gorm:"column:access_token;size:4096"`
	RefreshToken          *string        `gorm:"column:refresh_token;size:4096"`
	Scope                 *string        `gorm:"column:scope;size:512"`
	ExpiresInSeconds      *int64         `gorm:"column:expires_in_s"`
	TokenExpiresAt        *time.Time     `gorm:"column:token_expires_at"`
	RefreshTokenExpiresAt *time.Time     `gorm:"column:refresh_token_expires_at"`
	ConnectedAt           *time.Time     `gorm:"column:connected_at"`
	LastSyncAt            *time.Time     `gorm:"column:last_sync_at"`
	DisconnectedAt        *time.Time     `gorm:"column:disconnected_at"`
	IsConnected           bool           `gorm:"column:is_connected;not null;default:false"`
	PermissionsSnapshot   datatypes.JSON `gorm:"column:permissions_snapshot"`
	Profile               datatypes.JSON `gorm:"column:profile"`
	ProfileFetchedAt      *time.Time     `gorm:"column:profile_fetched_at"`
	UpdatedAt             time.Time      `gorm:"column:updated_at;not null"`
}

// TableName binds Record to its table.
func (Record) TableName() string {
	return "athlete_integrations"
}

// Permissions decodes the stored permission snapshot.
func (r Record) Permissions() []string {
	if len(r.PermissionsSnapshot) == 0 {
		return nil
	}
	var permissions []string
	if err := json.Unmarshal(r.PermissionsSnapshot, &permissions); err != nil {
		return nil
	}
	return permissions
}

// Tokens is a token grant ready to be persisted.
type Tokens struct {
	AccessToken           string
	RefreshToken          string
	Scope                 string
	ExpiresInSeconds      int64
	ExpiresAt             time.Time
	RefreshTokenExpiresAt *time.Time
}

// NormalizeRemoteUserID folds whitespace and casing so that identifiers match
// regardless of how the provider formatted them on a given delivery.
func NormalizeRemoteUserID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Capability names derived from provider scopes and permissions.
const (
	CapabilityReadActivity  = "read-activity"
	CapabilityWriteActivity = "write-activity"
	CapabilityReadHealth    = "read-health"
)

var capabilityAliases = map[string]string{
	"read":            CapabilityReadActivity,
	"activity_export": CapabilityReadActivity,
	"write":           CapabilityWriteActivity,
	"workout_import":  CapabilityWriteActivity,
	"course_import":   CapabilityWriteActivity,
	"health_export":   CapabilityReadHealth,
}

// Capabilities is a set of granted scope tokens plus the capabilities they imply.
type Capabilities map[string]struct{}

// ParseScope splits a space or comma delimited scope string.
func ParseScope(scope string) Capabilities {
	return CapabilitiesFrom(strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	}))
}

// CapabilitiesFrom builds a capability set from individual grant tokens.
func CapabilitiesFrom(tokens []string) Capabilities {
	out := make(Capabilities)
	for _, token := range tokens {
		normalized := strings.ToLower(strings.TrimSpace(token))
		if normalized == "" {
			continue
		}
		out[normalized] = struct{}{}
		if alias, ok := capabilityAliases[normalized]; ok {
			out[alias] = struct{}{}
		}
	}
	return out
}

// Has reports whether the set contains capability.
func (c Capabilities) Has(capability string) bool {
	_, ok := c[strings.ToLower(capability)]
	return ok
}

// List returns the set sorted.
func (c Capabilities) List() []string {
	out := make([]string, 0, len(c))
	for capability := range c {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}

// Status is the integration summary exposed to the product layer.
type Status struct {
	AthleteID      string     `json:"athleteId"`
	Connected      bool       `json:"connected"`
	RemoteLinked   bool       `json:"remoteLinked"`
	Scopes         []string   `json:"scopes"`
	Permissions    []string   `json:"permissions"`
	ConnectedAt    *time.Time `json:"connectedAt,omitempty"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
}

func statusFromRecord(record Record) Status {
	status := Status{
		AthleteID:      record.AthleteID,
		Connected:      record.IsConnected,
		RemoteLinked:   record.RemoteUserID != nil,
		Scopes:         []string{},
		Permissions:    []string{},
		ConnectedAt:    record.ConnectedAt,
		LastSyncAt:     record.LastSyncAt,
		DisconnectedAt: record.DisconnectedAt,
		TokenExpiresAt: record.TokenExpiresAt,
	}
	if record.Scope != nil {
		status.Scopes = ParseScope(*record.Scope).List()
	}
	if permissions := record.Permissions(); permissions != nil {
		status.Permissions = permissions
	}
	return status
}
