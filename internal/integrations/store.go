package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates no integration record matched. Callers on the webhook
// path treat it as an expected outcome.
var ErrNotFound = errors.New("integrations: record not found")

// Store persists integration records. Every method is a single-row atomic
// write except BindRemoteUserID, which also releases conflicting bindings in
// the same transaction.
type Store interface {
	Get(ctx context.Context, athleteID string) (Record, error)
	FindByRemoteUserID(ctx context.Context, remoteUserID string) (Record, error)
	// Connect stores a fresh grant, creating the record when needed.
	Connect(ctx context.Context, athleteID string, tokens Tokens, at time.Time) (Record, error)
	// RotateTokens replaces tokens of a connected record after a refresh.
	RotateTokens(ctx context.Context, athleteID string, tokens Tokens, at time.Time) (Record, error)
	// BindRemoteUserID attaches the remote id, clearing any other athlete that
	// held it. It returns the released athlete ids.
	BindRemoteUserID(ctx context.Context, athleteID, remoteUserID string, at time.Time) ([]string, error)
	SaveProfile(ctx context.Context, athleteID string, profile json.RawMessage, at time.Time) error
	UpdatePermissions(ctx context.Context, athleteID string, permissions []string, at time.Time) (Record, error)
	TouchSync(ctx context.Context, athleteID string, at time.Time) error
	// Clear wipes credentials, remote id and lifecycle fields and stamps
	// DisconnectedAt. When expectedRemoteUserID is set the record must still
	// hold it. The bool reports whether anything changed.
	Clear(ctx context.Context, athleteID, expectedRemoteUserID string, at time.Time) (Record, bool, error)
}

// ClearedColumns is the column set written when an integration is cleared.
func ClearedColumns(at time.Time) map[string]any {
	return map[string]any{
		"remote_user_id":           nil,
		"access_token":             nil,
		"refresh_token":            nil,
		"scope":                    nil,
		"expires_in_s":             nil,
		"token_expires_at":         nil,
		"refresh_token_expires_at": nil,
		"connected_at":             nil,
		"last_sync_at":             nil,
		"is_connected":             false,
		"permissions_snapshot":     nil,
		"profile":                  nil,
		"profile_fetched_at":       nil,
		"disconnected_at":          at,
		"updated_at":               at,
	}
}

func clearRecord(record *Record, at time.Time) {
	disconnectedAt := at
	*record = Record{
		AthleteID:      record.AthleteID,
		DisconnectedAt: &disconnectedAt,
		UpdatedAt:      at,
	}
}

func holdsIntegration(record Record) bool {
	return record.IsConnected || record.RemoteUserID != nil || record.AccessToken != nil
}

func tokenColumns(tokens Tokens, at time.Time) map[string]any {
	columns := map[string]any{
		"access_token":             tokens.AccessToken,
		"refresh_token":            optionalString(tokens.RefreshToken),
		"scope":                    optionalString(tokens.Scope),
		"expires_in_s":             optionalInt(tokens.ExpiresInSeconds),
		"token_expires_at":         optionalTime(tokens.ExpiresAt),
		"refresh_token_expires_at": tokens.RefreshTokenExpiresAt,
		"updated_at":               at,
	}
	return columns
}

func applyTokens(record *Record, tokens Tokens, at time.Time) {
	accessToken := tokens.AccessToken
	record.AccessToken = &accessToken
	record.RefreshToken = optionalString(tokens.RefreshToken)
	record.Scope = optionalString(tokens.Scope)
	record.ExpiresInSeconds = optionalInt(tokens.ExpiresInSeconds)
	record.TokenExpiresAt = optionalTime(tokens.ExpiresAt)
	record.RefreshTokenExpiresAt = tokens.RefreshTokenExpiresAt
	record.UpdatedAt = at
}

func encodePermissions(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}
	return json.Marshal(permissions)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func optionalInt(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
