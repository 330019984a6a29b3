package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/oauth"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest indicates missing caller input.
	ErrInvalidRequest = errors.New("integrations: invalid request")
	// ErrNotConnected indicates the athlete has no live Garmin connection.
	ErrNotConnected = errors.New("integrations: athlete is not connected")

	errMissingStore     = errors.New("integrations: store is required")
	errMissingExchanger = errors.New("integrations: token exchanger is required")
	errMissingAccount   = errors.New("integrations: remote account client is required")
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew            = "integrations.service.new"
	opCompleteAuthorization = "integrations.complete_authorization"
	opRefreshTokens         = "integrations.refresh_tokens"
	opSyncProfile           = "integrations.sync_profile"
	opDisconnect            = "integrations.disconnect"
	opStatus                = "integrations.status"
	opPermissionChange      = "integrations.permission_change"
	opDeregister            = "integrations.deregister"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// TokenExchanger is the token endpoint side of the OAuth client.
type TokenExchanger interface {
	Exchange(ctx context.Context, code, verifier string) (oauth.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (oauth.Grant, error)
}

// RemoteAccount is the provider user API.
type RemoteAccount interface {
	FetchUserID(ctx context.Context, accessToken string) (string, error)
	FetchProfile(ctx context.Context, accessToken string) (json.RawMessage, error)
	FetchPermissions(ctx context.Context, accessToken string) ([]string, error)
	Revoke(ctx context.Context, accessToken string) error
}

// ServiceConfig lists the Service collaborators.
type ServiceConfig struct {
	Store     Store
	Exchanger TokenExchanger
	Account   RemoteAccount
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Service drives the connection lifecycle: connect, refresh, profile sync,
// permission changes, deregistration and disconnect.
type Service struct {
	store     Store
	resolver  *Resolver
	exchanger TokenExchanger
	account   RemoteAccount
	logger    *zap.Logger
	clock     func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Exchanger == nil {
		return nil, newServiceError(opServiceNew, "missing_exchanger", errMissingExchanger)
	}
	if cfg.Account == nil {
		return nil, newServiceError(opServiceNew, "missing_account", errMissingAccount)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:     cfg.Store,
		resolver:  NewResolver(cfg.Store),
		exchanger: cfg.Exchanger,
		account:   cfg.Account,
		logger:    logger,
		clock:     clock,
	}, nil
}

// Resolve maps a provider user id to its integration record.
func (s *Service) Resolve(ctx context.Context, remoteUserID string) (Record, error) {
	return s.resolver.Resolve(ctx, remoteUserID)
}

// CompleteAuthorization exchanges the callback code and stores the grant. The
// record is connected once tokens are stored; the remote user id follows from
// the profile fetch, which is best effort and can be retried via SyncProfile.
func (s *Service) CompleteAuthorization(ctx context.Context, athleteID, code, verifier string) (Record, error) {
	athleteID = strings.TrimSpace(athleteID)
	if athleteID == "" || strings.TrimSpace(code) == "" || verifier == "" {
		return Record{}, newServiceError(opCompleteAuthorization, "invalid_request", ErrInvalidRequest)
	}

	grant, err := s.exchanger.Exchange(ctx, code, verifier)
	if err != nil {
		return Record{}, newServiceError(opCompleteAuthorization, "exchange_failed", err)
	}

	now := s.clock()
	record, err := s.store.Connect(ctx, athleteID, tokensFromGrant(grant, now), now)
	if err != nil {
		return Record{}, newServiceError(opCompleteAuthorization, "store_tokens", err)
	}
	s.logger.Info("garmin connected",
		zap.String("athlete_id", athleteID),
		zap.String("scope", grant.Scope))

	synced, err := s.syncRemote(ctx, athleteID, grant.AccessToken)
	if err != nil {
		s.logger.Warn("garmin profile fetch after connect failed",
			zap.String("athlete_id", athleteID),
			zap.Error(err))
		return record, nil
	}
	return synced, nil
}

// RefreshTokens rotates the athlete's tokens. A rejected refresh token clears
// the integration and returns an error wrapping oauth.ErrRefreshRejected;
// transient failures leave the record untouched.
func (s *Service) RefreshTokens(ctx context.Context, athleteID string) (Record, error) {
	record, err := s.connectedRecord(ctx, athleteID)
	if err != nil {
		return Record{}, newServiceError(opRefreshTokens, "not_connected", err)
	}
	if record.RefreshToken == nil {
		return Record{}, newServiceError(opRefreshTokens, "missing_refresh_token", ErrNotConnected)
	}

	grant, err := s.exchanger.Refresh(ctx, *record.RefreshToken)
	if errors.Is(err, oauth.ErrRefreshRejected) {
		if _, _, clearErr := s.store.Clear(ctx, athleteID, "", s.clock()); clearErr != nil {
			s.logger.Error("clear integration after refresh rejection failed",
				zap.String("athlete_id", athleteID),
				zap.Error(clearErr))
		}
		s.logger.Warn("garmin refresh token rejected; integration cleared",
			zap.String("athlete_id", athleteID))
		return Record{}, newServiceError(opRefreshTokens, "rejected", err)
	}
	if err != nil {
		return Record{}, newServiceError(opRefreshTokens, "failed", err)
	}

	now := s.clock()
	updated, err := s.store.RotateTokens(ctx, athleteID, tokensFromGrant(grant, now), now)
	if err != nil {
		return Record{}, newServiceError(opRefreshTokens, "store_tokens", err)
	}
	return updated, nil
}

// SyncProfile re-fetches the remote user id, profile and permissions.
func (s *Service) SyncProfile(ctx context.Context, athleteID string) (Record, error) {
	record, err := s.connectedRecord(ctx, athleteID)
	if err != nil {
		return Record{}, newServiceError(opSyncProfile, "not_connected", err)
	}
	synced, err := s.syncRemote(ctx, athleteID, *record.AccessToken)
	if err != nil {
		return Record{}, newServiceError(opSyncProfile, "fetch_failed", err)
	}
	return synced, nil
}

// Disconnect revokes the remote registration when possible and clears the
// record. Disconnecting an athlete without an integration is a no-op.
func (s *Service) Disconnect(ctx context.Context, athleteID string) (Record, bool, error) {
	athleteID = strings.TrimSpace(athleteID)
	if athleteID == "" {
		return Record{}, false, newServiceError(opDisconnect, "invalid_request", ErrInvalidRequest)
	}
	record, err := s.store.Get(ctx, athleteID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, newServiceError(opDisconnect, "load", err)
	}

	if record.AccessToken != nil {
		if revokeErr := s.account.Revoke(ctx, *record.AccessToken); revokeErr != nil {
			s.logger.Warn("garmin registration revoke failed",
				zap.String("athlete_id", athleteID),
				zap.Error(revokeErr))
		}
	}

	cleared, changed, err := s.store.Clear(ctx, athleteID, "", s.clock())
	if err != nil {
		return Record{}, false, newServiceError(opDisconnect, "clear", err)
	}
	if changed {
		s.logger.Info("garmin disconnected", zap.String("athlete_id", athleteID))
	}
	return cleared, changed, nil
}

// Status reports the athlete's integration state. Unknown athletes are simply
// not connected.
func (s *Service) Status(ctx context.Context, athleteID string) (Status, error) {
	record, err := s.store.Get(ctx, athleteID)
	if errors.Is(err, ErrNotFound) {
		return statusFromRecord(Record{AthleteID: athleteID}), nil
	}
	if err != nil {
		return Status{}, newServiceError(opStatus, "load", err)
	}
	return statusFromRecord(record), nil
}

// ApplyPermissionChange stores a new permission snapshot for the athlete bound
// to remoteUserID. Unresolved ids return ErrNotFound.
func (s *Service) ApplyPermissionChange(ctx context.Context, remoteUserID string, permissions []string) (Record, error) {
	record, err := s.resolver.Resolve(ctx, remoteUserID)
	if err != nil {
		return Record{}, err
	}
	updated, err := s.store.UpdatePermissions(ctx, record.AthleteID, permissions, s.clock())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, newServiceError(opPermissionChange, "store", err)
	}
	return updated, nil
}

// Deregister clears the athlete bound to remoteUserID, including the binding
// itself, so later events for that id stop resolving. Unresolved ids return
// ErrNotFound and change nothing.
func (s *Service) Deregister(ctx context.Context, remoteUserID string) (Record, error) {
	record, err := s.resolver.Resolve(ctx, remoteUserID)
	if err != nil {
		return Record{}, err
	}
	cleared, changed, err := s.store.Clear(ctx, record.AthleteID, remoteUserID, s.clock())
	if err != nil {
		return Record{}, newServiceError(opDeregister, "clear", err)
	}
	if !changed {
		return Record{}, ErrNotFound
	}
	return cleared, nil
}

// MarkSynced stamps LastSyncAt after data for the athlete was ingested.
func (s *Service) MarkSynced(ctx context.Context, athleteID string) error {
	return s.store.TouchSync(ctx, athleteID, s.clock())
}

func (s *Service) connectedRecord(ctx context.Context, athleteID string) (Record, error) {
	record, err := s.store.Get(ctx, strings.TrimSpace(athleteID))
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrNotConnected
	}
	if err != nil {
		return Record{}, err
	}
	if !record.IsConnected || record.AccessToken == nil {
		return Record{}, ErrNotConnected
	}
	return record, nil
}

func (s *Service) syncRemote(ctx context.Context, athleteID, accessToken string) (Record, error) {
	remoteUserID, err := s.account.FetchUserID(ctx, accessToken)
	if err != nil {
		return Record{}, err
	}
	now := s.clock()
	released, err := s.store.BindRemoteUserID(ctx, athleteID, remoteUserID, now)
	if err != nil {
		return Record{}, err
	}
	for _, other := range released {
		s.logger.Info("garmin user moved to a new athlete; previous binding cleared",
			zap.String("athlete_id", athleteID),
			zap.String("released_athlete_id", other))
	}

	if profile, err := s.account.FetchProfile(ctx, accessToken); err != nil {
		s.logger.Warn("garmin profile fetch failed", zap.String("athlete_id", athleteID), zap.Error(err))
	} else if err := s.store.SaveProfile(ctx, athleteID, profile, now); err != nil {
		s.logger.Error("garmin profile store failed", zap.String("athlete_id", athleteID), zap.Error(err))
	}

	if permissions, err := s.account.FetchPermissions(ctx, accessToken); err != nil {
		s.logger.Warn("garmin permissions fetch failed", zap.String("athlete_id", athleteID), zap.Error(err))
	} else if _, err := s.store.UpdatePermissions(ctx, athleteID, permissions, now); err != nil {
		s.logger.Error("garmin permissions store failed", zap.String("athlete_id", athleteID), zap.Error(err))
	}

	return s.store.Get(ctx, athleteID)
}

func tokensFromGrant(grant oauth.Grant, now time.Time) Tokens {
	tokens := Tokens{
		AccessToken:      grant.AccessToken,
		RefreshToken:     grant.RefreshToken,
		Scope:            grant.Scope,
		ExpiresInSeconds: grant.ExpiresIn,
		ExpiresAt:        grant.Expiry,
	}
	if tokens.ExpiresAt.IsZero() && grant.ExpiresIn > 0 {
		tokens.ExpiresAt = now.Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	if grant.RefreshTokenExpiresIn > 0 {
		refreshExpiry := now.Add(time.Duration(grant.RefreshTokenExpiresIn) * time.Second).UTC()
		tokens.RefreshTokenExpiresAt = &refreshExpiry
	}
	return tokens
}
