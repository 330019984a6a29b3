package oauth

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultStateTTL = 10 * time.Minute

// PendingAuthorization is what must survive the redirect to the provider and back.
type PendingAuthorization struct {
	State     string
	AthleteID string
	Verifier  string
	ExpiresAt time.Time
}

// StateStore keeps pending authorizations; Take is single-use.
type StateStore interface {
	Save(ctx context.Context, pending PendingAuthorization) error
	Take(ctx context.Context, state string) (PendingAuthorization, error)
}

// MemoryStateStore is a process-local StateStore with a fixed TTL.
type MemoryStateStore struct {
	mu      sync.Mutex
	pending map[string]PendingAuthorization
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryStateStore builds a MemoryStateStore; non-positive ttl selects ten minutes.
func NewMemoryStateStore(ttl time.Duration, clock func() time.Time) *MemoryStateStore {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStateStore{
		pending: make(map[string]PendingAuthorization),
		ttl:     ttl,
		clock:   clock,
	}
}

// Save records a pending authorization and evicts expired entries.
func (s *MemoryStateStore) Save(_ context.Context, pending PendingAuthorization) error {
	now := s.clock()
	if pending.ExpiresAt.IsZero() {
		pending.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for state, existing := range s.pending {
		if !now.Before(existing.ExpiresAt) {
			delete(s.pending, state)
		}
	}
	s.pending[pending.State] = pending
	return nil
}

// Take removes and returns the pending authorization for state.
func (s *MemoryStateStore) Take(_ context.Context, state string) (PendingAuthorization, error) {
	key := strings.TrimSpace(state)
	if key == "" {
		return PendingAuthorization{}, ErrUnknownState
	}

	s.mu.Lock()
	pending, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if !ok || !s.clock().Before(pending.ExpiresAt) {
		return PendingAuthorization{}, ErrUnknownState
	}
	return pending, nil
}

// Authorizer pairs the Client with a StateStore so a callback only needs code and state.
type Authorizer struct {
	client *Client
	states StateStore
}

// NewAuthorizer wires a Client to a StateStore.
func NewAuthorizer(client *Client, states StateStore) *Authorizer {
	return &Authorizer{client: client, states: states}
}

// Begin starts an authorization for athleteID and returns the provider URL.
func (a *Authorizer) Begin(ctx context.Context, athleteID string) (AuthorizationRequest, error) {
	request := a.client.Authorize()
	if err := a.states.Save(ctx, PendingAuthorization{
		State:     request.State,
		AthleteID: athleteID,
		Verifier:  request.Verifier,
	}); err != nil {
		return AuthorizationRequest{}, err
	}
	return request, nil
}

// Resume consumes state and returns the verifier stored for athleteID.
func (a *Authorizer) Resume(ctx context.Context, athleteID, state string) (string, error) {
	pending, err := a.states.Take(ctx, state)
	if err != nil {
		return "", err
	}
	if pending.AthleteID != athleteID {
		return "", ErrStateAthleteMismatch
	}
	return pending.Verifier, nil
}

// Client exposes the underlying token client.
func (a *Authorizer) Client() *Client {
	return a.client
}
