package integrations

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, athleteID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) FindByRemoteUserID(_ context.Context, remoteUserID string) (Record, error) {
	normalized := NormalizeRemoteUserID(remoteUserID)
	if normalized == "" {
		return Record{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.RemoteUserID != nil && *record.RemoteUserID == normalized {
			return record, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) Connect(_ context.Context, athleteID string, tokens Tokens, at time.Time) (Record, error) {
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok {
		record = Record{AthleteID: athleteID}
	}
	applyTokens(&record, tokens, at)
	record.IsConnected = true
	record.ConnectedAt = &at
	record.DisconnectedAt = nil
	s.records[athleteID] = record
	return record, nil
}

func (s *MemoryStore) RotateTokens(_ context.Context, athleteID string, tokens Tokens, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok || !record.IsConnected {
		return Record{}, ErrNotFound
	}
	applyTokens(&record, tokens, at.UTC())
	s.records[athleteID] = record
	return record, nil
}

func (s *MemoryStore) BindRemoteUserID(_ context.Context, athleteID, remoteUserID string, at time.Time) ([]string, error) {
	normalized := NormalizeRemoteUserID(remoteUserID)
	if normalized == "" {
		return nil, ErrNotFound
	}
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok || !record.IsConnected {
		return nil, ErrNotFound
	}
	var released []string
	for otherID, other := range s.records {
		if otherID == athleteID || other.RemoteUserID == nil || *other.RemoteUserID != normalized {
			continue
		}
		clearRecord(&other, at)
		s.records[otherID] = other
		released = append(released, otherID)
	}
	sort.Strings(released)
	record.RemoteUserID = &normalized
	record.UpdatedAt = at
	s.records[athleteID] = record
	return released, nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, athleteID string, profile json.RawMessage, at time.Time) error {
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok || !record.IsConnected {
		return ErrNotFound
	}
	record.Profile = append([]byte(nil), profile...)
	record.ProfileFetchedAt = &at
	record.UpdatedAt = at
	s.records[athleteID] = record
	return nil
}

func (s *MemoryStore) UpdatePermissions(_ context.Context, athleteID string, permissions []string, at time.Time) (Record, error) {
	encoded, err := encodePermissions(permissions)
	if err != nil {
		return Record{}, err
	}
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok || !record.IsConnected {
		return Record{}, ErrNotFound
	}
	record.PermissionsSnapshot = encoded
	record.LastSyncAt = &at
	record.UpdatedAt = at
	s.records[athleteID] = record
	return record, nil
}

func (s *MemoryStore) TouchSync(_ context.Context, athleteID string, at time.Time) error {
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok || !record.IsConnected {
		return ErrNotFound
	}
	record.LastSyncAt = &at
	record.UpdatedAt = at
	s.records[athleteID] = record
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, athleteID, expectedRemoteUserID string, at time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[athleteID]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if !holdsIntegration(record) {
		return record, false, nil
	}
	if expected := NormalizeRemoteUserID(expectedRemoteUserID); expected != "" {
		if record.RemoteUserID == nil || *record.RemoteUserID != expected {
			return record, false, nil
		}
	}
	clearRecord(&record, at.UTC())
	s.records[athleteID] = record
	return record, true, nil
}
