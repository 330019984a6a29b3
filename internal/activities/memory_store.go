package activities

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same conflict semantics as GormStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Activity
	ids     IDProvider
	clock   func() time.Time
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(ids IDProvider, clock func() time.Time) *MemoryStore {
	if ids == nil {
		ids = NewUUIDProvider()
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{records: make(map[string]Activity), ids: ids, clock: clock}
}

func (s *MemoryStore) Upsert(_ context.Context, summary Summary) (Activity, error) {
	now := s.clock().UTC()
	incoming := activityFromSummary(summary)
	incoming.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[summary.SourceActivityID]
	if ok {
		if existing.AthleteID != summary.AthleteID {
			return existing, ErrAthleteMismatch
		}
		applySummary(&existing, incoming)
		s.records[summary.SourceActivityID] = existing
		return existing, nil
	}

	localID, err := s.ids.NewID()
	if err != nil {
		return Activity{}, fmt.Errorf("activities: issue id: %w", err)
	}
	incoming.LocalID = localID
	incoming.SyncedAt = now
	s.records[summary.SourceActivityID] = incoming
	return incoming, nil
}

func (s *MemoryStore) MergeDetail(_ context.Context, sourceActivityID string, detail Detail) (Activity, error) {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[sourceActivityID]
	if !ok || existing.AthleteID != detail.AthleteID {
		return Activity{}, ErrNotFound
	}
	existing.DetailPayload = append([]byte(nil), detail.Payload...)
	existing.State = StateHydrated
	if existing.HydratedAt == nil {
		hydratedAt := now
		existing.HydratedAt = &hydratedAt
	}
	existing.UpdatedAt = now
	s.records[sourceActivityID] = existing
	return existing, nil
}

func (s *MemoryStore) Get(_ context.Context, sourceActivityID string) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.records[sourceActivityID]
	if !ok {
		return Activity{}, ErrNotFound
	}
	return activity, nil
}

func (s *MemoryStore) ListForAthlete(_ context.Context, athleteID string, limit int) ([]Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Activity
	for _, activity := range s.records {
		if activity.AthleteID == athleteID {
			out = append(out, activity)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		left, right := out[i].StartTime, out[j].StartTime
		if left != nil && right != nil && !left.Equal(*right) {
			return left.After(*right)
		}
		if (left == nil) != (right == nil) {
			return right == nil
		}
		return out[i].SyncedAt.After(out[j].SyncedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many activities are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
