package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var errMissingStore = errors.New("activities: store is required")

// UnmatchedDetailError reports a detail whose join-key candidates matched no
// stored activity. Details that arrive before their summary end up here and are
// not retained.
type UnmatchedDetailError struct {
	PrimaryKey  string
	FallbackKey string
}

func (e *UnmatchedDetailError) Error() string {
	return fmt.Sprintf("activities: no activity for detail (activityId=%q, summary.activityId=%q)", e.PrimaryKey, e.FallbackKey)
}

func (e *UnmatchedDetailError) Unwrap() error {
	return ErrNotFound
}

// Hydration reports which join key matched a detail.
type Hydration struct {
	Activity     Activity
	MatchedKey   string
	UsedFallback bool
}

// Service runs normalization in front of the Store.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService builds a Service around store.
func NewService(store Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}, nil
}

// IngestSummary normalizes and upserts one summary item for athleteID.
func (s *Service) IngestSummary(ctx context.Context, raw map[string]any, athleteID string) (Activity, error) {
	summary, err := NormalizeSummary(raw, athleteID)
	if err != nil {
		return Activity{}, err
	}
	return s.store.Upsert(ctx, summary)
}

// HydrateDetail merges one detail item, trying the item's own activity id
// before the nested summary's activity id.
func (s *Service) HydrateDetail(ctx context.Context, raw map[string]any, athleteID string) (Hydration, error) {
	detail, err := NormalizeDetail(raw, athleteID)
	if err != nil {
		return Hydration{}, err
	}

	for _, key := range detail.Candidates() {
		activity, err := s.store.MergeDetail(ctx, key, detail)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Hydration{}, err
		}
		if key != detail.PrimaryKey {
			s.logger.Debug("detail matched via nested summary id",
				zap.String("primary_key", detail.PrimaryKey),
				zap.String("fallback_key", key))
		}
		return Hydration{
			Activity:     activity,
			MatchedKey:   key,
			UsedFallback: key != detail.PrimaryKey,
		}, nil
	}
	return Hydration{}, &UnmatchedDetailError{PrimaryKey: detail.PrimaryKey, FallbackKey: detail.FallbackKey}
}

// Get loads an activity, hiding activities owned by other athletes.
func (s *Service) Get(ctx context.Context, athleteID, sourceActivityID string) (Activity, error) {
	activity, err := s.store.Get(ctx, strings.TrimSpace(sourceActivityID))
	if err != nil {
		return Activity{}, err
	}
	if activity.AthleteID != athleteID {
		return Activity{}, ErrNotFound
	}
	return activity, nil
}

// Recent lists the athlete's latest activities.
func (s *Service) Recent(ctx context.Context, athleteID string, limit int) ([]Activity, error) {
	return s.store.ListForAthlete(ctx, athleteID, limit)
}
