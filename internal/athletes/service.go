package athletes

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("athletes: invalid identity")

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for athlete resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps session identities onto stable athlete ids.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the athlete identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("athletes: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveAthleteID returns the athlete id for the session claims, creating the
// identity mapping on first sight of a provider+subject pair.
func (s *Service) ResolveAthleteID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if athleteID, ok := cached.(string); ok {
			return athleteID, nil
		}
	}

	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		AthleteID:   subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  s.now(),
	}
	// Concurrent first logins race on the primary key; the loser keeps the row
	// the winner wrote.
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
		return "", err
	}

	var stored Identity
	if err := s.db.Where("provider = ? AND subject = ?", provider, subject).First(&stored).Error; err != nil {
		return "", err
	}

	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != stored.Email {
		updates["athlete_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != stored.DisplayName {
		updates["athlete_display_name"] = display
	}
	if err := s.db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).Error; err != nil {
		s.logger.Warn("athlete identity touch failed", zap.String("athlete_id", stored.AthleteID), zap.Error(err))
	}

	s.cache.Store(cacheKey, stored.AthleteID)
	return stored.AthleteID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
