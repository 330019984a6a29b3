package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/activities"
	"github.com/MarcoPoloResearchLab/stride/internal/integrations"
	"go.uber.org/zap"
)

// Event types published after processing.
const (
	EventActivitySynced          = "activity-synced"
	EventActivityHydrated        = "activity-hydrated"
	EventIntegrationDisconnected = "integration-disconnected"
	EventPermissionsChanged      = "permissions-changed"
)

var (
	errMissingIngestor     = errors.New("webhooks: activity ingestor is required")
	errMissingIntegrations = errors.New("webhooks: integrations service is required")
)

// Event tells an athlete's listeners that processing changed their data.
type Event struct {
	AthleteID         string
	Type              string
	SourceActivityIDs []string
	Timestamp         time.Time
}

// Notifier receives processing events.
type Notifier interface {
	Notify(event Event)
}

// Ingestor is the activity pipeline.
type Ingestor interface {
	IngestSummary(ctx context.Context, raw map[string]any, athleteID string) (activities.Activity, error)
	HydrateDetail(ctx context.Context, raw map[string]any, athleteID string) (activities.Hydration, error)
}

// Integrations resolves identities and applies lifecycle events.
type Integrations interface {
	Resolve(ctx context.Context, remoteUserID string) (integrations.Record, error)
	ApplyPermissionChange(ctx context.Context, remoteUserID string, permissions []string) (integrations.Record, error)
	Deregister(ctx context.Context, remoteUserID string) (integrations.Record, error)
	MarkSynced(ctx context.Context, athleteID string) error
}

// ProcessorConfig lists the Processor collaborators.
type ProcessorConfig struct {
	Ingestor     Ingestor
	Integrations Integrations
	Notifier     Notifier
	Metrics      *Metrics
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Report summarizes one processed delivery.
type Report struct {
	Kind     Kind
	Outcomes map[Outcome]int
}

// Count returns the number of items that ended with outcome.
func (r Report) Count(outcome Outcome) int {
	return r.Outcomes[outcome]
}

// Processor runs the processing phase of a delivery. Items are handled one at
// a time and independently; a failing item never aborts its siblings.
type Processor struct {
	ingestor     Ingestor
	integrations Integrations
	notifier     Notifier
	metrics      *Metrics
	logger       *zap.Logger
	clock        func() time.Time
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Ingestor == nil {
		return nil, errMissingIngestor
	}
	if cfg.Integrations == nil {
		return nil, errMissingIntegrations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		ingestor:     cfg.Ingestor,
		integrations: cfg.Integrations,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		logger:       logger,
		clock:        clock,
	}, nil
}

// batchChanges collects per-athlete activity ids touched by a delivery.
type batchChanges map[string][]string

func (b batchChanges) add(athleteID, sourceActivityID string) {
	b[athleteID] = append(b[athleteID], sourceActivityID)
}

// Process handles every item of the delivery and reports the outcomes.
func (p *Processor) Process(ctx context.Context, delivery Delivery) Report {
	report := Report{Kind: delivery.Kind, Outcomes: make(map[Outcome]int)}
	logger := p.logger.With(zap.String("kind", string(delivery.Kind)))

	items, err := ParseBatch(delivery.Kind, delivery.Body)
	if err != nil {
		p.metrics.recordMalformed(delivery.Kind)
		logger.Warn("webhook body rejected", zap.Error(err))
		return report
	}

	changes := make(batchChanges)
	for _, item := range items {
		outcome := p.processItem(ctx, delivery.Kind, item, changes, logger)
		report.Outcomes[outcome]++
		p.metrics.recordItem(delivery.Kind, outcome)
	}

	p.finishBatch(ctx, delivery.Kind, changes, logger)
	p.metrics.recordProcessed(delivery.Kind, p.clock())
	logger.Debug("webhook delivery processed",
		zap.Int("items", len(items)),
		zap.Int("processed", report.Count(OutcomeProcessed)),
		zap.Int("skipped", report.Count(OutcomeSkippedUnresolved)))
	return report
}

func (p *Processor) processItem(ctx context.Context, kind Kind, item Item, changes batchChanges, logger *zap.Logger) (outcome Outcome) {
	itemLogger := logger.With(zap.Int("item", item.Index))
	defer func() {
		if recovered := recover(); recovered != nil {
			itemLogger.Error("webhook item panicked", zap.Any("panic", recovered))
			outcome = OutcomeFailed
		}
	}()

	if item.Fields == nil {
		itemLogger.Warn("webhook item is not an object")
		return OutcomeRejected
	}

	switch kind {
	case KindActivities:
		return p.processSummary(ctx, item, changes, itemLogger)
	case KindActivityDetails:
		return p.processDetail(ctx, item, changes, itemLogger)
	case KindPermissions:
		return p.processPermissions(ctx, item, itemLogger)
	case KindDeregistrations:
		return p.processDeregistration(ctx, item, itemLogger)
	default:
		itemLogger.Warn("unknown webhook kind")
		return OutcomeRejected
	}
}

func (p *Processor) resolve(ctx context.Context, item Item, logger *zap.Logger) (integrations.Record, Outcome, bool) {
	record, err := p.integrations.Resolve(ctx, item.RemoteUserID)
	if errors.Is(err, integrations.ErrNotFound) {
		logger.Debug("webhook item for unknown user skipped", zap.String("remote_user_id", item.RemoteUserID))
		return integrations.Record{}, OutcomeSkippedUnresolved, false
	}
	if err != nil {
		logger.Error("identity resolution failed", zap.Error(err))
		return integrations.Record{}, OutcomeFailed, false
	}
	return record, OutcomeProcessed, true
}

func (p *Processor) processSummary(ctx context.Context, item Item, changes batchChanges, logger *zap.Logger) Outcome {
	record, outcome, ok := p.resolve(ctx, item, logger)
	if !ok {
		return outcome
	}
	activity, err := p.ingestor.IngestSummary(ctx, item.Fields, record.AthleteID)
	if outcome, handled := p.classifyActivityError(err, logger); handled {
		return outcome
	}
	changes.add(record.AthleteID, activity.SourceActivityID)
	return OutcomeProcessed
}

func (p *Processor) processDetail(ctx context.Context, item Item, changes batchChanges, logger *zap.Logger) Outcome {
	record, outcome, ok := p.resolve(ctx, item, logger)
	if !ok {
		if outcome == OutcomeSkippedUnresolved {
			primary, fallback := activities.DetailJoinKeys(item.Fields)
			logger.Debug("activity detail skipped before matching",
				zap.Bool("has_user_id", item.RemoteUserID != ""),
				zap.String("activity_id", primary),
				zap.String("summary_activity_id", fallback))
		}
		return outcome
	}
	hydration, err := p.ingestor.HydrateDetail(ctx, item.Fields, record.AthleteID)
	var unmatched *activities.UnmatchedDetailError
	if errors.As(err, &unmatched) {
		logger.Warn("activity detail matched no summary; dropped",
			zap.String("athlete_id", record.AthleteID),
			zap.String("activity_id", unmatched.PrimaryKey),
			zap.String("summary_activity_id", unmatched.FallbackKey))
		return OutcomeUnmatched
	}
	if outcome, handled := p.classifyActivityError(err, logger); handled {
		return outcome
	}
	changes.add(record.AthleteID, hydration.MatchedKey)
	return OutcomeProcessed
}

func (p *Processor) classifyActivityError(err error, logger *zap.Logger) (Outcome, bool) {
	if err == nil {
		return OutcomeProcessed, false
	}
	var validationErr *activities.ValidationError
	if errors.As(err, &validationErr) {
		logger.Warn("activity item rejected", zap.String("field", validationErr.Field), zap.Error(err))
		return OutcomeRejected, true
	}
	if errors.Is(err, activities.ErrAthleteMismatch) {
		logger.Warn("activity item belongs to another athlete", zap.Error(err))
		return OutcomeRejected, true
	}
	logger.Error("activity storage failed", zap.Error(err))
	return OutcomeFailed, true
}

func (p *Processor) processPermissions(ctx context.Context, item Item, logger *zap.Logger) Outcome {
	permissions := permissionsOf(item.Fields)
	record, err := p.integrations.ApplyPermissionChange(ctx, item.RemoteUserID, permissions)
	if errors.Is(err, integrations.ErrNotFound) {
		logger.Debug("permission change for unknown user skipped", zap.String("remote_user_id", item.RemoteUserID))
		return OutcomeSkippedUnresolved
	}
	if err != nil {
		logger.Error("permission change failed", zap.Error(err))
		return OutcomeFailed
	}
	p.notify(Event{AthleteID: record.AthleteID, Type: EventPermissionsChanged})
	return OutcomeProcessed
}

func (p *Processor) processDeregistration(ctx context.Context, item Item, logger *zap.Logger) Outcome {
	record, err := p.integrations.Deregister(ctx, item.RemoteUserID)
	if errors.Is(err, integrations.ErrNotFound) {
		logger.Debug("deregistration for unknown user skipped", zap.String("remote_user_id", item.RemoteUserID))
		return OutcomeSkippedUnresolved
	}
	if err != nil {
		logger.Error("deregistration failed", zap.Error(err))
		return OutcomeFailed
	}
	logger.Info("garmin user deregistered", zap.String("athlete_id", record.AthleteID))
	p.notify(Event{AthleteID: record.AthleteID, Type: EventIntegrationDisconnected})
	return OutcomeProcessed
}

func (p *Processor) finishBatch(ctx context.Context, kind Kind, changes batchChanges, logger *zap.Logger) {
	if len(changes) == 0 {
		return
	}
	eventType := EventActivitySynced
	if kind == KindActivityDetails {
		eventType = EventActivityHydrated
	}
	athleteIDs := make([]string, 0, len(changes))
	for athleteID := range changes {
		athleteIDs = append(athleteIDs, athleteID)
	}
	sort.Strings(athleteIDs)
	for _, athleteID := range athleteIDs {
		if err := p.integrations.MarkSynced(ctx, athleteID); err != nil && !errors.Is(err, integrations.ErrNotFound) {
			logger.Warn("last sync update failed", zap.String("athlete_id", athleteID), zap.Error(err))
		}
		p.notify(Event{AthleteID: athleteID, Type: eventType, SourceActivityIDs: changes[athleteID]})
	}
}

func (p *Processor) notify(event Event) {
	if p.notifier == nil || event.AthleteID == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock().UTC()
	}
	p.notifier.Notify(event)
}

func (r Report) String() string {
	return fmt.Sprintf("%s: processed=%d skipped=%d rejected=%d unmatched=%d failed=%d",
		r.Kind,
		r.Count(OutcomeProcessed),
		r.Count(OutcomeSkippedUnresolved),
		r.Count(OutcomeRejected),
		r.Count(OutcomeUnmatched),
		r.Count(OutcomeFailed))
}
