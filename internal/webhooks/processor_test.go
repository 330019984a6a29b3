package webhooks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/activities"
	"github.com/MarcoPoloResearchLab/stride/internal/integrations"
	"github.com/MarcoPoloResearchLab/stride/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type unusedExchanger struct{}

func (unusedExchanger) Exchange(context.Context, string, string) (oauth.Grant, error) {
	return oauth.Grant{}, oauth.ErrExchangeRejected
}

func (unusedExchanger) Refresh(context.Context, string) (oauth.Grant, error) {
	return oauth.Grant{}, oauth.ErrRefreshRejected
}

type unusedAccount struct{}

func (unusedAccount) FetchUserID(context.Context, string) (string, error) { return "", nil }

func (unusedAccount) FetchProfile(context.Context, string) (json.RawMessage, error) {
	return nil, nil
}

func (unusedAccount) FetchPermissions(context.Context, string) ([]string, error) { return nil, nil }

func (unusedAccount) Revoke(context.Context, string) error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type harness struct {
	processor        *Processor
	activityStore    *activities.MemoryStore
	integrationStore *integrations.MemoryStore
	integrations     *integrations.Service
	notifier         *recordingNotifier
	logs             *observer.ObservedLogs
	registry         *prometheus.Registry
	metrics          *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	integrationStore := integrations.NewMemoryStore()
	for athleteID, remoteID := range map[string]string{"athlete-1": "u-123", "athlete-2": "u-456"} {
		_, err := integrationStore.Connect(ctx, athleteID, integrations.Tokens{AccessToken: "A-" + athleteID, RefreshToken: "R"}, now)
		require.NoError(t, err)
		_, err = integrationStore.BindRemoteUserID(ctx, athleteID, remoteID, now)
		require.NoError(t, err)
	}
	integrationService, err := integrations.NewService(integrations.ServiceConfig{
		Store:     integrationStore,
		Exchanger: unusedExchanger{},
		Account:   unusedAccount{},
		Logger:    logger,
		Clock:     func() time.Time { return now },
	})
	require.NoError(t, err)

	activityStore := activities.NewMemoryStore(nil, func() time.Time { return now })
	activityService, err := activities.NewService(activityStore, logger)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	processor, err := NewProcessor(ProcessorConfig{
		Ingestor:     activityService,
		Integrations: integrationService,
		Notifier:     notifier,
		Metrics:      metrics,
		Logger:       logger,
		Clock:        func() time.Time { return now },
	})
	require.NoError(t, err)

	return &harness{
		processor:        processor,
		activityStore:    activityStore,
		integrationStore: integrationStore,
		integrations:     integrationService,
		notifier:         notifier,
		logs:             logs,
		registry:         registry,
		metrics:          metrics,
	}
}

func (h *harness) process(kind Kind, body string) Report {
	return h.processor.Process(context.Background(), Delivery{Kind: kind, Body: []byte(body)})
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestSummaryBatchIsolatesMalformedItem(t *testing.T) {
	h := newHarness(t)

	report := h.process(KindActivities, `{"activities":[
		{"userId":"u-123","activityId":"g-1","activityName":"one"},
		{"userId":"u-123","activityId":"g-2"},
		{"userId":"u-123","activityName":"missing join key"},
		{"userId":"u-123","activityId":"g-4"},
		{"userId":"u-123","activityId":"g-5"}
	]}`)

	require.Equal(t, 4, report.Count(OutcomeProcessed))
	require.Equal(t, 1, report.Count(OutcomeRejected))
	require.Equal(t, 4, h.activityStore.Len())

	rejections := h.logs.FilterMessage("activity item rejected").All()
	require.Len(t, rejections, 1)
	require.Equal(t, zapcore.WarnLevel, rejections[0].Level)
	require.Equal(t, "sourceActivityId", rejections[0].ContextMap()["field"])
	require.Equal(t, 2, int(rejections[0].ContextMap()["item"].(int64)))

	require.Equal(t, float64(4), counterValue(t, h.registry, "stride_webhooks_items_total",
		map[string]string{"kind": "activities", "outcome": "processed"}))
	require.Equal(t, float64(1), counterValue(t, h.registry, "stride_webhooks_items_total",
		map[string]string{"kind": "activities", "outcome": "rejected"}))

	events := h.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventActivitySynced, events[0].Type)
	require.Equal(t, "athlete-1", events[0].AthleteID)
	require.Equal(t, []string{"g-1", "g-2", "g-4", "g-5"}, events[0].SourceActivityIDs)

	record, err := h.integrationStore.Get(context.Background(), "athlete-1")
	require.NoError(t, err)
	require.NotNil(t, record.LastSyncAt)
}

func TestSummaryForUnknownUserIsSkippedQuietly(t *testing.T) {
	h := newHarness(t)

	report := h.process(KindActivities, `{"activities":[
		{"userId":"stranger","activityId":"g-1"},
		{"activityId":"g-2"},
		{"userId":"U-456 ","activityId":"g-3"}
	]}`)

	require.Equal(t, 2, report.Count(OutcomeSkippedUnresolved))
	require.Equal(t, 1, report.Count(OutcomeProcessed))
	require.Equal(t, 1, h.activityStore.Len())
	require.Zero(t, h.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	require.Zero(t, h.logs.FilterLevelExact(zapcore.WarnLevel).Len())

	stored, err := h.activityStore.Get(context.Background(), "g-3")
	require.NoError(t, err)
	require.Equal(t, "athlete-2", stored.AthleteID)
}

func TestRepeatedSummaryDeliveryConverges(t *testing.T) {
	h := newHarness(t)

	h.process(KindActivities, `{"userId":"u-123","activities":[{"activityId":"g-7","distanceInMeters":1000}]}`)
	h.process(KindActivities, `{"userId":"u-123","activities":[{"activityId":"g-7","distanceInMeters":1200}]}`)

	require.Equal(t, 1, h.activityStore.Len())
	stored, err := h.activityStore.Get(context.Background(), "g-7")
	require.NoError(t, err)
	require.InDelta(t, 1200, *stored.DistanceMeters, 0.001)
}

func TestSummaryThenDetailScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.process(KindActivities, `{"activities":[{"userId":"u-123","activityId":"g-999","activityName":"Tempo"}]}`)
	created, err := h.activityStore.Get(ctx, "g-999")
	require.NoError(t, err)
	require.Nil(t, created.HydratedAt)

	report := h.process(KindActivityDetails, `{"activityDetails":[{"userId":"u-123","activityId":"g-999","samples":[{"hr":150}]}]}`)
	require.Equal(t, 1, report.Count(OutcomeProcessed))
	hydrated, err := h.activityStore.Get(ctx, "g-999")
	require.NoError(t, err)
	require.NotNil(t, hydrated.HydratedAt)
	require.Equal(t, activities.StateHydrated, hydrated.State)

	report = h.process(KindActivityDetails, `{"activityDetails":[{"userId":"u-123","summary":{"activityId":"g-999"},"laps":[1,2]}]}`)
	require.Equal(t, 1, report.Count(OutcomeProcessed))
	merged, err := h.activityStore.Get(ctx, "g-999")
	require.NoError(t, err)
	require.JSONEq(t, `{"userId":"u-123","summary":{"activityId":"g-999"},"laps":[1,2]}`, string(merged.DetailPayload))
	require.Equal(t, "Tempo", *merged.Name)

	events := h.notifier.Events()
	require.Equal(t, EventActivityHydrated, events[len(events)-1].Type)
	require.Equal(t, []string{"g-999"}, events[len(events)-1].SourceActivityIDs)
}

func TestDetailBeforeSummaryIsDroppedWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.process(KindActivities, `{"activities":[{"userId":"u-123","activityId":"g-1"}]}`)

	report := h.process(KindActivityDetails, `{"activityDetails":[
		{"userId":"u-123","activityId":"g-late","summary":{"activityId":"g-late-summary"}},
		{"userId":"u-123","activityId":"g-1"}
	]}`)
	require.Equal(t, 1, report.Count(OutcomeUnmatched))
	require.Equal(t, 1, report.Count(OutcomeProcessed))
	require.Equal(t, 1, h.activityStore.Len())

	unmatched := h.logs.FilterMessage("activity detail matched no summary; dropped").All()
	require.Len(t, unmatched, 1)
	require.Equal(t, zapcore.WarnLevel, unmatched[0].Level)
	require.Equal(t, "g-late", unmatched[0].ContextMap()["activity_id"])
	require.Equal(t, "g-late-summary", unmatched[0].ContextMap()["summary_activity_id"])

	h.process(KindActivities, `{"activities":[{"userId":"u-123","activityId":"g-late"}]}`)
	late, err := h.activityStore.Get(ctx, "g-late")
	require.NoError(t, err)
	require.Nil(t, late.HydratedAt)

	other, err := h.activityStore.Get(ctx, "g-1")
	require.NoError(t, err)
	require.NotNil(t, other.HydratedAt)
}

func TestDetailWithoutUserIDLogsJoinKeys(t *testing.T) {
	h := newHarness(t)

	h.process(KindActivities, `{"activities":[{"userId":"u-123","activityId":"g-999"}]}`)
	report := h.process(KindActivityDetails, `{"activityDetails":[{"activityId":"g-999","summary":{"activityId":"g-999-s"}}]}`)
	require.Equal(t, 1, report.Count(OutcomeSkippedUnresolved))

	skipped := h.logs.FilterMessage("activity detail skipped before matching").All()
	require.Len(t, skipped, 1)
	require.Equal(t, zapcore.DebugLevel, skipped[0].Level)
	fields := skipped[0].ContextMap()
	require.Equal(t, false, fields["has_user_id"])
	require.Equal(t, "g-999", fields["activity_id"])
	require.Equal(t, "g-999-s", fields["summary_activity_id"])

	stored, err := h.activityStore.Get(context.Background(), "g-999")
	require.NoError(t, err)
	require.Nil(t, stored.HydratedAt)
}

func TestDetailCannotHydrateAnotherAthletesActivity(t *testing.T) {
	h := newHarness(t)

	h.process(KindActivities, `{"activities":[{"userId":"u-123","activityId":"g-1"}]}`)
	report := h.process(KindActivityDetails, `{"activityDetails":[{"userId":"u-456","activityId":"g-1"}]}`)
	require.Equal(t, 1, report.Count(OutcomeUnmatched))

	stored, err := h.activityStore.Get(context.Background(), "g-1")
	require.NoError(t, err)
	require.Nil(t, stored.HydratedAt)
}

func TestDeregistrationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report := h.process(KindDeregistrations, `{"deregistrations":[{"userId":"u-123"}]}`)
	require.Equal(t, 1, report.Count(OutcomeProcessed))

	first, err := h.integrationStore.Get(ctx, "athlete-1")
	require.NoError(t, err)
	require.False(t, first.IsConnected)
	require.Nil(t, first.RemoteUserID)
	require.Nil(t, first.AccessToken)
	require.NotNil(t, first.DisconnectedAt)

	_, err = h.integrations.Resolve(ctx, "u-123")
	require.ErrorIs(t, err, integrations.ErrNotFound)

	report = h.process(KindDeregistrations, `{"deregistrations":[{"userId":"u-123"}]}`)
	require.Equal(t, 1, report.Count(OutcomeSkippedUnresolved))
	second, err := h.integrationStore.Get(ctx, "athlete-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	report = h.process(KindActivities, `{"activities":[{"userId":"u-123","activityId":"g-after"}]}`)
	require.Equal(t, 1, report.Count(OutcomeSkippedUnresolved))
	require.Zero(t, h.activityStore.Len())

	events := h.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventIntegrationDisconnected, events[0].Type)
}

func TestDeregistrationForUnknownUserChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before, err := h.integrationStore.Get(ctx, "athlete-1")
	require.NoError(t, err)

	report := h.process(KindDeregistrations, `{"userId":"nobody"}`)
	require.Equal(t, 1, report.Count(OutcomeSkippedUnresolved))

	after, err := h.integrationStore.Get(ctx, "athlete-1")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Empty(t, h.notifier.Events())
}

func TestPermissionChangeStoresSnapshot(t *testing.T) {
	h := newHarness(t)

	report := h.process(KindPermissions, `{"userPermissionsChange":[
		{"userId":"u-123","permissions":["ACTIVITY_EXPORT","HEALTH_EXPORT"]},
		{"userId":"u-456","scope":"ACTIVITY_EXPORT"},
		{"userId":"ghost","permissions":[]}
	]}`)
	require.Equal(t, 2, report.Count(OutcomeProcessed))
	require.Equal(t, 1, report.Count(OutcomeSkippedUnresolved))

	first, err := h.integrationStore.Get(context.Background(), "athlete-1")
	require.NoError(t, err)
	require.Equal(t, []string{"ACTIVITY_EXPORT", "HEALTH_EXPORT"}, first.Permissions())
	require.NotNil(t, first.LastSyncAt)

	second, err := h.integrationStore.Get(context.Background(), "athlete-2")
	require.NoError(t, err)
	require.Equal(t, []string{"ACTIVITY_EXPORT"}, second.Permissions())
}

type panickingIngestor struct {
	delegate Ingestor
}

func (p panickingIngestor) IngestSummary(ctx context.Context, raw map[string]any, athleteID string) (activities.Activity, error) {
	if raw["activityId"] == "boom" {
		panic("normalizer exploded")
	}
	return p.delegate.IngestSummary(ctx, raw, athleteID)
}

func (p panickingIngestor) HydrateDetail(ctx context.Context, raw map[string]any, athleteID string) (activities.Hydration, error) {
	return p.delegate.HydrateDetail(ctx, raw, athleteID)
}

func TestPanickingItemDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	activityService, err := activities.NewService(h.activityStore, nil)
	require.NoError(t, err)
	h.processor.ingestor = panickingIngestor{delegate: activityService}

	report := h.process(KindActivities, `{"userId":"u-123","activities":[{"activityId":"g-1"},{"activityId":"boom"},{"activityId":"g-3"}]}`)
	require.Equal(t, 2, report.Count(OutcomeProcessed))
	require.Equal(t, 1, report.Count(OutcomeFailed))
	require.Equal(t, 2, h.activityStore.Len())
	require.Equal(t, 1, h.logs.FilterMessage("webhook item panicked").Len())
}

func TestMalformedBodyIsCountedAndIgnored(t *testing.T) {
	h := newHarness(t)

	report := h.process(KindActivities, `{not json`)
	require.Zero(t, report.Count(OutcomeProcessed))
	require.Equal(t, float64(1), counterValue(t, h.registry, "stride_webhooks_malformed_deliveries_total",
		map[string]string{"kind": "activities"}))
}
