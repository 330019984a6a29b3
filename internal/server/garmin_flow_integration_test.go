package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/activities"
	"github.com/MarcoPoloResearchLab/stride/internal/athletes"
	"github.com/MarcoPoloResearchLab/stride/internal/auth"
	"github.com/MarcoPoloResearchLab/stride/internal/database"
	"github.com/MarcoPoloResearchLab/stride/internal/garmin"
	"github.com/MarcoPoloResearchLab/stride/internal/integrations"
	"github.com/MarcoPoloResearchLab/stride/internal/oauth"
	"github.com/MarcoPoloResearchLab/stride/internal/webhooks"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	flowSigningSecret = "flow-signing-secret"
	flowCookieName    = "app_session"
)

type flowEnvironment struct {
	server     *httptest.Server
	dispatcher *webhooks.Dispatcher
	session    string
}

func newFlowEnvironment(t *testing.T) *flowEnvironment {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "stride.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A","refresh_token":"R","expires_in":3600,"token_type":"bearer","scope":"READ WRITE"}`))
	}))
	t.Cleanup(tokenServer.Close)

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/wellness-api/rest/user/id":
			_, _ = w.Write([]byte(`{"userId":"  U-123 "}`))
		case "/wellness-api/rest/user/profile":
			_, _ = w.Write([]byte(`{"displayName":"Runner"}`))
		case "/wellness-api/rest/user/permissions":
			_, _ = w.Write([]byte(`["ACTIVITY_EXPORT"]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(apiServer.Close)

	tokenClient, err := oauth.NewClient(oauth.ClientConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://stride.example.com/integrations/garmin/callback",
		AuthorizeURL: tokenServer.URL + "/oauth2Confirm",
		TokenURL:     tokenServer.URL + "/token",
	})
	if err != nil {
		t.Fatalf("failed to build token client: %v", err)
	}
	apiClient, err := garmin.NewClient(garmin.ClientConfig{BaseURL: apiServer.URL, RequestsPerSecond: 100})
	if err != nil {
		t.Fatalf("failed to build api client: %v", err)
	}

	integrationStore, err := integrations.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build integration store: %v", err)
	}
	integrationService, err := integrations.NewService(integrations.ServiceConfig{
		Store:     integrationStore,
		Exchanger: tokenClient,
		Account:   apiClient,
	})
	if err != nil {
		t.Fatalf("failed to build integration service: %v", err)
	}
	activityStore, err := activities.NewGormStore(db, activities.NewUUIDProvider(), time.Now)
	if err != nil {
		t.Fatalf("failed to build activity store: %v", err)
	}
	activityService, err := activities.NewService(activityStore, logger)
	if err != nil {
		t.Fatalf("failed to build activity service: %v", err)
	}
	athleteService, err := athletes.NewService(athletes.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build athlete service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(flowSigningSecret),
		CookieName:    flowCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	registry := prometheus.NewRegistry()
	metrics, err := webhooks.NewMetrics(registry)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	processor, err := webhooks.NewProcessor(webhooks.ProcessorConfig{
		Ingestor:     activityService,
		Integrations: integrationService,
		Notifier:     realtime,
		Metrics:      metrics,
	})
	if err != nil {
		t.Fatalf("failed to build processor: %v", err)
	}
	dispatcher, err := webhooks.NewDispatcher(webhooks.DispatcherConfig{Processor: processor, Workers: 2, QueueSize: 8, Metrics: metrics})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	dispatcher.Start(context.Background())
	t.Cleanup(func() {
		_ = dispatcher.Shutdown(context.Background())
	})

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Athletes:         athleteService,
		Authorizer:       oauth.NewAuthorizer(tokenClient, oauth.NewMemoryStateStore(time.Minute, nil)),
		Integrations:     integrationService,
		Activities:       activityService,
		Webhooks:         dispatcher,
		Realtime:         realtime,
		MetricsGatherer:  registry,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    "google:runner-1",
		UserEmail: "runner@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   "google:runner-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(flowSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}

	return &flowEnvironment{server: server, dispatcher: dispatcher, session: signed}
}

func (e *flowEnvironment) request(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+e.session)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	return response
}

func TestGarminFlowConnectsIngestsAndStreams(t *testing.T) {
	env := newFlowEnvironment(t)

	authorizeResp := env.request(t, http.MethodGet, "/integrations/garmin/authorize", nil)
	if authorizeResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected authorize status: %d", authorizeResp.StatusCode)
	}
	var authorization authorizeResponsePayload
	if err := json.NewDecoder(authorizeResp.Body).Decode(&authorization); err != nil {
		t.Fatalf("failed to decode authorize response: %v", err)
	}
	parsed, err := url.Parse(authorization.AuthorizationURL)
	if err != nil {
		t.Fatalf("invalid authorization url: %v", err)
	}
	if parsed.Query().Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge, got %q", parsed.Query().Get("code_challenge_method"))
	}

	callbackResp := env.request(t, http.MethodGet, "/integrations/garmin/callback?code=code-1&state="+url.QueryEscape(authorization.State), nil)
	if callbackResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected callback status: %d", callbackResp.StatusCode)
	}
	var status integrations.Status
	if err := json.NewDecoder(callbackResp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !status.Connected || !status.RemoteLinked {
		t.Fatalf("expected connected and linked status, got %#v", status)
	}

	replay := env.request(t, http.MethodGet, "/integrations/garmin/callback?code=code-1&state="+url.QueryEscape(authorization.State), nil)
	if replay.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected replayed state to be rejected, got %d", replay.StatusCode)
	}

	streamResp := env.request(t, http.MethodGet, "/integrations/garmin/events", nil)
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	webhookBody := []byte(`{"activities":[{"userId":"U-123","activityId":"9001","activityType":"RUNNING","startTimeInSeconds":1735718400,"durationInSeconds":1800,"distanceInMeters":5000}]}`)
	webhookReq, err := http.NewRequest(http.MethodPost, env.server.URL+"/webhooks/garmin/activities", bytes.NewReader(webhookBody))
	if err != nil {
		t.Fatalf("failed to construct webhook request: %v", err)
	}
	webhookResp, err := http.DefaultClient.Do(webhookReq)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	_ = webhookResp.Body.Close()
	if webhookResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected webhook status: %d", webhookResp.StatusCode)
	}

	awaitStreamEvent(t, streamReader, webhooks.EventActivitySynced, "9001")
	env.dispatcher.Wait()

	activityResp := env.request(t, http.MethodGet, "/integrations/garmin/activities/9001", nil)
	if activityResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected activity status: %d", activityResp.StatusCode)
	}
	var activity activityResponsePayload
	if err := json.NewDecoder(activityResp.Body).Decode(&activity); err != nil {
		t.Fatalf("failed to decode activity: %v", err)
	}
	if activity.State != activities.StateSummary || activity.DistanceMeters == nil || *activity.DistanceMeters != 5000 {
		t.Fatalf("unexpected activity %#v", activity)
	}
}

func awaitStreamEvent(t *testing.T, reader *bufio.Reader, eventType, sourceActivityID string) {
	t.Helper()
	type readResult struct {
		line string
		err  error
	}
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != eventType {
				continue
			}
			var payload realtimeEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			for _, id := range payload.SourceActivityIDs {
				if id == sourceActivityID {
					return
				}
			}
			t.Fatalf("unexpected activity ids %v", payload.SourceActivityIDs)
		}
	}
}
