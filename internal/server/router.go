package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/activities"
	"github.com/MarcoPoloResearchLab/stride/internal/auth"
	"github.com/MarcoPoloResearchLab/stride/internal/integrations"
	"github.com/MarcoPoloResearchLab/stride/internal/oauth"
	"github.com/MarcoPoloResearchLab/stride/internal/webhooks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	athleteIDContextKey = "stride_athlete_id"

	maxWebhookBodyBytes      = 16 << 20
	defaultHeartbeatInterval = 25 * time.Second
	defaultRecentLimit       = 20
	maxRecentLimit           = 200
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAthleteResolver  = errors.New("athlete resolver dependency required")
	errMissingAuthorizer       = errors.New("authorization flow dependency required")
	errMissingIntegrations     = errors.New("integrations service dependency required")
	errMissingActivities       = errors.New("activities service dependency required")
	errMissingWebhookSink      = errors.New("webhook sink dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type AthleteResolver interface {
	ResolveAthleteID(claims auth.SessionClaims) (string, error)
}

type AuthorizationFlow interface {
	Begin(ctx context.Context, athleteID string) (oauth.AuthorizationRequest, error)
	Resume(ctx context.Context, athleteID, state string) (string, error)
}

type IntegrationService interface {
	CompleteAuthorization(ctx context.Context, athleteID, code, verifier string) (integrations.Record, error)
	RefreshTokens(ctx context.Context, athleteID string) (integrations.Record, error)
	SyncProfile(ctx context.Context, athleteID string) (integrations.Record, error)
	Disconnect(ctx context.Context, athleteID string) (integrations.Record, bool, error)
	Status(ctx context.Context, athleteID string) (integrations.Status, error)
}

type ActivityReader interface {
	Get(ctx context.Context, athleteID, sourceActivityID string) (activities.Activity, error)
	Recent(ctx context.Context, athleteID string, limit int) ([]activities.Activity, error)
}

// WebhookSink accepts acknowledged deliveries for background processing.
type WebhookSink interface {
	Submit(delivery webhooks.Delivery)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Athletes          AthleteResolver
	Authorizer        AuthorizationFlow
	Integrations      IntegrationService
	Activities        ActivityReader
	Webhooks          WebhookSink
	Realtime          *RealtimeDispatcher
	MetricsGatherer   prometheus.Gatherer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Athletes == nil:
		return nil, errMissingAthleteResolver
	case deps.Authorizer == nil:
		return nil, errMissingAuthorizer
	case deps.Integrations == nil:
		return nil, errMissingIntegrations
	case deps.Activities == nil:
		return nil, errMissingActivities
	case deps.Webhooks == nil:
		return nil, errMissingWebhookSink
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		athletes:     deps.Athletes,
		authorizer:   deps.Authorizer,
		integrations: deps.Integrations,
		activities:   deps.Activities,
		webhooks:     deps.Webhooks,
		realtime:     realtime,
		heartbeat:    heartbeat,
		logger:       logger,
		clock:        clock,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsGatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{})))
	}

	hooks := router.Group("/webhooks/garmin")
	hooks.POST("/activities", handler.receiveWebhook(webhooks.KindActivities))
	hooks.POST("/activity-details", handler.receiveWebhook(webhooks.KindActivityDetails))
	hooks.POST("/permissions", handler.receiveWebhook(webhooks.KindPermissions))
	hooks.POST("/deregistrations", handler.receiveWebhook(webhooks.KindDeregistrations))
	hooks.PUT("/deregistrations", handler.receiveWebhook(webhooks.KindDeregistrations))

	garmin := router.Group("/integrations/garmin")
	garmin.Use(handler.authorizeRequest)
	garmin.GET("/authorize", handler.handleAuthorize)
	garmin.GET("/callback", handler.handleCallback)
	garmin.GET("/status", handler.handleStatus)
	garmin.POST("/refresh", handler.handleRefresh)
	garmin.POST("/profile", handler.handleProfile)
	garmin.DELETE("", handler.handleDisconnect)
	garmin.POST("/disconnect", handler.handleDisconnect)
	garmin.GET("/events", handler.handleEvents)
	garmin.GET("/activities", handler.handleRecentActivities)
	garmin.GET("/activities/:sourceActivityId", handler.handleActivity)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions     SessionValidator
	athletes     AthleteResolver
	authorizer   AuthorizationFlow
	integrations IntegrationService
	activities   ActivityReader
	webhooks     WebhookSink
	realtime     *RealtimeDispatcher
	heartbeat    time.Duration
	logger       *zap.Logger
	clock        func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// receiveWebhook acknowledges the delivery before any processing happens.
func (h *httpHandler) receiveWebhook(kind webhooks.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
		receivedAt := h.clock().UTC()

		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()

		if err != nil {
			h.logger.Warn("webhook body read failed", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		h.webhooks.Submit(webhooks.Delivery{Kind: kind, Body: body, ReceivedAt: receivedAt})
	}
}

type authorizeResponsePayload struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

func (h *httpHandler) handleAuthorize(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	request, err := h.authorizer.Begin(c.Request.Context(), athleteID)
	if err != nil {
		h.logger.Error("failed to begin garmin authorization", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization_unavailable"})
		return
	}
	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, request.URL)
		return
	}
	c.JSON(http.StatusOK, authorizeResponsePayload{AuthorizationURL: request.URL, State: request.State})
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	if providerError := strings.TrimSpace(c.Query("error")); providerError != "" {
		h.logger.Info("garmin authorization declined", zap.String("athlete_id", athleteID), zap.String("reason", providerError))
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization_denied"})
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	verifier, err := h.authorizer.Resume(c.Request.Context(), athleteID, state)
	if err != nil {
		h.logger.Warn("garmin authorization state rejected", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}

	if _, err := h.integrations.CompleteAuthorization(c.Request.Context(), athleteID, code, verifier); err != nil {
		status, code := tokenErrorResponse(err)
		h.logger.Warn("garmin token exchange failed", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(status, gin.H{"error": code})
		return
	}
	h.respondWithStatus(c, athleteID)
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	h.respondWithStatus(c, c.GetString(athleteIDContextKey))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	if _, err := h.integrations.RefreshTokens(c.Request.Context(), athleteID); err != nil {
		if errors.Is(err, oauth.ErrRefreshRejected) {
			h.publish(athleteID, webhooks.EventIntegrationDisconnected)
		}
		status, code := tokenErrorResponse(err)
		h.logger.Warn("garmin token refresh failed", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(status, gin.H{"error": code})
		return
	}
	h.respondWithStatus(c, athleteID)
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	if _, err := h.integrations.SyncProfile(c.Request.Context(), athleteID); err != nil {
		if errors.Is(err, integrations.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "not_connected"})
			return
		}
		h.logger.Warn("garmin profile sync failed", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "profile_fetch_failed"})
		return
	}
	h.respondWithStatus(c, athleteID)
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	_, changed, err := h.integrations.Disconnect(c.Request.Context(), athleteID)
	if err != nil {
		h.logger.Error("garmin disconnect failed", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disconnect_failed"})
		return
	}
	if changed {
		h.publish(athleteID, webhooks.EventIntegrationDisconnected)
	}
	h.respondWithStatus(c, athleteID)
}

type activityResponsePayload struct {
	LocalID             string           `json:"local_id"`
	SourceActivityID    string           `json:"source_activity_id"`
	Source              string           `json:"source"`
	State               activities.State `json:"state"`
	ActivityType        *string          `json:"activity_type"`
	Name                *string          `json:"name"`
	StartTime           *time.Time       `json:"start_time"`
	DurationSeconds     *int64           `json:"duration_s"`
	DistanceMeters      *float64         `json:"distance_m"`
	AverageSpeedMPS     *float64         `json:"avg_speed_mps"`
	Calories            *float64         `json:"calories_kcal"`
	AverageHeartRate    *int64           `json:"avg_hr_bpm"`
	MaxHeartRate        *int64           `json:"max_hr_bpm"`
	MinHeartRate        *int64           `json:"min_hr_bpm"`
	ElevationGainMeters *float64         `json:"elevation_gain_m"`
	Steps               *int64           `json:"steps"`
	StartLatitude       *float64         `json:"start_lat"`
	StartLongitude      *float64         `json:"start_lon"`
	EndLatitude         *float64         `json:"end_lat"`
	EndLongitude        *float64         `json:"end_lon"`
	DeviceName          *string          `json:"device_name"`
	SyncedAt            time.Time        `json:"synced_at"`
	HydratedAt          *time.Time       `json:"hydrated_at"`
}

func newActivityResponse(activity activities.Activity) activityResponsePayload {
	return activityResponsePayload{
		LocalID:             activity.LocalID,
		SourceActivityID:    activity.SourceActivityID,
		Source:              activity.Source,
		State:               activity.State,
		ActivityType:        activity.ActivityType,
		Name:                activity.Name,
		StartTime:           activity.StartTime,
		DurationSeconds:     activity.DurationSeconds,
		DistanceMeters:      activity.DistanceMeters,
		AverageSpeedMPS:     activity.AverageSpeedMPS,
		Calories:            activity.Calories,
		AverageHeartRate:    activity.AverageHeartRate,
		MaxHeartRate:        activity.MaxHeartRate,
		MinHeartRate:        activity.MinHeartRate,
		ElevationGainMeters: activity.ElevationGainMeters,
		Steps:               activity.Steps,
		StartLatitude:       activity.StartLatitude,
		StartLongitude:      activity.StartLongitude,
		EndLatitude:         activity.EndLatitude,
		EndLongitude:        activity.EndLongitude,
		DeviceName:          activity.DeviceName,
		SyncedAt:            activity.SyncedAt,
		HydratedAt:          activity.HydratedAt,
	}
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	activity, err := h.activities.Get(c.Request.Context(), athleteID, c.Param("sourceActivityId"))
	if errors.Is(err, activities.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load activity", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity_unavailable"})
		return
	}
	c.JSON(http.StatusOK, newActivityResponse(activity))
}

func (h *httpHandler) handleRecentActivities(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	limit := defaultRecentLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxRecentLimit)
	}
	records, err := h.activities.Recent(c.Request.Context(), athleteID, limit)
	if err != nil {
		h.logger.Error("failed to list activities", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity_unavailable"})
		return
	}
	payload := make([]activityResponsePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newActivityResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"activities": payload})
}

type realtimeEventPayload struct {
	EventType         string   `json:"eventType"`
	SourceActivityIDs []string `json:"sourceActivityIds,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Source            string   `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	athleteID := c.GetString(athleteIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, athleteID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				EventType:         message.EventType,
				SourceActivityIDs: message.SourceActivityIDs,
				Timestamp:         message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:            realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				EventType: realtimeEventHeartbeat,
				Timestamp: tick.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrNoSessionCredential) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	athleteID, err := h.athletes.ResolveAthleteID(claims)
	if err != nil {
		h.logger.Warn("athlete resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(athleteIDContextKey, athleteID)
	c.Next()
}

func (h *httpHandler) respondWithStatus(c *gin.Context, athleteID string) {
	status, err := h.integrations.Status(c.Request.Context(), athleteID)
	if err != nil {
		h.logger.Error("failed to load integration status", zap.String("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) publish(athleteID, eventType string) {
	h.realtime.Notify(webhooks.Event{AthleteID: athleteID, Type: eventType, Timestamp: h.clock().UTC()})
}

// tokenErrorResponse maps token endpoint failures to an HTTP status and code.
func tokenErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, integrations.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, integrations.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, oauth.ErrExchangeRejected):
		return http.StatusBadRequest, "exchange_rejected"
	case errors.Is(err, oauth.ErrRefreshRejected):
		return http.StatusUnauthorized, "reauthorization_required"
	case errors.Is(err, oauth.ErrTimeout):
		return http.StatusGatewayTimeout, "token_endpoint_timeout"
	case errors.Is(err, oauth.ErrEndpointUnavailable), errors.Is(err, oauth.ErrTransport):
		return http.StatusBadGateway, "token_endpoint_unavailable"
	default:
		return http.StatusInternalServerError, "token_request_failed"
	}
}
