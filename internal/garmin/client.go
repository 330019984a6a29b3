// Package garmin talks to the Garmin wellness REST API on behalf of a connected athlete.
package garmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	userIDPath       = "/wellness-api/rest/user/id"
	userProfilePath  = "/wellness-api/rest/user/profile"
	permissionsPath  = "/wellness-api/rest/user/permissions"
	registrationPath = "/wellness-api/rest/user/registration"

	defaultRequestsPerSecond = 5
	maxErrorBody             = 4 << 10
)

var (
	errMissingBaseURL     = errors.New("garmin: api base url required")
	errMissingAccessToken = errors.New("garmin: access token required")
	// ErrEmptyUserID indicates the user id endpoint answered without an identifier.
	ErrEmptyUserID = errors.New("garmin: user id missing from response")
)

// APIError is a non-2xx answer from the wellness API.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("garmin: %s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Unauthorized reports whether the access token was refused.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ClientConfig configures the wellness API client.
type ClientConfig struct {
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Timeout           time.Duration
	Logger            *zap.Logger
}

// Client performs bearer-authenticated calls against the wellness API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRequestsPerSecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		timeout:    timeout,
		logger:     logger,
	}, nil
}

type userIDResponse struct {
	UserID json.RawMessage `json:"userId"`
}

// FetchUserID returns the provider's stable user identifier for accessToken.
func (c *Client) FetchUserID(ctx context.Context, accessToken string) (string, error) {
	var response userIDResponse
	if err := c.getJSON(ctx, accessToken, userIDPath, &response); err != nil {
		return "", err
	}
	userID := strings.Trim(strings.TrimSpace(string(response.UserID)), `"`)
	if userID == "" || userID == "null" {
		return "", ErrEmptyUserID
	}
	return userID, nil
}

// FetchProfile returns the raw user profile document.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (json.RawMessage, error) {
	var profile json.RawMessage
	if err := c.getJSON(ctx, accessToken, userProfilePath, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// FetchPermissions returns the capabilities currently granted by the athlete.
func (c *Client) FetchPermissions(ctx context.Context, accessToken string) ([]string, error) {
	var permissions []string
	if err := c.getJSON(ctx, accessToken, permissionsPath, &permissions); err != nil {
		return nil, err
	}
	return permissions, nil
}

// Revoke deletes the athlete's registration so the provider stops pushing data.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	response, err := c.do(ctx, accessToken, http.MethodDelete, registrationPath)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, target any) error {
	response, err := c.do(ctx, accessToken, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("garmin: decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, accessToken, method, path string) (*http.Response, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errMissingAccessToken
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	request, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		cancel()
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	bearerCtx := context.WithValue(callCtx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(bearerCtx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	response, err := client.Do(request)
	if err != nil {
		cancel()
		return nil, err
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer cancel()
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		apiErr := &APIError{Path: path, StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
		c.logger.Warn("garmin api call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return nil, apiErr
	}

	response.Body = &cancelOnClose{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
