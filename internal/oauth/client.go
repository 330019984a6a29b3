package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout = 15 * time.Second

	opExchange = "exchange"
	opRefresh  = "refresh"
)

var (
	errMissingClientID     = errors.New("oauth: client id required")
	errMissingClientSecret = errors.New("oauth: client secret required")
	errMissingRedirectURI  = errors.New("oauth: redirect uri required")
	errMissingEndpoints    = errors.New("oauth: authorize and token urls required")
	errMissingCode         = errors.New("oauth: authorization code required")
	errMissingVerifier     = errors.New("oauth: code verifier required")
	errMissingRefreshToken = errors.New("oauth: refresh token required")
)

// ClientConfig describes the registered OAuth client and provider endpoints.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Clock        func() time.Time
}

// AuthorizationRequest is the redirect target plus the secrets the caller keeps until the callback.
type AuthorizationRequest struct {
	URL      string
	Verifier string
	State    string
}

// Grant is the token endpoint result.
type Grant struct {
	AccessToken           string
	RefreshToken          string
	TokenType             string
	ExpiresIn             int64
	RefreshTokenExpiresIn int64
	Scope                 string
	Expiry                time.Time
}

// Client runs the PKCE authorization code flow against the provider.
type Client struct {
	config     *oauth2.Config
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}
	if strings.TrimSpace(cfg.RedirectURI) == "" {
		return nil, errMissingRedirectURI
	}
	if strings.TrimSpace(cfg.AuthorizeURL) == "" || strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errMissingEndpoints
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	// Scopes stay empty: the provider decides the grant and no scope parameter is sent.
	return &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
	}, nil
}

// Authorize builds the provider authorization URL for a fresh PKCE triple.
func (c *Client) Authorize() AuthorizationRequest {
	pkce := NewPKCE()
	return AuthorizationRequest{
		URL:      c.AuthorizationURL(pkce),
		Verifier: pkce.Verifier,
		State:    pkce.State,
	}
}

// AuthorizationURL renders the authorization URL for an existing PKCE triple.
func (c *Client) AuthorizationURL(pkce PKCE) string {
	return c.config.AuthCodeURL(pkce.State,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
	)
}

// Exchange trades an authorization code and its verifier for tokens. It is a
// one-shot call; failures are returned to the caller and never retried here.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (Grant, error) {
	if strings.TrimSpace(code) == "" {
		return Grant{}, errMissingCode
	}
	if strings.TrimSpace(verifier) == "" {
		return Grant{}, errMissingVerifier
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	token, err := c.config.Exchange(callCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Grant{}, c.classify(callCtx, opExchange, err)
	}
	return c.grantFromToken(token), nil
}

// Refresh obtains a new access token. A revoked or unknown refresh token
// surfaces as ErrRefreshRejected so callers can ask the athlete to reconnect.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Grant{}, errMissingRefreshToken
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	source := c.config.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return Grant{}, c.classify(callCtx, opRefresh, err)
	}
	return c.grantFromToken(token), nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) classify(callCtx context.Context, operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("token endpoint timed out", zap.String("operation", operation), zap.Duration("timeout", c.timeout))
		return fmt.Errorf("%w: %s after %s", ErrTimeout, operation, c.timeout)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		endpointErr := &EndpointError{
			Operation:  operation,
			StatusCode: status,
			ErrorCode:  retrieveErr.ErrorCode,
			Body:       string(retrieveErr.Body),
			kind:       rejectionKind(operation, status, retrieveErr.ErrorCode),
		}
		c.logger.Warn("token endpoint rejected request",
			zap.String("operation", operation),
			zap.Int("status", status),
			zap.String("error_code", retrieveErr.ErrorCode))
		return endpointErr
	}

	c.logger.Warn("token endpoint unreachable", zap.String("operation", operation), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrTransport, operation, err)
}

func rejectionKind(operation string, status int, errorCode string) error {
	if status >= http.StatusInternalServerError {
		return ErrEndpointUnavailable
	}
	if operation == opRefresh {
		return ErrRefreshRejected
	}
	if status == 0 && errorCode == "" {
		return ErrEndpointUnavailable
	}
	return ErrExchangeRejected
}

func (c *Client) grantFromToken(token *oauth2.Token) Grant {
	grant := Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		Expiry:       token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scope = strings.TrimSpace(scope)
	}
	if refreshExpiry, ok := token.Extra("refresh_token_expires_in").(float64); ok {
		grant.RefreshTokenExpiresIn = int64(refreshExpiry)
	}
	if grant.ExpiresIn == 0 && !token.Expiry.IsZero() {
		grant.ExpiresIn = int64(token.Expiry.Sub(c.clock()).Round(time.Second).Seconds())
	}
	return grant
}
