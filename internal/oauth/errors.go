package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrExchangeRejected marks a token endpoint refusal of an authorization code
	// (expired code, PKCE mismatch, redirect mismatch). The user must authorize again.
	ErrExchangeRejected = errors.New("oauth: authorization code rejected")
	// ErrRefreshRejected marks a refresh token the provider no longer honours.
	ErrRefreshRejected = errors.New("oauth: refresh token rejected")
	// ErrEndpointUnavailable marks a 5xx or malformed token endpoint response.
	ErrEndpointUnavailable = errors.New("oauth: token endpoint unavailable")
	// ErrTimeout marks a token call that exceeded the configured bound.
	ErrTimeout = errors.New("oauth: token endpoint timeout")
	// ErrTransport marks network level failures reaching the token endpoint.
	ErrTransport = errors.New("oauth: token endpoint unreachable")
	// ErrUnknownState indicates a callback state that was never issued, was used already, or expired.
	ErrUnknownState = errors.New("oauth: unknown or expired state")
	// ErrStateAthleteMismatch indicates a callback completed by a different athlete than the one who started it.
	ErrStateAthleteMismatch = errors.New("oauth: state issued for another athlete")
)

// EndpointError carries the token endpoint response for diagnosis.
type EndpointError struct {
	Operation  string
	StatusCode int
	ErrorCode  string
	Body       string
	kind       error
}

func (e *EndpointError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s: %s: status %d (%s): %s", e.kind, e.Operation, e.StatusCode, e.ErrorCode, e.Body)
	}
	return fmt.Sprintf("%s: %s: status %d: %s", e.kind, e.Operation, e.StatusCode, e.Body)
}

func (e *EndpointError) Unwrap() error {
	return e.kind
}
