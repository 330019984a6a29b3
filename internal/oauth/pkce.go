package oauth

import "golang.org/x/oauth2"

// ChallengeMethodS256 is the only PKCE transformation the provider accepts.
const ChallengeMethodS256 = "S256"

// PKCE holds the proof key material for one authorization attempt.
// Verifier stays with the caller until the callback; only Challenge and State
// travel to the authorization endpoint.
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
}

// NewPKCE draws a 32 byte verifier and an independent 32 byte state from the
// system entropy source. Entropy failure panics: authorization cannot proceed
// without it.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     oauth2.GenerateVerifier(),
	}
}
