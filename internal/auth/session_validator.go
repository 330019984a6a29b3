package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Athlete session failures. ErrNoSessionCredential and ErrSessionExpired are
// ordinary signed-out states; the rest point at a forged or misrouted token.
var (
	ErrSessionSecretRequired  = errors.New("athlete session: signing secret required")
	ErrSessionCookieRequired  = errors.New("athlete session: cookie name required")
	ErrNoSessionCredential    = errors.New("athlete session: no credential presented")
	ErrSessionRejected        = errors.New("athlete session: credential rejected")
	ErrSessionExpired         = errors.New("athlete session: expired")
	ErrSessionWithoutIdentity = errors.New("athlete session: no user identity")
)

// DefaultSessionIssuer is the issuer TAuth stamps on session tokens.
const DefaultSessionIssuer = "tauth"

const bearerScheme = "bearer "

// SessionClaims is the TAuth session payload. The athlete account is keyed on
// UserID; the profile fields only refresh the stored display data.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

func (c SessionClaims) identified() bool {
	return strings.TrimSpace(c.Subject) != "" && strings.TrimSpace(c.UserID) != ""
}

// SessionValidatorConfig configures athlete session checks. ClockSkew widens
// the exp/nbf window to absorb drift between TAuth and this service.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	ClockSkew     time.Duration
	Clock         func() time.Time
}

// SessionValidator authenticates athletes from HS256 TAuth sessions carried
// in a bearer header or the session cookie.
type SessionValidator struct {
	secret     []byte
	issuer     string
	cookieName string
	parser     *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrSessionSecretRequired
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrSessionCookieRequired
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	skew := cfg.ClockSkew
	if skew < 0 {
		skew = 0
	}
	return &SessionValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		issuer:     issuer,
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(skew),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// CookieName returns the cookie that carries the athlete session.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken verifies a raw session token and returns its claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrNoSessionCredential
	}

	var claims SessionClaims
	token, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrSessionExpired
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrSessionRejected, err)
	case token == nil || !token.Valid:
		return SessionClaims{}, ErrSessionRejected
	case !claims.identified():
		return SessionClaims{}, ErrSessionWithoutIdentity
	}
	return claims, nil
}

func (v *SessionValidator) signingKey(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm %s", token.Method.Alg())
	}
	return v.secret, nil
}

// ValidateRequest authenticates the athlete behind r. A bearer header wins
// over the cookie, so a stale cookie never shadows an explicit token.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrNoSessionCredential
	}
	if token, ok := bearerCredential(r.Header.Get("Authorization")); ok {
		return v.ValidateToken(token)
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrNoSessionCredential
	}
	return v.ValidateToken(cookie.Value)
}

func bearerCredential(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerScheme) || !strings.EqualFold(header[:len(bearerScheme)], bearerScheme) {
		return "", false
	}
	return header[len(bearerScheme):], true
}
