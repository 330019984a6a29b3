package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "STRIDE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "stride.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultCookieName     = "app_session"
	defaultSessionIssuer  = "tauth"
	defaultClockSkew      = 30 * time.Second
	defaultAuthorizeURL   = "https://connect.garmin.com/oauth2Confirm"
	defaultTokenURL       = "https://diauth.garmin.com/di-oauth2-service/oauth/token"
	defaultAPIBaseURL     = "https://apis.garmin.com"
	defaultTokenTimeout   = 15 * time.Second
	defaultAPIRate        = 5.0
	defaultWebhookWorkers = 4
	defaultWebhookQueue   = 256
	defaultStateTTL       = 10 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	TAuthSigningKey    string
	TAuthIssuer        string
	TAuthCookieName    string
	TAuthClockSkew     time.Duration
	CORSAllowedOrigins []string
	Garmin             GarminConfig
	WebhookWorkers     int
	WebhookQueueSize   int
	OAuthStateTTL      time.Duration
}

// GarminConfig describes the OAuth client registration and API endpoints.
type GarminConfig struct {
	ClientID             string
	ClientSecret         string
	RedirectURI          string
	AuthorizeURL         string
	TokenURL             string
	APIBaseURL           string
	TokenTimeout         time.Duration
	APIRequestsPerSecond float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("tauth.clock_skew", defaultClockSkew)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("garmin.authorize_url", defaultAuthorizeURL)
	configViper.SetDefault("garmin.token_url", defaultTokenURL)
	configViper.SetDefault("garmin.api_base_url", defaultAPIBaseURL)
	configViper.SetDefault("garmin.token_timeout", defaultTokenTimeout)
	configViper.SetDefault("garmin.api_requests_per_second", defaultAPIRate)
	configViper.SetDefault("webhooks.workers", defaultWebhookWorkers)
	configViper.SetDefault("webhooks.queue_size", defaultWebhookQueue)
	configViper.SetDefault("oauth.state_ttl", defaultStateTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		TAuthSigningKey:    configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:        configViper.GetString("tauth.issuer"),
		TAuthCookieName:    configViper.GetString("tauth.cookie_name"),
		TAuthClockSkew:     configViper.GetDuration("tauth.clock_skew"),
		CORSAllowedOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		Garmin: GarminConfig{
			ClientID:             configViper.GetString("garmin.client_id"),
			ClientSecret:         configViper.GetString("garmin.client_secret"),
			RedirectURI:          configViper.GetString("garmin.redirect_uri"),
			AuthorizeURL:         configViper.GetString("garmin.authorize_url"),
			TokenURL:             configViper.GetString("garmin.token_url"),
			APIBaseURL:           configViper.GetString("garmin.api_base_url"),
			TokenTimeout:         configViper.GetDuration("garmin.token_timeout"),
			APIRequestsPerSecond: configViper.GetFloat64("garmin.api_requests_per_second"),
		},
		WebhookWorkers:   configViper.GetInt("webhooks.workers"),
		WebhookQueueSize: configViper.GetInt("webhooks.queue_size"),
		OAuthStateTTL:    configViper.GetDuration("oauth.state_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.TAuthClockSkew < 0 {
		return fmt.Errorf("tauth.clock_skew must not be negative")
	}
	if strings.TrimSpace(c.Garmin.ClientID) == "" {
		return fmt.Errorf("garmin.client_id is required")
	}
	if strings.TrimSpace(c.Garmin.ClientSecret) == "" {
		return fmt.Errorf("garmin.client_secret is required")
	}
	if strings.TrimSpace(c.Garmin.RedirectURI) == "" {
		return fmt.Errorf("garmin.redirect_uri is required")
	}
	if c.Garmin.TokenTimeout <= 0 {
		return fmt.Errorf("garmin.token_timeout must be positive")
	}
	if c.WebhookWorkers <= 0 {
		return fmt.Errorf("webhooks.workers must be positive")
	}
	if c.WebhookQueueSize <= 0 {
		return fmt.Errorf("webhooks.queue_size must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
