package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PULSE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "pulse.db"
	defaultLogLevel      = "info"
	defaultTokenURL      = "https://www.strava.com/oauth/token"
	defaultAPIBaseURL    = "https://www.strava.com/api/v3"
	defaultPageDelayMS   = 350
	defaultSessionIssuer = "pulse-auth"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SessionSigningKey  string
	SessionIssuer      string
	StravaClientID     string
	StravaClientSecret string
	StravaTokenURL     string
	StravaAPIBaseURL   string
	WebhookVerifyToken string
	SyncPageDelay      time.Duration
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
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("strava.token_url", defaultTokenURL)
	configViper.SetDefault("strava.api_base_url", defaultAPIBaseURL)
	configViper.SetDefault("sync.page_delay_ms", defaultPageDelayMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		StravaClientID:     configViper.GetString("strava.client_id"),
		StravaClientSecret: configViper.GetString("strava.client_secret"),
		StravaTokenURL:     configViper.GetString("strava.token_url"),
		StravaAPIBaseURL:   configViper.GetString("strava.api_base_url"),
		WebhookVerifyToken: configViper.GetString("strava.webhook_verify_token"),
		SyncPageDelay:      time.Duration(configViper.GetInt("sync.page_delay_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.StravaClientID) == "" {
		return fmt.Errorf("strava.client_id is required")
	}
	if strings.TrimSpace(c.StravaClientSecret) == "" {
		return fmt.Errorf("strava.client_secret is required")
	}
	if strings.TrimSpace(c.WebhookVerifyToken) == "" {
		return fmt.Errorf("strava.webhook_verify_token is required")
	}
	if c.SyncPageDelay < 0 {
		return fmt.Errorf("sync.page_delay_ms must not be negative")
	}
	return nil
}
