package config

import (
	"strings"
	"testing"
	"time"
)

func newValidViper() map[string]interface{} {
	return map[string]interface{}{
		"session.signing_secret":      "test-secret",
		"strava.client_id":            "12345",
		"strava.client_secret":        "shhh",
		"strava.webhook_verify_token": "verify-me",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range newValidViper() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "pulse.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.StravaTokenURL != "https://www.strava.com/oauth/token" {
		t.Fatalf("unexpected token url: %s", cfg.StravaTokenURL)
	}
	if cfg.StravaAPIBaseURL != "https://www.strava.com/api/v3" {
		t.Fatalf("unexpected api base url: %s", cfg.StravaAPIBaseURL)
	}
	if cfg.SessionIssuer != "pulse-auth" {
		t.Fatalf("unexpected session issuer: %s", cfg.SessionIssuer)
	}
	if cfg.SyncPageDelay != 350*time.Millisecond {
		t.Fatalf("unexpected page delay: %s", cfg.SyncPageDelay)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range newValidViper() {
		configViper.Set(key, value)
	}
	configViper.Set("http.address", "127.0.0.1:9999")
	configViper.Set("sync.page_delay_ms", 10)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.SyncPageDelay != 10*time.Millisecond {
		t.Fatalf("unexpected page delay: %s", cfg.SyncPageDelay)
	}
}

func TestLoadRejectsMissingRequiredValues(t *testing.T) {
	required := []string{
		"session.signing_secret",
		"strava.client_id",
		"strava.client_secret",
		"strava.webhook_verify_token",
	}

	for _, missing := range required {
		configViper := NewViper()
		for key, value := range newValidViper() {
			if key == missing {
				continue
			}
			configViper.Set(key, value)
		}

		_, err := Load(configViper)
		if err == nil {
			t.Fatalf("expected error when %s is missing", missing)
		}
		if !strings.Contains(err.Error(), missing) {
			t.Fatalf("expected error to mention %s, got %v", missing, err)
		}
	}
}

func TestLoadRejectsNegativePageDelay(t *testing.T) {
	configViper := NewViper()
	for key, value := range newValidViper() {
		configViper.Set(key, value)
	}
	configViper.Set("sync.page_delay_ms", -5)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for negative page delay")
	}
}

func TestLoadRejectsEmptyDatabasePath(t *testing.T) {
	configViper := NewViper()
	for key, value := range newValidViper() {
		configViper.Set(key, value)
	}
	configViper.Set("database.path", "  ")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for blank database path")
	}
}
