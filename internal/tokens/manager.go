package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stridelab/pulse/internal/accounts"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Access tokens within this window of expiry are refreshed eagerly so a
// long page loop does not start with a token about to lapse.
const refreshSafetyWindow = 120 * time.Second

var (
	// ErrNotLinked indicates no credential record exists for the user.
	ErrNotLinked = errors.New("tokens: no linked account for user")
	// ErrMissingRefreshToken indicates the credential record cannot be refreshed.
	ErrMissingRefreshToken = errors.New("tokens: missing refresh token")
)

// RefreshError reports a rejected refresh exchange at the remote token endpoint.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("tokens: refresh failed with status %d: %s", e.Status, e.Body)
}

// ManagerConfig describes the dependencies of the token manager.
type ManagerConfig struct {
	Accounts     *accounts.Store
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Manager owns the OAuth access-token lifecycle for linked remote accounts.
type Manager struct {
	accounts    *accounts.Store
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	clock       func() time.Time
	logger      *zap.Logger
}

// NewManager constructs a Manager with validated configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("tokens: accounts store required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("tokens: client credentials required")
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, fmt.Errorf("tokens: token url required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	// Strava expects client credentials in the form body rather than a
	// basic-auth header.
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return &Manager{
		accounts:    cfg.Accounts,
		oauthConfig: oauthConfig,
		httpClient:  cfg.HTTPClient,
		clock:       clock,
		logger:      logger,
	}, nil
}

// GetValidAccessToken returns an access token valid for at least the safety
// window, refreshing and persisting rotated credentials when required. Every
// call re-validates against current time; the persisted expiry is the only
// cache.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	account, err := m.accounts.FindByUser(ctx, userID, accounts.ProviderStrava)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return "", ErrNotLinked
	}
	if err != nil {
		return "", err
	}

	now := m.clock()
	if account.AccessToken != "" && account.ExpiresAtSeconds > now.Add(refreshSafetyWindow).Unix() {
		return account.AccessToken, nil
	}

	if account.RefreshToken == "" {
		return "", ErrMissingRefreshToken
	}

	refreshed, err := m.exchangeRefreshToken(ctx, account.RefreshToken)
	if err != nil {
		return "", err
	}

	expiresAt := tokenExpirySeconds(refreshed)
	update := accounts.TokenUpdate{
		AccessToken:      refreshed.AccessToken,
		RefreshToken:     refreshed.RefreshToken,
		ExpiresAtSeconds: expiresAt,
		TokenType:        refreshed.TokenType,
		Scope:            tokenScope(refreshed),
	}
	if athlete := athleteJSON(refreshed); len(athlete) > 0 {
		update.AthleteJSON = athlete
	}
	if err := m.accounts.UpdateTokens(ctx, userID, accounts.ProviderStrava, update); err != nil {
		return "", err
	}

	m.logger.Info("access token refreshed",
		zap.String("user_id", userID),
		zap.Int64("expires_at_s", expiresAt))
	return refreshed.AccessToken, nil
}

// exchangeRefreshToken runs the refresh grant through the oauth2 token source.
// Seeding the source with only a refresh token forces the exchange; the
// returned token carries the rotated refresh token when the endpoint issues
// one.
func (m *Manager) exchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	source := m.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	refreshed, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return nil, &RefreshError{Status: status, Body: string(retrieveErr.Body)}
		}
		return nil, err
	}
	if refreshed.AccessToken == "" {
		return nil, fmt.Errorf("tokens: refresh response missing access token")
	}
	return refreshed, nil
}

// tokenExpirySeconds prefers the endpoint's absolute expires_at field, which
// Strava always sends, over the relative expiry oauth2 derives from
// expires_in.
func tokenExpirySeconds(token *oauth2.Token) int64 {
	if value, ok := token.Extra("expires_at").(float64); ok {
		return int64(value)
	}
	if token.Expiry.IsZero() {
		return 0
	}
	return token.Expiry.Unix()
}

func tokenScope(token *oauth2.Token) string {
	scope, _ := token.Extra("scope").(string)
	return scope
}

func athleteJSON(token *oauth2.Token) []byte {
	athlete := token.Extra("athlete")
	if athlete == nil {
		return nil
	}
	raw, err := json.Marshal(athlete)
	if err != nil {
		return nil
	}
	return raw
}
