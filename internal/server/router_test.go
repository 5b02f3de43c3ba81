package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stridelab/pulse/internal/accounts"
	"github.com/stridelab/pulse/internal/activities"
	"github.com/stridelab/pulse/internal/strava"
	syncpkg "github.com/stridelab/pulse/internal/sync"
	"github.com/stridelab/pulse/internal/tokens"
	"github.com/stridelab/pulse/internal/webhook"
	"gorm.io/gorm"
)

var webhookSecret = []byte("webhook-secret")

type stubSessions struct {
	users map[string]string
}

func (s *stubSessions) ValidateToken(token string) (string, error) {
	userID, ok := s.users[token]
	if !ok {
		return "", fmt.Errorf("unknown token")
	}
	return userID, nil
}

type stubTokenSource struct {
	token string
	err   error
}

func (s *stubTokenSource) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

type stubRemote struct {
	pages   [][]strava.ActivitySummary
	details map[string]strava.ActivityDetail
}

func (s *stubRemote) ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]strava.ActivitySummary, error) {
	if page < 1 || page > len(s.pages) {
		return nil, nil
	}
	return s.pages[page-1], nil
}

func (s *stubRemote) GetActivityDetail(ctx context.Context, accessToken, activityID string) (strava.ActivityDetail, error) {
	detail, ok := s.details[activityID]
	if !ok {
		return strava.ActivityDetail{}, &strava.RemoteError{Status: http.StatusNotFound, Body: "not found"}
	}
	return detail, nil
}

func (s *stubRemote) GetActivityStreams(ctx context.Context, accessToken, activityID string) (*strava.StreamSet, error) {
	return nil, nil
}

type routerFixture struct {
	handler http.Handler
	db      *gorm.DB
	events  *SyncEventDispatcher
}

func newRouterFixture(t *testing.T, tokenSource syncpkg.AccessTokenSource, remote syncpkg.RemoteClient) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:pulse_router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&accounts.Account{}, &activities.Activity{}, &activities.ActivityStream{}, &syncpkg.SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := accounts.NewStore(accounts.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	activityService, err := activities.NewService(activities.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct activities service: %v", err)
	}
	syncService, err := syncpkg.NewService(syncpkg.ServiceConfig{
		Database:   db,
		Activities: activityService,
		Tokens:     tokenSource,
		Client:     remote,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}

	events := NewSyncEventDispatcher()
	reconciler, err := webhook.NewReconciler(webhook.ReconcilerConfig{
		Secret:      webhookSecret,
		VerifyToken: "verify-me",
		Accounts:    store,
		Activities:  activityService,
		Syncer:      syncService,
		Notifier:    events,
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   &stubSessions{users: map[string]string{"token-user-1": "user-1"}},
		Sync:       syncService,
		Reconciler: reconciler,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return routerFixture{handler: handler, db: db, events: events}
}

func authedRequest(method, target string, body string) *http.Request {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer token-user-1")
	return request
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	fixture := newRouterFixture(t, &stubTokenSource{token: "access"}, &stubRemote{})

	cases := []struct {
		method string
		target string
	}{
		{http.MethodPost, "/api/strava/backfill"},
		{http.MethodPost, "/api/strava/sync"},
		{http.MethodPost, "/api/strava/refresh"},
		{http.MethodPost, "/api/strava/enrich"},
		{http.MethodGet, "/api/strava/status"},
	}
	for _, testCase := range cases {
		recorder := httptest.NewRecorder()
		fixture.handler.ServeHTTP(recorder, httptest.NewRequest(testCase.method, testCase.target, http.NoBody))
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 without bearer, got %d", testCase.method, testCase.target, recorder.Code)
		}

		recorder = httptest.NewRecorder()
		request := httptest.NewRequest(testCase.method, testCase.target, http.NoBody)
		request.Header.Set("Authorization", "Bearer unknown-token")
		fixture.handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 for unknown token, got %d", testCase.method, testCase.target, recorder.Code)
		}
	}
}

func TestBackfillEndpointRunsSync(t *testing.T) {
	start := time.Date(2026, 5, 1, 6, 30, 0, 0, time.UTC)
	remote := &stubRemote{
		pages: [][]strava.ActivitySummary{
			{{ID: 101, Name: "Morning Run", StartDate: start, Raw: json.RawMessage(`{"id":101}`)}},
			{},
		},
	}
	fixture := newRouterFixture(t, &stubTokenSource{token: "access"}, remote)

	stream, cancel := fixture.events.Subscribe(context.Background(), "user-1")
	defer cancel()

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/api/strava/backfill", ""))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		OK     bool `json:"ok"`
		Result struct {
			Fetched int `json:"fetched"`
			Created int `json:"created"`
		} `json:"result"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !payload.OK || payload.Result.Fetched != 1 || payload.Result.Created != 1 {
		t.Fatalf("unexpected payload: %s", recorder.Body.String())
	}

	select {
	case event := <-stream:
		if event.EventType != SyncEventMirrorChanged {
			t.Fatalf("unexpected event type: %s", event.EventType)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a mirror-change event after backfill")
	}

	var count int64
	if err := fixture.db.Model(&activities.Activity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected mirrored activity, got %d", count)
	}
}

func TestSyncEndpointMapsUnlinkedAccount(t *testing.T) {
	fixture := newRouterFixture(t, &stubTokenSource{err: tokens.ErrNotLinked}, &stubRemote{})

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/api/strava/sync", ""))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unlinked account, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "strava_not_linked") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestStatusEndpointReportsSyncState(t *testing.T) {
	fixture := newRouterFixture(t, &stubTokenSource{token: "access"}, &stubRemote{pages: [][]strava.ActivitySummary{{}}})

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodGet, "/api/strava/status", ""))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}

	var payload statusPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.BackfillDone || payload.LastSyncedAt != nil {
		t.Fatalf("expected pristine state, got %s", recorder.Body.String())
	}

	// Run an empty backfill and observe the state move.
	backfillRecorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(backfillRecorder, authedRequest(http.MethodPost, "/api/strava/backfill", ""))
	if backfillRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected backfill status: %d", backfillRecorder.Code)
	}

	recorder = httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodGet, "/api/strava/status", ""))
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !payload.BackfillDone {
		t.Fatalf("expected backfill_done after backfill: %s", recorder.Body.String())
	}
	if payload.LastSyncStart == nil {
		t.Fatalf("expected last_sync_start after backfill")
	}
}

func TestWebhookChallengeHandshake(t *testing.T) {
	fixture := newRouterFixture(t, &stubTokenSource{token: "access"}, &stubRemote{})

	recorder := httptest.NewRecorder()
	target := "/api/strava/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=challenge-123"
	fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}

	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["hub.challenge"] != "challenge-123" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	recorder = httptest.NewRecorder()
	target = "/api/strava/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-123"
	fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong verify token, got %d", recorder.Code)
	}
}

func TestWebhookEventSignatureEnforcement(t *testing.T) {
	fixture := newRouterFixture(t, &stubTokenSource{token: "access"}, &stubRemote{})

	body := []byte(`{"object_type": "activity", "object_id": 101, "aspect_type": "delete", "owner_id": 4242}`)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/strava/webhook", strings.NewReader(string(body)))
	request.Header.Set("X-Strava-Signature", "sha256=deadbeef")
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", recorder.Code)
	}

	mac := hmac.New(sha256.New, webhookSecret)
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodPost, "/api/strava/webhook", strings.NewReader(string(body)))
	request.Header.Set("X-Strava-Signature", signature)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d", recorder.Code)
	}
}
