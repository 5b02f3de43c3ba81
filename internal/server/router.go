package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	syncpkg "github.com/stridelab/pulse/internal/sync"
	"github.com/stridelab/pulse/internal/tokens"
	"github.com/stridelab/pulse/internal/webhook"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "pulse_user_id"
	signatureHeader   = "X-Strava-Signature"
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingSync       = errors.New("sync service dependency required")
	errMissingReconciler = errors.New("webhook reconciler dependency required")
	errInvalidAuth       = errors.New("authorization header missing or invalid")
)

// SessionValidator resolves a bearer token to a stable user identifier.
type SessionValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	Sessions   SessionValidator
	Sync       *syncpkg.Service
	Reconciler *webhook.Reconciler
	Events     *SyncEventDispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Sync == nil {
		return nil, errMissingSync
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewSyncEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		sync:       deps.Sync,
		reconciler: deps.Reconciler,
		events:     events,
		logger:     logger,
	}

	// The webhook endpoint authenticates by signature, not by session.
	router.GET("/api/strava/webhook", handler.handleWebhookChallenge)
	router.POST("/api/strava/webhook", handler.handleWebhookEvent)

	protected := router.Group("/api/strava")
	protected.Use(handler.authorizeRequest)
	protected.POST("/backfill", handler.handleBackfill)
	protected.POST("/sync", handler.handleIncremental)
	protected.POST("/refresh", handler.handleRefresh)
	protected.POST("/enrich", handler.handleEnrich)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	sync       *syncpkg.Service
	reconciler *webhook.Reconciler
	events     *SyncEventDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	userID, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.sync.Backfill(c.Request.Context(), userID)
	if err != nil {
		h.respondSyncError(c, err)
		return
	}
	h.events.MirrorChanged(userID, nil)
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (h *httpHandler) handleIncremental(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.sync.Incremental(c.Request.Context(), userID)
	if err != nil {
		h.respondSyncError(c, err)
		return
	}
	if result.Fetched > 0 {
		h.events.MirrorChanged(userID, nil)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.sync.Refresh(c.Request.Context(), userID)
	if err != nil {
		h.respondSyncError(c, err)
		return
	}
	if result.Added > 0 {
		h.events.MirrorChanged(userID, nil)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (h *httpHandler) handleEnrich(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.sync.Enrich(c.Request.Context(), userID)
	if err != nil {
		h.respondSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

type statusPayload struct {
	LastSyncStart *time.Time `json:"last_sync_start"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	BackfillDone  bool       `json:"backfill_done"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	state, err := h.sync.State(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("sync state read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, statusPayload{
		LastSyncStart: state.LastSyncStart,
		LastSyncedAt:  state.LastSyncedAt,
		BackfillDone:  state.BackfillDone,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	stream, cancel := h.events.Subscribe(c.Request.Context(), userID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, gin.H{
				"activity_ids": event.ActivityIDs,
				"timestamp":    event.Timestamp,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(syncEventHeartbeat, gin.H{})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) handleWebhookChallenge(c *gin.Context) {
	payload, ok := h.reconciler.Challenge(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleWebhookEvent(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
		c.String(http.StatusOK, "ok")
		return
	}

	err = h.reconciler.HandleEvent(c.Request.Context(), rawBody, c.GetHeader(signatureHeader))
	if errors.Is(err, webhook.ErrSignatureInvalid) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature"})
		return
	}
	c.String(http.StatusOK, "ok")
}

func (h *httpHandler) respondSyncError(c *gin.Context, err error) {
	if errors.Is(err, tokens.ErrNotLinked) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strava_not_linked"})
		return
	}
	h.logger.Error("sync operation failed", zap.Error(err))

	var serviceErr *syncpkg.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "code": serviceErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
}
