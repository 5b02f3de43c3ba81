package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stridelab/pulse/internal/accounts"
	"github.com/stridelab/pulse/internal/activities"
	"go.uber.org/zap"
)

const (
	objectTypeActivity = "activity"

	aspectCreate = "create"
	aspectUpdate = "update"
	aspectDelete = "delete"
)

// ErrSignatureInvalid indicates the HMAC over the raw body did not match;
// the request must be rejected before any processing.
var ErrSignatureInvalid = errors.New("webhook: invalid signature")

// Event is the push notification payload delivered by the remote platform.
// Updates carries mixed-type values (strings, booleans), so it decodes
// loosely rather than failing the whole event on one field.
type Event struct {
	ObjectType string         `json:"object_type"`
	ObjectID   int64          `json:"object_id"`
	AspectType string         `json:"aspect_type"`
	OwnerID    int64          `json:"owner_id"`
	Updates    map[string]any `json:"updates"`
}

// markedPrivate reports whether an update flipped the activity private. The
// flag arrives as the string "true" but booleans are tolerated.
func (e Event) markedPrivate() bool {
	switch value := e.Updates["private"].(type) {
	case string:
		return value == "true"
	case bool:
		return value
	default:
		return false
	}
}

// ActivitySyncer performs a single-activity corrective sync.
type ActivitySyncer interface {
	SyncActivity(ctx context.Context, userID, activityID string) error
}

// Notifier receives a hint after the mirror changed. Delivery is
// best-effort; consumers re-read the mirror, not the hint.
type Notifier interface {
	MirrorChanged(userID string, activityIDs []string)
}

// ReconcilerConfig describes the dependencies of the webhook reconciler.
type ReconcilerConfig struct {
	// Secret is the shared signing secret the remote platform uses for the
	// HMAC-SHA256 signature over the raw request body.
	Secret []byte
	// VerifyToken is compared against hub.verify_token during the
	// subscription challenge handshake.
	VerifyToken string
	Accounts    *accounts.Store
	Activities  *activities.Service
	Syncer      ActivitySyncer
	Notifier    Notifier
	Logger      *zap.Logger
}

// Reconciler applies push-notified create/update/delete events to the local
// mirror. It never reports a recoverable failure back to the remote
// platform; a missed event is converged by the next incremental sync, not
// by webhook redelivery.
type Reconciler struct {
	secret      []byte
	verifyToken string
	accounts    *accounts.Store
	activities  *activities.Service
	syncer      ActivitySyncer
	notifier    Notifier
	logger      *zap.Logger
}

// NewReconciler constructs a Reconciler with validated configuration.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("webhook: signing secret required")
	}
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		return nil, fmt.Errorf("webhook: verify token required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("webhook: accounts store required")
	}
	if cfg.Activities == nil {
		return nil, fmt.Errorf("webhook: activities service required")
	}
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("webhook: activity syncer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		secret:      append([]byte(nil), cfg.Secret...),
		verifyToken: cfg.VerifyToken,
		accounts:    cfg.Accounts,
		activities:  cfg.Activities,
		syncer:      cfg.Syncer,
		notifier:    cfg.Notifier,
		logger:      logger,
	}, nil
}

// Challenge answers the subscription verification handshake. It returns the
// echo payload when the verify token matches; ok is false otherwise.
func (r *Reconciler) Challenge(mode, verifyToken, challenge string) (map[string]string, bool) {
	if mode != "subscribe" || verifyToken == "" || verifyToken != r.verifyToken {
		return nil, false
	}
	return map[string]string{"hub.challenge": challenge}, true
}

// HandleEvent verifies and applies one delivered event. The only error it
// returns is ErrSignatureInvalid; everything past the signature check is
// acknowledged so the remote platform never retries indefinitely.
func (r *Reconciler) HandleEvent(ctx context.Context, rawBody []byte, signatureHeader string) error {
	if err := r.verifySignature(rawBody, signatureHeader); err != nil {
		r.logger.Warn("webhook signature rejected", zap.Int("body_len", len(rawBody)))
		return err
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		// The sender cannot fix a malformed body by retrying.
		r.logger.Warn("webhook body unparseable", zap.Error(err))
		return nil
	}

	if event.ObjectType != objectTypeActivity {
		return nil
	}

	if err := r.dispatch(ctx, event); err != nil {
		r.logger.Error("webhook dispatch failed",
			zap.String("aspect", event.AspectType),
			zap.Int64("object_id", event.ObjectID),
			zap.Int64("owner_id", event.OwnerID),
			zap.Error(err))
	}
	return nil
}

func (r *Reconciler) verifySignature(rawBody []byte, signatureHeader string) error {
	provided := strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256=")
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	if len(providedBytes) != len(expected) || subtle.ConstantTimeCompare(providedBytes, expected) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, event Event) error {
	activityID := activities.FormatID(event.ObjectID)

	switch event.AspectType {
	case aspectCreate:
		return r.syncForOwner(ctx, event.OwnerID, activityID)

	case aspectUpdate:
		if event.markedPrivate() {
			return r.deleteAndNotify(ctx, event.OwnerID, activityID)
		}
		// Title/type/metric corrections re-fetch the whole activity.
		return r.syncForOwner(ctx, event.OwnerID, activityID)

	case aspectDelete:
		return r.deleteAndNotify(ctx, event.OwnerID, activityID)

	default:
		r.logger.Info("webhook aspect ignored", zap.String("aspect", event.AspectType))
		return nil
	}
}

func (r *Reconciler) syncForOwner(ctx context.Context, ownerID int64, activityID string) error {
	athleteID := strconv.FormatInt(ownerID, 10)
	account, err := r.accounts.FindByAthleteID(ctx, accounts.ProviderStrava, athleteID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		r.logger.Info("webhook owner not linked", zap.String("athlete_id", athleteID))
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.syncer.SyncActivity(ctx, account.UserID, activityID); err != nil {
		return err
	}
	r.notify(account.UserID, activityID)
	return nil
}

func (r *Reconciler) deleteAndNotify(ctx context.Context, ownerID int64, activityID string) error {
	if err := r.activities.Delete(ctx, activityID); err != nil {
		return err
	}
	athleteID := strconv.FormatInt(ownerID, 10)
	account, err := r.accounts.FindByAthleteID(ctx, accounts.ProviderStrava, athleteID)
	if err == nil {
		r.notify(account.UserID, activityID)
	}
	return nil
}

func (r *Reconciler) notify(userID string, activityIDs ...string) {
	if r.notifier == nil {
		return
	}
	r.notifier.MirrorChanged(userID, activityIDs)
}
