package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stridelab/pulse/internal/activities"
	"github.com/stridelab/pulse/internal/strava"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	backfillPerPage     = 100
	incrementalPerPage  = 100
	incrementalMaxPages = 5
	refreshMaxPages     = 5
	enrichBatchSize     = 15
	defaultPageDelay    = 350 * time.Millisecond
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingActivities = errors.New("activities service is required")
	errMissingTokens     = errors.New("token source is required")
	errMissingClient     = errors.New("remote client is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "sync.service.new"
	opBackfill     = "sync.backfill"
	opIncremental  = "sync.incremental"
	opRefresh      = "sync.refresh"
	opEnrich       = "sync.enrich"
	opSyncActivity = "sync.activity"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// AccessTokenSource yields a currently valid bearer token for a user.
type AccessTokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

// RemoteClient is the slice of the remote activity API the orchestrator uses.
type RemoteClient interface {
	ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]strava.ActivitySummary, error)
	GetActivityDetail(ctx context.Context, accessToken, activityID string) (strava.ActivityDetail, error)
	GetActivityStreams(ctx context.Context, accessToken, activityID string) (*strava.StreamSet, error)
}

// IDProvider issues run identifiers for log correlation.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the sync orchestrator.
type ServiceConfig struct {
	Database   *gorm.DB
	Activities *activities.Service
	Tokens     AccessTokenSource
	Client     RemoteClient
	IDProvider IDProvider
	PageDelay  time.Duration
	Clock      func() time.Time
	Sleep      func(context.Context, time.Duration) error
	Logger     *zap.Logger
}

// Service drives the three sync strategies over the remote pages and owns
// the per-user sync-progress record. Entry points for the same user are
// serialized by an advisory lock so overlapping runs cannot skew the
// watermark.
type Service struct {
	db         *gorm.DB
	activities *activities.Service
	tokens     AccessTokenSource
	client     RemoteClient
	runIDs     IDProvider
	pageDelay  time.Duration
	clock      func() time.Time
	sleep      func(context.Context, time.Duration) error
	locks      *userLocks
	logger     *zap.Logger
}

// NewService constructs the orchestrator with validated dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Activities == nil {
		return nil, newServiceError(opServiceNew, "missing_activities", errMissingActivities)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_tokens", errMissingTokens)
	}
	if cfg.Client == nil {
		return nil, newServiceError(opServiceNew, "missing_client", errMissingClient)
	}
	runIDs := cfg.IDProvider
	if runIDs == nil {
		runIDs = NewUUIDProvider()
	}
	pageDelay := cfg.PageDelay
	if pageDelay <= 0 {
		pageDelay = defaultPageDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		activities: cfg.Activities,
		tokens:     cfg.Tokens,
		client:     cfg.Client,
		runIDs:     runIDs,
		pageDelay:  pageDelay,
		clock:      clock,
		sleep:      sleep,
		locks:      newUserLocks(),
		logger:     logger,
	}, nil
}

// Backfill imports the user's full remote history, paging from 1 until the
// remote returns an empty page. Any page or upsert failure aborts the run;
// the watermark is only written after the remote is exhausted.
func (s *Service) Backfill(ctx context.Context, userID string) (Result, error) {
	release := s.locks.acquire(userID)
	defer release()

	runID := s.newRunID()
	result := Result{RunID: runID}

	accessToken, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		s.logError(opBackfill, "token_failed", err, userID, runID)
		return result, newServiceError(opBackfill, "token_failed", err)
	}

	if err := s.markSyncStart(ctx, userID); err != nil {
		s.logError(opBackfill, "state_write_failed", err, userID, runID)
		return result, newServiceError(opBackfill, "state_write_failed", err)
	}

	for page := 1; ; page++ {
		batch, err := s.client.ListActivities(ctx, accessToken, page, backfillPerPage)
		if err != nil {
			s.logError(opBackfill, "list_failed", err, userID, runID, zap.Int("page", page))
			return result, newServiceError(opBackfill, "list_failed", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, summary := range batch {
			outcome, err := s.activities.UpsertActivity(ctx, userID, summary)
			if err != nil {
				s.logError(opBackfill, "upsert_failed", err, userID, runID,
					zap.Int64("activity_id", summary.ID))
				return result, newServiceError(opBackfill, "upsert_failed", err)
			}
			result.Fetched++
			if outcome == activities.OutcomeCreated {
				result.Created++
			} else {
				result.Updated++
			}
		}
		result.Pages++

		if err := s.sleep(ctx, s.pageDelay); err != nil {
			return result, newServiceError(opBackfill, "canceled", err)
		}
	}

	newest, err := s.activities.NewestStartDate(ctx, userID)
	if err != nil {
		s.logError(opBackfill, "newest_query_failed", err, userID, runID)
		return result, newServiceError(opBackfill, "newest_query_failed", err)
	}
	if err := s.finishBackfill(ctx, userID, newest); err != nil {
		s.logError(opBackfill, "state_write_failed", err, userID, runID)
		return result, newServiceError(opBackfill, "state_write_failed", err)
	}

	s.logger.Info("backfill completed",
		zap.String("user_id", userID),
		zap.String("run_id", runID),
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("pages", result.Pages))
	return result, nil
}

// Incremental catches up activities newer than the watermark. Remote pages
// are newest-first, so the first item at or below the watermark ends the
// whole run, not just the current page. The page cap bounds a runaway
// catch-up; anything beyond it is the next run's problem.
func (s *Service) Incremental(ctx context.Context, userID string) (Result, error) {
	release := s.locks.acquire(userID)
	defer release()

	runID := s.newRunID()
	result := Result{RunID: runID}

	accessToken, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		s.logError(opIncremental, "token_failed", err, userID, runID)
		return result, newServiceError(opIncremental, "token_failed", err)
	}

	state, err := s.getState(ctx, userID)
	if err != nil {
		s.logError(opIncremental, "state_read_failed", err, userID, runID)
		return result, newServiceError(opIncremental, "state_read_failed", err)
	}
	since := state.LastSyncedAt

	if err := s.markSyncStart(ctx, userID); err != nil {
		s.logError(opIncremental, "state_write_failed", err, userID, runID)
		return result, newServiceError(opIncremental, "state_write_failed", err)
	}

	var newest *time.Time

pages:
	for page := 1; page <= incrementalMaxPages; page++ {
		batch, err := s.client.ListActivities(ctx, accessToken, page, incrementalPerPage)
		if err != nil {
			s.logError(opIncremental, "list_failed", err, userID, runID, zap.Int("page", page))
			return result, newServiceError(opIncremental, "list_failed", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, summary := range batch {
			start := summary.StartDate
			if since != nil && !start.IsZero() && !start.After(*since) {
				break pages
			}

			outcome, err := s.activities.UpsertActivity(ctx, userID, summary)
			if err != nil {
				s.logError(opIncremental, "upsert_failed", err, userID, runID,
					zap.Int64("activity_id", summary.ID))
				return result, newServiceError(opIncremental, "upsert_failed", err)
			}
			result.Fetched++
			if outcome == activities.OutcomeCreated {
				result.Created++
			} else {
				result.Updated++
			}
			if !start.IsZero() && (newest == nil || start.After(*newest)) {
				utc := start.UTC()
				newest = &utc
			}
		}
		result.Pages++

		if err := s.sleep(ctx, s.pageDelay); err != nil {
			return result, newServiceError(opIncremental, "canceled", err)
		}
	}

	if newest != nil {
		if err := s.advanceWatermark(ctx, userID, *newest); err != nil {
			s.logError(opIncremental, "watermark_failed", err, userID, runID)
			return result, newServiceError(opIncremental, "watermark_failed", err)
		}
	}

	s.logger.Info("incremental sync completed",
		zap.String("user_id", userID),
		zap.String("run_id", runID),
		zap.Int("fetched", result.Fetched),
		zap.Int("pages", result.Pages))
	return result, nil
}

// Refresh cross-references a fresh remote listing against the local id set
// and fully syncs (detail + streams) any activity the mirror is missing.
// Per-item failures are logged and counted; the batch continues.
func (s *Service) Refresh(ctx context.Context, userID string) (RefreshResult, error) {
	release := s.locks.acquire(userID)
	defer release()

	runID := s.newRunID()
	result := RefreshResult{RunID: runID}

	accessToken, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		s.logError(opRefresh, "token_failed", err, userID, runID)
		return result, newServiceError(opRefresh, "token_failed", err)
	}

	summaries := make(map[string]strava.ActivitySummary)
	order := make([]string, 0, refreshMaxPages*backfillPerPage)
	for page := 1; page <= refreshMaxPages; page++ {
		batch, err := s.client.ListActivities(ctx, accessToken, page, backfillPerPage)
		if err != nil {
			s.logError(opRefresh, "list_failed", err, userID, runID, zap.Int("page", page))
			return result, newServiceError(opRefresh, "list_failed", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, summary := range batch {
			id := activities.FormatID(summary.ID)
			if _, seen := summaries[id]; !seen {
				order = append(order, id)
			}
			summaries[id] = summary
		}
		if err := s.sleep(ctx, s.pageDelay); err != nil {
			return result, newServiceError(opRefresh, "canceled", err)
		}
	}

	result.Checked = len(order)
	if result.Checked == 0 {
		return result, nil
	}

	existing, err := s.activities.ExistingIDs(ctx, userID, order)
	if err != nil {
		s.logError(opRefresh, "existing_query_failed", err, userID, runID)
		return result, newServiceError(opRefresh, "existing_query_failed", err)
	}

	for _, id := range order {
		if _, ok := existing[id]; ok {
			continue
		}
		result.Missing++

		streamed, err := s.syncOne(ctx, userID, accessToken, id)
		if err != nil {
			result.Failed++
			s.logError(opRefresh, "item_failed", err, userID, runID, zap.String("activity_id", id))
			continue
		}
		result.Added++
		if streamed {
			result.Streamed++
		}
	}
	return result, nil
}

// Enrich picks a bounded batch of locally known activities that still lack
// detail or stream data and enriches them. Designed to be called repeatedly
// until Batch comes back zero. Stream absence is skipped silently; per-item
// failures never abort the batch.
func (s *Service) Enrich(ctx context.Context, userID string) (EnrichResult, error) {
	release := s.locks.acquire(userID)
	defer release()

	runID := s.newRunID()
	result := EnrichResult{RunID: runID}

	accessToken, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		s.logError(opEnrich, "token_failed", err, userID, runID)
		return result, newServiceError(opEnrich, "token_failed", err)
	}

	targets, err := s.activities.MissingEnrichment(ctx, userID, enrichBatchSize)
	if err != nil {
		s.logError(opEnrich, "target_query_failed", err, userID, runID)
		return result, newServiceError(opEnrich, "target_query_failed", err)
	}
	result.Batch = len(targets)

	for _, id := range targets {
		detail, err := s.client.GetActivityDetail(ctx, accessToken, id)
		if err != nil {
			result.Failed++
			s.logError(opEnrich, "detail_failed", err, userID, runID, zap.String("activity_id", id))
		} else if err := s.activities.ApplyDetail(ctx, id, detail); err != nil {
			result.Failed++
			s.logError(opEnrich, "detail_write_failed", err, userID, runID, zap.String("activity_id", id))
		} else {
			result.Detailed++
		}

		set, err := s.client.GetActivityStreams(ctx, accessToken, id)
		if err != nil {
			result.Failed++
			s.logError(opEnrich, "streams_failed", err, userID, runID, zap.String("activity_id", id))
			continue
		}
		if set == nil {
			continue
		}
		if err := s.activities.ReplaceStreams(ctx, id, set); err != nil {
			result.Failed++
			s.logError(opEnrich, "streams_write_failed", err, userID, runID, zap.String("activity_id", id))
			continue
		}
		result.Streamed++
	}
	return result, nil
}

// SyncActivity runs a single-activity corrective sync: detail fetched and
// upserted, streams replaced when present. Used by webhook reconciliation;
// it bypasses the progress watermark entirely.
func (s *Service) SyncActivity(ctx context.Context, userID, activityID string) error {
	release := s.locks.acquire(userID)
	defer release()

	accessToken, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return newServiceError(opSyncActivity, "token_failed", err)
	}
	if _, err := s.syncOne(ctx, userID, accessToken, activityID); err != nil {
		return newServiceError(opSyncActivity, "sync_failed", err)
	}
	return nil
}

// State returns the user's sync progress record; a zero-value record with
// the user id set is returned when no sync has ever run.
func (s *Service) State(ctx context.Context, userID string) (SyncState, error) {
	return s.getState(ctx, userID)
}

func (s *Service) syncOne(ctx context.Context, userID, accessToken, activityID string) (streamed bool, err error) {
	detail, err := s.client.GetActivityDetail(ctx, accessToken, activityID)
	if err != nil {
		return false, err
	}
	if _, err := s.activities.UpsertActivity(ctx, userID, detail.ActivitySummary); err != nil {
		return false, err
	}
	if err := s.activities.ApplyDetail(ctx, activityID, detail); err != nil {
		return false, err
	}

	set, err := s.client.GetActivityStreams(ctx, accessToken, activityID)
	if err != nil {
		return false, err
	}
	if set == nil {
		return false, nil
	}
	if err := s.activities.ReplaceStreams(ctx, activityID, set); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) getState(ctx context.Context, userID string) (SyncState, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{UserID: userID}, nil
	}
	if err != nil {
		return SyncState{}, err
	}
	return state, nil
}

func (s *Service) markSyncStart(ctx context.Context, userID string) error {
	now := s.clock().UTC()
	state := SyncState{UserID: userID, LastSyncStart: &now}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_sync_start": now}),
	}).Create(&state).Error
}

func (s *Service) finishBackfill(ctx context.Context, userID string, newest *time.Time) error {
	err := s.db.WithContext(ctx).Model(&SyncState{}).
		Where("user_id = ?", userID).
		Update("backfill_done", true).Error
	if err != nil {
		return err
	}
	if newest == nil {
		return nil
	}
	return s.advanceWatermark(ctx, userID, newest.UTC())
}

// advanceWatermark moves last_synced_at forward, never back; the guard is
// in the WHERE clause so concurrent runs cannot regress it.
func (s *Service) advanceWatermark(ctx context.Context, userID string, newest time.Time) error {
	return s.db.WithContext(ctx).Model(&SyncState{}).
		Where("user_id = ? AND (last_synced_at IS NULL OR last_synced_at < ?)", userID, newest).
		Update("last_synced_at", newest).Error
}

func (s *Service) newRunID() string {
	id, err := s.runIDs.NewID()
	if err != nil {
		return ""
	}
	return id
}

func (s *Service) logError(operation, reason string, err error, userID, runID string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", userID),
		zap.String("run_id", runID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
