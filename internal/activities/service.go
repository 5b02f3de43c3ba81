package activities

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stridelab/pulse/internal/strava"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertOutcome distinguishes a first-time insert from an overwrite.
type UpsertOutcome string

const (
	// OutcomeCreated indicates the activity id was not mirrored before.
	OutcomeCreated UpsertOutcome = "created"
	// OutcomeUpdated indicates an existing record was overwritten.
	OutcomeUpdated UpsertOutcome = "updated"
)

// ServiceConfig describes the dependencies of the activity mirror service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service is the upsert engine: idempotent create-or-update of activity
// records from remote payloads, plus the mirror queries the orchestrator
// needs.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the activity mirror service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("activities: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// UpsertActivity creates or fully overwrites the summary portion of an
// activity record. Insert and fallback update are separate single-row
// statements keyed by the remote id, so concurrent callers cannot race an
// existence precheck; the insert is conflict-tolerant and the loser of a
// race simply takes the update branch. Detail fields of an existing record
// are left untouched.
func (s *Service) UpsertActivity(ctx context.Context, userID string, summary strava.ActivitySummary) (UpsertOutcome, error) {
	record := newActivityRecord(userID, summary)

	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&record)
	if insert.Error != nil {
		return "", insert.Error
	}
	if insert.RowsAffected == 1 {
		return OutcomeCreated, nil
	}

	err := s.db.WithContext(ctx).Model(&Activity{}).
		Where("id = ?", record.ID).
		Updates(summaryColumns(record)).Error
	if err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

// ApplyDetail writes the enrichment-only fields from a detail payload.
func (s *Service) ApplyDetail(ctx context.Context, activityID string, detail strava.ActivityDetail) error {
	fields := map[string]interface{}{
		"avg_hr":       detail.AverageHeartrate,
		"max_hr":       detail.MaxHeartrate,
		"avg_speed":    detail.AverageSpeed,
		"avg_cadence":  detail.AverageCadence,
		"avg_watts":    detail.AverageWatts,
		"calories":     detail.Calories,
		"device_name":  detail.DeviceName,
		"map_polyline": detail.Map.SummaryPolyline,
		"raw_detail":   []byte(detail.Raw),
	}
	return s.db.WithContext(ctx).Model(&Activity{}).
		Where("id = ?", activityID).
		Updates(fields).Error
}

// ReplaceStreams overwrites the stream record wholesale and marks the
// activity as stream-enriched. Partial channel merges never happen.
func (s *Service) ReplaceStreams(ctx context.Context, activityID string, set *strava.StreamSet) error {
	record := ActivityStream{
		ActivityID:     activityID,
		Time:           channelData(set.Time),
		Heartrate:      channelData(set.Heartrate),
		VelocitySmooth: channelData(set.VelocitySmooth),
		Altitude:       channelData(set.Altitude),
		Cadence:        channelData(set.Cadence),
		Watts:          channelData(set.Watts),
		GradeSmooth:    channelData(set.GradeSmooth),
		LatLng:         channelData(set.LatLng),
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_id"}},
			UpdateAll: true,
		}).Create(&record).Error
		if err != nil {
			return err
		}
		return tx.Model(&Activity{}).
			Where("id = ?", activityID).
			Update("has_streams", true).Error
	})
}

// Delete removes the activity and its stream record. An id that is already
// absent is success, not an error; webhook deletes may arrive twice.
func (s *Service) Delete(ctx context.Context, activityID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("activity_id = ?", activityID).Delete(&ActivityStream{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", activityID).Delete(&Activity{}).Error
	})
}

// NewestStartDate returns the start timestamp of the user's most recent
// mirrored activity, or nil when the mirror is empty.
func (s *Service) NewestStartDate(ctx context.Context, userID string) (*time.Time, error) {
	var record Activity
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND start_date IS NOT NULL", userID).
		Order("start_date DESC").
		Limit(1).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.StartDate, nil
}

// ExistingIDs reports which of the given remote ids are already mirrored.
func (s *Service) ExistingIDs(ctx context.Context, userID string, ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}
	var found []string
	err := s.db.WithContext(ctx).Model(&Activity{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Pluck("id", &found).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(found))
	for _, id := range found {
		set[id] = struct{}{}
	}
	return set, nil
}

// MissingEnrichment lists up to limit activity ids that still lack detail
// or stream enrichment, newest first.
func (s *Service) MissingEnrichment(ctx context.Context, userID string, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Activity{}).
		Where("user_id = ? AND (raw_detail IS NULL OR has_streams = ?)", userID, false).
		Order("start_date DESC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FormatID renders a remote numeric activity id as the stable string key.
func FormatID(remoteID int64) string {
	return strconv.FormatInt(remoteID, 10)
}

func newActivityRecord(userID string, summary strava.ActivitySummary) Activity {
	record := Activity{
		ID:                 FormatID(summary.ID),
		UserID:             userID,
		Name:               summary.Name,
		Type:               summary.Type,
		DistanceMeters:     summary.Distance,
		MovingSeconds:      summary.MovingTime,
		ElapsedSeconds:     summary.ElapsedTime,
		Timezone:           summary.Timezone,
		IsTrainer:          summary.Trainer,
		IsCommute:          summary.Commute,
		TotalElevationGain: summary.TotalElevationGain,
		RawSummary:         []byte(summary.Raw),
	}
	if !summary.StartDate.IsZero() {
		start := summary.StartDate.UTC()
		record.StartDate = &start
	}
	return record
}

func summaryColumns(record Activity) map[string]interface{} {
	return map[string]interface{}{
		"user_id":      record.UserID,
		"name":         record.Name,
		"type":         record.Type,
		"distance_m":   record.DistanceMeters,
		"moving_s":     record.MovingSeconds,
		"elapsed_s":    record.ElapsedSeconds,
		"start_date":   record.StartDate,
		"timezone":     record.Timezone,
		"is_trainer":   record.IsTrainer,
		"is_commute":   record.IsCommute,
		"total_elev_m": record.TotalElevationGain,
		"raw_summary":  []byte(record.RawSummary),
	}
}

func channelData(stream *strava.Stream) []byte {
	if stream == nil || len(stream.Data) == 0 {
		return nil
	}
	return []byte(stream.Data)
}
