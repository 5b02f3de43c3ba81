package activities

import (
	"time"

	"gorm.io/datatypes"
)

// Activity mirrors one remote activity. The primary key is the remote
// activity id as a stable string, never auto-generated; it is the join key
// that makes upserts from list fetches, detail fetches and webhook events
// idempotent. A record may stay in summary-only state forever.
type Activity struct {
	ID     string `gorm:"column:id;primaryKey;size:32;not null"`
	UserID string `gorm:"column:user_id;size:190;not null;index:idx_activities_user_start,priority:1"`

	// Summary fields, populated from a list fetch.
	Name               string         `gorm:"column:name;size:320"`
	Type               string         `gorm:"column:type;size:64"`
	DistanceMeters     float64        `gorm:"column:distance_m"`
	MovingSeconds      int64          `gorm:"column:moving_s"`
	ElapsedSeconds     int64          `gorm:"column:elapsed_s"`
	StartDate          *time.Time     `gorm:"column:start_date;index:idx_activities_user_start,priority:2"`
	Timezone           string         `gorm:"column:timezone;size:64"`
	IsTrainer          bool           `gorm:"column:is_trainer;not null;default:false"`
	IsCommute          bool           `gorm:"column:is_commute;not null;default:false"`
	TotalElevationGain float64        `gorm:"column:total_elev_m"`
	RawSummary         datatypes.JSON `gorm:"column:raw_summary"`

	// Detail fields, null until enriched.
	AverageHeartrate float64        `gorm:"column:avg_hr"`
	MaxHeartrate     float64        `gorm:"column:max_hr"`
	AverageSpeed     float64        `gorm:"column:avg_speed"`
	AverageCadence   float64        `gorm:"column:avg_cadence"`
	AverageWatts     float64        `gorm:"column:avg_watts"`
	Calories         float64        `gorm:"column:calories"`
	DeviceName       string         `gorm:"column:device_name;size:190"`
	MapPolyline      string         `gorm:"column:map_polyline;type:text"`
	RawDetail        datatypes.JSON `gorm:"column:raw_detail"`
	HasStreams       bool           `gorm:"column:has_streams;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Activity) TableName() string {
	return "activities"
}

// ActivityStream stores the per-activity time-series channels, at most one
// row per activity. Channel columns hold the raw remote sample arrays; a
// channel the remote response omitted stays null rather than padded.
type ActivityStream struct {
	ActivityID     string         `gorm:"column:activity_id;primaryKey;size:32;not null"`
	Time           datatypes.JSON `gorm:"column:time"`
	Heartrate      datatypes.JSON `gorm:"column:heartrate"`
	VelocitySmooth datatypes.JSON `gorm:"column:velocity_smooth"`
	Altitude       datatypes.JSON `gorm:"column:altitude"`
	Cadence        datatypes.JSON `gorm:"column:cadence"`
	Watts          datatypes.JSON `gorm:"column:watts"`
	GradeSmooth    datatypes.JSON `gorm:"column:grade_smooth"`
	LatLng         datatypes.JSON `gorm:"column:latlng"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityStream) TableName() string {
	return "activity_streams"
}
