package strava

import (
	"encoding/json"
	"time"
)

// StreamKeys is the channel set requested for every stream fetch.
const StreamKeys = "time,heartrate,velocity_smooth,altitude,cadence,watts,grade_smooth,latlng"

// ActivitySummary is one entry of the paginated activity list.
type ActivitySummary struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Distance           float64   `json:"distance"`             // meters
	MovingTime         int64     `json:"moving_time"`          // seconds
	ElapsedTime        int64     `json:"elapsed_time"`         // seconds
	StartDate          time.Time `json:"start_date"`
	Timezone           string    `json:"timezone"`
	Trainer            bool      `json:"trainer"`
	Commute            bool      `json:"commute"`
	TotalElevationGain float64   `json:"total_elevation_gain"` // meters

	// Raw preserves the exact remote payload for opaque storage.
	Raw json.RawMessage `json:"-"`
}

// ActivityDetail extends the summary with enrichment-only fields.
type ActivityDetail struct {
	ActivitySummary

	AverageHeartrate float64     `json:"average_heartrate"`
	MaxHeartrate     float64     `json:"max_heartrate"`
	AverageSpeed     float64     `json:"average_speed"` // m/s
	AverageCadence   float64     `json:"average_cadence"`
	AverageWatts     float64     `json:"average_watts"`
	Calories         float64     `json:"calories"`
	DeviceName       string      `json:"device_name"`
	Map              ActivityMap `json:"map"`
}

// ActivityMap carries the encoded route polyline from the detail payload.
type ActivityMap struct {
	SummaryPolyline string `json:"summary_polyline"`
}

// Stream is a single time-series channel, index-aligned to the time channel.
type Stream struct {
	Data json.RawMessage `json:"data"`
}

// StreamSet holds the per-activity channels returned with key_by_type=true.
// Channels absent from the remote response are nil, never padded.
type StreamSet struct {
	Time           *Stream `json:"time"`
	Heartrate      *Stream `json:"heartrate"`
	VelocitySmooth *Stream `json:"velocity_smooth"`
	Altitude       *Stream `json:"altitude"`
	Cadence        *Stream `json:"cadence"`
	Watts          *Stream `json:"watts"`
	GradeSmooth    *Stream `json:"grade_smooth"`
	LatLng         *Stream `json:"latlng"`
}
