package sync

import "time"

// SyncState tracks per-user sync progress. LastSyncedAt is the watermark:
// the start timestamp of the newest activity known to be fully synced. It
// only ever moves forward.
type SyncState struct {
	UserID        string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSyncStart *time.Time `gorm:"column:last_sync_start"`
	LastSyncedAt  *time.Time `gorm:"column:last_synced_at"`
	BackfillDone  bool       `gorm:"column:backfill_done;not null;default:false"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_states"
}

// Result aggregates the outcome of a backfill or incremental run.
type Result struct {
	RunID   string `json:"run_id"`
	Fetched int    `json:"fetched"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Pages   int    `json:"pages"`
}

// RefreshResult aggregates a remote cross-reference refresh run.
type RefreshResult struct {
	RunID    string `json:"run_id"`
	Checked  int    `json:"checked"`
	Missing  int    `json:"missing"`
	Added    int    `json:"added"`
	Streamed int    `json:"streamed"`
	Failed   int    `json:"failed"`
}

// EnrichResult aggregates a local enrichment batch. A Batch of zero means
// there is no remaining work.
type EnrichResult struct {
	RunID    string `json:"run_id"`
	Batch    int    `json:"batch"`
	Detailed int    `json:"detailed"`
	Streamed int    `json:"streamed"`
	Failed   int    `json:"failed"`
}
