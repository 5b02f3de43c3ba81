package accounts

import (
	"time"

	"gorm.io/datatypes"
)

// ProviderStrava identifies the one remote platform this service mirrors.
const ProviderStrava = "strava"

// Account stores the OAuth credential record for a linked remote account.
// At most one record exists per (user_id, provider).
type Account struct {
	UserID            string         `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider          string         `gorm:"column:provider;primaryKey;size:32;not null"`
	ProviderAccountID string         `gorm:"column:provider_account_id;size:190;not null;index:idx_accounts_provider_athlete"`
	AccessToken       string         `gorm:"column:access_token;type:text"`
	RefreshToken      string         `gorm:"column:refresh_token;type:text"`
	ExpiresAtSeconds  int64          `gorm:"column:expires_at_s;not null;default:0"`
	TokenType         string         `gorm:"column:token_type;size:32"`
	Scope             string         `gorm:"column:scope;size:320"`
	AthleteJSON       datatypes.JSON `gorm:"column:athlete_json"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// TokenUpdate carries the rotated credentials persisted after a refresh exchange.
type TokenUpdate struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAtSeconds int64
	TokenType        string
	Scope            string
	AthleteJSON      datatypes.JSON
}
