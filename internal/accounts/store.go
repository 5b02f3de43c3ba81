package accounts

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrAccountNotFound indicates no credential record exists for the lookup key.
var ErrAccountNotFound = errors.New("accounts: account not found")

// StoreConfig describes the dependencies required by the credential store.
type StoreConfig struct {
	Database *gorm.DB
}

// Store persists and looks up linked-account credential records.
type Store struct {
	db *gorm.DB
}

// NewStore constructs the credential store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	return &Store{db: cfg.Database}, nil
}

// FindByUser returns the credential record for the (userID, provider) pair.
func (s *Store) FindByUser(ctx context.Context, userID, provider string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// FindByAthleteID resolves the local owner of a remote athlete id. Webhook
// events carry only the athlete id, never a local user id.
func (s *Store) FindByAthleteID(ctx context.Context, provider, athleteID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_account_id = ?", provider, athleteID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// UpdateTokens persists rotated credentials in a single row write.
func (s *Store) UpdateTokens(ctx context.Context, userID, provider string, update TokenUpdate) error {
	fields := map[string]interface{}{
		"access_token":  update.AccessToken,
		"refresh_token": update.RefreshToken,
		"expires_at_s":  update.ExpiresAtSeconds,
	}
	if update.TokenType != "" {
		fields["token_type"] = update.TokenType
	}
	if update.Scope != "" {
		fields["scope"] = update.Scope
	}
	if len(update.AthleteJSON) > 0 {
		fields["athlete_json"] = update.AthleteJSON
	}

	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
