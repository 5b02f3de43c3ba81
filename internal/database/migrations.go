package database

import (
	"errors"
	"time"

	"github.com/stridelab/pulse/internal/activities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairStreamFlags = "2026-07-18_repair_stream_flags"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairStreamFlags, apply: repairStreamFlags},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairStreamFlags re-aligns has_streams with the presence of a stream row.
// Early deployments could leave the flag false after a stream write that was
// interrupted between the two statements.
func repairStreamFlags(db *gorm.DB) error {
	return db.Model(&activities.Activity{}).
		Where("has_streams = ? AND id IN (?)", false,
			db.Model(&activities.ActivityStream{}).Select("activity_id")).
		Update("has_streams", true).Error
}
