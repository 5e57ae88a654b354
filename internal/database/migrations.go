package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillMessageStatus = "2026-07-21_backfill_message_status"

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
		{name: migrationBackfillMessageStatus, apply: backfillMessageStatus},
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

// backfillMessageStatus stamps rows written before the delivery receipt
// rollout with the initial sent status.
func backfillMessageStatus(db *gorm.DB) error {
	return db.Model(&messages.Message{}).
		Where("status = ?", "").
		Update("status", messages.StatusSent).Error
}
