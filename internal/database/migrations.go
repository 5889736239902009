package database

import (
	"errors"
	"time"

	"github.com/gridbase/metasync/internal/meta"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEventTimestamps = "2026-07-18_backfill_event_timestamps"

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
		{name: migrationBackfillEventTimestamps, apply: backfillEventTimestamps},
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

// Event rows written before created_at_s existed carry a zero timestamp;
// stamp them with the snowflake id's embedded time.
func backfillEventTimestamps(db *gorm.DB) error {
	return db.Model(&meta.EventRecord{}).
		Where("created_at_s = 0").
		Update("created_at_s", gorm.Expr("(event_id >> 22) / 1000 + 1288834974")).Error
}
