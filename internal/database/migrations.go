package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCountLogListingIndex = "2026-03-14_count_log_listing_index"
	countLogListingIndex          = "idx_counts_inventory_created"
)

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
		{name: migrationCountLogListingIndex, apply: createCountLogListingIndex},
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

// createCountLogListingIndex backs the newest-first log listing. Migrations only
// add schema objects; count rows are never rewritten.
func createCountLogListingIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS " + countLogListingIndex +
		" ON " + counts.CountRecord{}.TableName() + " (inventory_id, created_at)").Error
}
