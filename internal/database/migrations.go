package database

import (
	"errors"
	"time"

	"github.com/canvasslabs/canvass/internal/polls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRecountChoiceVoteTotals = "2026-08-20_recount_choice_vote_totals"

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
		{name: migrationRecountChoiceVoteTotals, apply: recountChoiceVoteTotals},
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

// recountChoiceVoteTotals rewrites the denormalized choice counters from the
// vote ledger. The ledger is authoritative; counters are a cache of it.
func recountChoiceVoteTotals(db *gorm.DB) error {
	return polls.RecountCounters(db)
}
