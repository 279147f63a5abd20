package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeSessionValues = "2026-10-01_normalize_session_values"

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
		{name: migrationNormalizeSessionValues, apply: normalizeSessionValues},
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

// normalizeSessionValues trims stored credentials and drops blank rows, which
// earlier console builds wrote on logout instead of deleting the key.
func normalizeSessionValues(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&session.Value{}).
			Where("1 = 1").
			Update("session_value", gorm.Expr("trim(session_value)")).Error; err != nil {
			return err
		}
		return tx.Where("session_value = ?", "").Delete(&session.Value{}).Error
	})
}
