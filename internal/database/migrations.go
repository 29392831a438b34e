package database

import (
	"errors"
	"time"

	"github.com/easel-labs/easel/backend/internal/snapshot"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeOrphanSnapshots = "2026-07-19_purge_orphan_canvas_snapshots"

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
		{name: migrationPurgeOrphanSnapshots, apply: purgeOrphanSnapshots},
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

// purgeOrphanSnapshots drops snapshot rows whose canvas was deleted before
// the cascade existed.
func purgeOrphanSnapshots(db *gorm.DB) error {
	return db.
		Where("canvas_id NOT IN (?)", db.Table("canvases").Select("canvas_id")).
		Delete(&snapshot.Snapshot{}).Error
}
