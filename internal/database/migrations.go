package database

import (
	"errors"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearNonCourseScopes = "2026-08-12_clear_non_course_change_scopes"

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
		{name: migrationClearNonCourseScopes, apply: clearNonCourseScopes},
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

// Older writers stamped course scope columns on account and profile
// change records. Scopes are only meaningful on course-typed records,
// so stray values are wiped.
func clearNonCourseScopes(db *gorm.DB) error {
	return db.Model(&ledger.ChangeRecord{}).
		Where("entity_type <> ? AND (scope_course_id <> '' OR scope_profile_id <> '')", string(ledger.EntityTypeCourse)).
		Updates(map[string]any{"scope_course_id": "", "scope_profile_id": ""}).Error
}
