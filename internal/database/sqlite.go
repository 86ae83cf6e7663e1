package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shaneosullivan/jstutor-sync/internal/accounts"
	"github.com/shaneosullivan/jstutor-sync/internal/ledger"
	"github.com/shaneosullivan/jstutor-sync/internal/profiles"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"github.com/shaneosullivan/jstutor-sync/internal/snapshot"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Single writer. The pure-Go driver serializes anyway; capping the
	// pool avoids SQLITE_BUSY churn under concurrent handlers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&accounts.Account{},
		&profiles.Profile{},
		&progress.CourseProgress{},
		&snapshot.AccountSnapshot{},
		&ledger.ChangeRecord{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}
	return db, nil
}
