// Package journal records runs and their per-entry outcomes in a local SQLite database.
package journal

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Journal is an open run journal.
type Journal struct {
	db *gorm.DB
}

// Open opens (creating if needed) the journal database at path and migrates its tables.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	logLevel := logger.Error
	if os.Getenv("SOPHONSYNC_DB_DEBUG") == "true" {
		logLevel = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.AutoMigrate(&Run{}, &Entry{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	log.Printf("journal: opened %s", path)
	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
