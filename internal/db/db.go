// Package db bootstraps the persistence layer. SQLite is the default backend;
// setting DATABASE_URL switches to PostgreSQL for multi-process deployments.
package db

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/kiro-nexus/internal/db/models"
)

// InitDB opens the database and runs migrations. dbPath is the SQLite file
// used when databaseURL is empty.
func InitDB(dbPath, databaseURL string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if databaseURL != "" {
		dialector = postgres.Open(databaseURL)
		log.Printf("📦 Using PostgreSQL backend")
	} else {
		dialector = sqlite.Open(dbPath)
		log.Printf("📦 Using SQLite backend: %s", dbPath)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&models.Account{},
		&models.AuthSession{},
		&models.APIKey{},
		&models.SessionAffinity{},
		&models.QuotaStat{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return gdb, nil
}

// InitTestDB opens an in-memory SQLite database for tests.
func InitTestDB() (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(
		&models.Account{},
		&models.AuthSession{},
		&models.APIKey{},
		&models.SessionAffinity{},
		&models.QuotaStat{},
	); err != nil {
		return nil, err
	}
	return gdb, nil
}
