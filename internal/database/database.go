package database

import (
	"fmt"

	"bybit-webhook-bot-go/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate brings the schema up to date. The dashboard owns bots, webhooks
// and api keys; migration here only adds missing columns, it never drops data.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Bot{},
		&models.Webhook{},
		&models.ApiKey{},
		&models.Trade{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
