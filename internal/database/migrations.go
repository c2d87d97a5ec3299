package database

import (
	"gorm.io/gorm"

	"github.com/driftline/driftline/internal/models"
)

// AutoMigrate creates or updates the schema for all engine collections.
// Migrations are additive and idempotent: re-running against an initialised
// database is a no-op.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Conversation{},
		&models.QueueItem{},
		&models.CacheEntry{},
	)
}
