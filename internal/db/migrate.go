// internal/db/migrate.go
package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate creates/updates the schema and makes sure the ingestion_states singleton exists.
func (h *Handle) Migrate() error {
	return Migrate(h.DB)
}

func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Release{},
		&IngestionState{},
	); err != nil {
		return fmt.Errorf("AutoMigrate error: %w", err)
	}

	// single row, created once; existing progress is never touched
	st := NewState()
	if err := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&st).Error; err != nil {
		return fmt.Errorf("seed ingestion state: %w", err)
	}
	return nil
}
