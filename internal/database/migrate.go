package database

import (
	"fmt"

	"github.com/xelth-com/girosync/internal/models"
)

// Migrate creates or updates the sync bookkeeping tables and the catalog
// tables exchanged with the server
func (db *DB) Migrate() error {
	tables := []interface{}{
		&models.ChangeRecord{},
		&models.LedgerEntry{},
		&models.EntityVersion{},
		&models.SyncConflict{},
		&models.SyncHistory{},
	}
	for _, m := range models.CatalogModels() {
		tables = append(tables, m)
	}

	if err := db.AutoMigrate(tables...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
