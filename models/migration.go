package models

import (
	"log"

	"github.com/mmdatafocus/hours_backend/config"
	"gorm.io/gorm"
)

// AllTables lists every model owned by the reconciliation service.
func AllTables() []interface{} {
	return []interface{}{
		&Employee{}, &Project{}, &Phase{}, &Task{}, &TaskDependency{}, &HourEntry{},
		&MappingSuggestion{}, &AlertEvent{},
		&SyncRun{}, &SyncError{},
		&IdempotencyKey{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllTables()...)
}

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
