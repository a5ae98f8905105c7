package db

import (
	"gorm.io/gorm"

	"github.com/fluxgate/workflowcore/internal/domain/process"
)

// AutoMigrateAll migrates every durable table the engine owns: the process
// header/step log, the engine-wide pause/capacity row, subscriptions, and
// workflow registration metadata.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&process.Process{},
		&process.ProcessStep{},
		&process.EngineSettings{},
		&process.ProcessSubscription{},
		&process.WorkflowRecord{},
	)
}
