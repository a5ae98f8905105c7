package process

import (
	"time"

	"gorm.io/gorm"

	"github.com/fluxgate/workflowcore/internal/domain/process"
)

// WorkflowRecordRepo persists workflow-registration metadata for audit and
// reconciliation: which names have ever been registered, under which
// target, and whether they are currently active.
type WorkflowRecordRepo struct {
	db *gorm.DB
}

func NewWorkflowRecordRepo(db *gorm.DB) *WorkflowRecordRepo {
	return &WorkflowRecordRepo{db: db}
}

// RecordRegistration upserts the record for name, clearing any prior
// soft-delete, so a workflow re-registered after a deploy shows one row
// rather than an accumulating history.
func (r *WorkflowRecordRepo) RecordRegistration(name string, target string) error {
	rec := process.WorkflowRecord{
		Name:         name,
		Target:       target,
		RegisteredAt: time.Now().UTC(),
	}
	return r.db.
		Unscoped().
		Where("name = ?", name).
		Assign(map[string]any{
			"target":        target,
			"registered_at": rec.RegisteredAt,
			"deleted_at":    nil,
		}).
		FirstOrCreate(&rec).Error
}

// RecordDeregistration soft-deletes the record so ListActive stops
// surfacing it while the row (and its history) stays queryable.
func (r *WorkflowRecordRepo) RecordDeregistration(name string) error {
	return r.db.Where("name = ?", name).Delete(&process.WorkflowRecord{}).Error
}

// ListActive returns every currently-registered (non-deregistered) workflow
// record, ordered by name. Startup does not call it: registrations left over
// from a previous deploy are not detected.
func (r *WorkflowRecordRepo) ListActive() ([]process.WorkflowRecord, error) {
	var recs []process.WorkflowRecord
	err := r.db.Order("name ASC").Find(&recs).Error
	return recs, err
}
