package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fluxgate/workflowcore/internal/domain/process"
)

// SeedProcess inserts a minimal process header row in the given status.
func SeedProcess(tb testing.TB, ctx context.Context, tx *gorm.DB, workflowName string, status process.Status) *process.Process {
	tb.Helper()
	p := &process.Process{
		ID:           uuid.New(),
		WorkflowName: workflowName,
		Target:       string("CREATE"),
		LastStatus:   status,
		State:        datatypes.JSON([]byte("{}")),
		CreatedBy:    "test",
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed process: %v", err)
	}
	return p
}

// SeedProcessStep appends one transition row to a process's step log.
func SeedProcessStep(tb testing.TB, ctx context.Context, tx *gorm.DB, processID uuid.UUID, stepName, outcome string) *process.ProcessStep {
	tb.Helper()
	s := &process.ProcessStep{
		ID:        uuid.New(),
		ProcessID: processID,
		EventType: process.StepEventTransition,
		StepName:  stepName,
		Outcome:   outcome,
		State:     datatypes.JSON([]byte("{}")),
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed process step: %v", err)
	}
	return s
}

// SeedWorkflowRecord inserts a registered-workflow metadata row.
func SeedWorkflowRecord(tb testing.TB, ctx context.Context, tx *gorm.DB, name string) *process.WorkflowRecord {
	tb.Helper()
	r := &process.WorkflowRecord{
		Name:         name,
		Target:       "CREATE",
		RegisteredAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed workflow record: %v", err)
	}
	return r
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }
