package process_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	processrepo "github.com/fluxgate/workflowcore/internal/data/repos/process"
	"github.com/fluxgate/workflowcore/internal/data/repos/testutil"
	"github.com/fluxgate/workflowcore/internal/domain/process"
	"github.com/fluxgate/workflowcore/internal/pkg/dbctx"
)

// These exercise the gormRepo implementation directly against Postgres -
// SKIP LOCKED and NULLS FIRST ordering have no sqlite equivalent - and are
// skipped unless TEST_POSTGRES_DSN is set, same as the rest of this tier.
func newRepo(t *testing.T) (processrepo.Repo, context.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	return processrepo.NewRepo(tx), context.Background()
}

func TestCreateAndGetByID(t *testing.T) {
	repo, ctx := newRepo(t)
	p := &process.Process{WorkflowName: "onboard_customer", Target: "CREATE", LastStatus: process.StatusCreated, State: datatypes.JSON([]byte("{}"))}
	if err := repo.Create(dbctx.Context{Ctx: ctx}, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Fatal("expected Create to assign an id")
	}

	got, err := repo.GetByID(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkflowName != "onboard_customer" {
		t.Fatalf("unexpected workflow name: %q", got.WorkflowName)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, ctx := newRepo(t)
	_, err := repo.GetByID(dbctx.Context{Ctx: ctx}, uuid.New())
	if err != processrepo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextRunnableSkipsLockedAndFutureRetries(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	ready := testutil.SeedProcess(t, ctx, tx, "reconcile_inventory", process.StatusCreated)
	future := time.Now().UTC().Add(time.Hour)
	testutil.SeedProcess(t, ctx, tx, "reconcile_inventory", process.StatusWaiting)
	if err := tx.Model(&process.Process{}).Where("id IS NOT NULL").
		Where("workflow_name = ? AND last_status = ?", "reconcile_inventory", process.StatusWaiting).
		Update("next_retry_at", future).Error; err != nil {
		t.Fatalf("push retry into the future: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a runnable process to be claimed")
	}
	if claimed.ID != ready.ID {
		t.Fatalf("expected the ready process to be claimed, got %s", claimed.ID)
	}
	if claimed.LockedAt == nil {
		t.Fatal("expected ClaimNextRunnable to stamp locked_at")
	}

	second, err := repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatal("the future-dated waiting process must not be claimable yet")
	}
}

func TestUpdateFieldsUnlessStatusGuardsTerminalStatus(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "decommission_resource", process.StatusAborted)

	err := repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, map[string]any{
		"last_status": process.StatusResumed,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.GetByID(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != process.StatusAborted {
		t.Fatalf("an aborted process must not be overwritten, got %s", got.LastStatus)
	}
}

func TestUpdateFieldsUnlessStatusAppliesWhenAllowed(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "decommission_resource", process.StatusCreated)

	err := repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, map[string]any{
		"last_status": process.StatusRunning,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.GetByID(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != process.StatusRunning {
		t.Fatalf("expected the update to apply, got %s", got.LastStatus)
	}
}

func TestAppendStepUpdatesInPlaceWhilePending(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusWaiting)

	// Failing the same step twice must yield exactly one row with
	// retries == 2 and an executed_at list carrying both attempts.
	for i := 0; i < 2; i++ {
		if err := repo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
			ProcessID: p.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: "waiting",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	steps, err := repo.ListSteps(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected the repeated pending transition to update in place, got %d rows", len(steps))
	}
	if steps[0].Retries != 2 {
		t.Fatalf("two failures must leave retries == 2, got %d", steps[0].Retries)
	}

	var state map[string]any
	if err := json.Unmarshal(steps[0].State, &state); err != nil {
		t.Fatalf("decode row state: %v", err)
	}
	if got, ok := state["retries"].(float64); !ok || int(got) != 2 {
		t.Fatalf("expected state.retries == 2, got %#v", state["retries"])
	}
	history, ok := state["executed_at"].([]any)
	if !ok || len(history) != 2 {
		t.Fatalf("expected state.executed_at with 2 entries, got %#v", state["executed_at"])
	}
}

func TestAppendStepResolutionKeepsRetryHistory(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusWaiting)

	if err := repo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
		ProcessID: p.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: "waiting",
	}); err != nil {
		t.Fatalf("failure append: %v", err)
	}
	if err := repo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
		ProcessID: p.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: "success",
	}); err != nil {
		t.Fatalf("resolution append: %v", err)
	}

	steps, err := repo.ListSteps(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("the resolution must reuse the pending row, got %d rows", len(steps))
	}
	if steps[0].Outcome != "success" {
		t.Fatalf("expected the row resolved to success, got %q", steps[0].Outcome)
	}
	if steps[0].Retries != 1 {
		t.Fatalf("resolving to success must not bump the counter, got %d", steps[0].Retries)
	}

	var state map[string]any
	if err := json.Unmarshal(steps[0].State, &state); err != nil {
		t.Fatalf("decode row state: %v", err)
	}
	history, ok := state["executed_at"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("the resolved row must keep its single attempt history, got %#v", state["executed_at"])
	}
}

func TestAppendStepAppendsFreshAfterTerminalOutcome(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusCreated)

	if err := repo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
		ProcessID: p.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: "success",
	}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := repo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
		ProcessID: p.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: "success",
	}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	steps, err := repo.ListSteps(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("a terminal outcome must not be collapsed into a later transition, got %d rows", len(steps))
	}
}

func TestAppendStepRetryCounterAcrossInterveningSuccess(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	// Default behavior: a new failure after an in-between success starts a
	// fresh row back at retries=1.
	txReset := testutil.Tx(t, db)
	repo := processrepo.NewRepo(txReset)
	p := testutil.SeedProcess(t, ctx, txReset, "provision_resource", process.StatusCreated)
	for _, outcome := range []string{"waiting", "success", "waiting"} {
		if err := repo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
			ProcessID: p.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: outcome,
		}); err != nil {
			t.Fatalf("append %s: %v", outcome, err)
		}
	}
	steps, err := repo.ListSteps(dbctx.Context{Ctx: ctx}, p.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	last := steps[len(steps)-1]
	if last.Retries != 1 {
		t.Fatalf("with the default reset behavior the fresh failure row must restart at retries=1, got %d", last.Retries)
	}

	// With reset disabled, the new failure row carries the prior counter
	// and attempt history forward.
	txCarry := testutil.Tx(t, db)
	carryRepo := processrepo.NewRepoWithOptions(txCarry, processrepo.Options{ResetRetriesAfterSuccess: false})
	p2 := testutil.SeedProcess(t, ctx, txCarry, "provision_resource", process.StatusCreated)
	for _, outcome := range []string{"waiting", "success", "waiting"} {
		if err := carryRepo.AppendStep(dbctx.Context{Ctx: ctx}, &process.ProcessStep{
			ProcessID: p2.ID, EventType: process.StepEventTransition, StepName: "request_provision", Outcome: outcome,
		}); err != nil {
			t.Fatalf("append %s: %v", outcome, err)
		}
	}
	steps, err = carryRepo.ListSteps(dbctx.Context{Ctx: ctx}, p2.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	last = steps[len(steps)-1]
	if last.Retries != 2 {
		t.Fatalf("with reset disabled the new failure row must continue the counter, got %d", last.Retries)
	}
	var state map[string]any
	if err := json.Unmarshal(last.State, &state); err != nil {
		t.Fatalf("decode row state: %v", err)
	}
	history, ok := state["executed_at"].([]any)
	if !ok || len(history) != 2 {
		t.Fatalf("with reset disabled the attempt history must carry forward, got %#v", state["executed_at"])
	}
}

func TestFindByCallbackToken(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusAwaitingCallback)
	if err := tx.Model(&process.Process{}).Where("id = ?", p.ID).Update("callback_route_token", "tok-abc").Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}

	got, err := repo.FindByCallbackToken(dbctx.Context{Ctx: ctx}, "tok-abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("expected to resolve %s, got %s", p.ID, got.ID)
	}

	if _, err := repo.FindByCallbackToken(dbctx.Context{Ctx: ctx}, "no-such-token"); err != processrepo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWaitingOnlyReturnsArrivedRetries(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	now := time.Now().UTC()
	due := testutil.SeedProcess(t, ctx, tx, "reconcile_inventory", process.StatusWaiting)
	if err := tx.Model(&process.Process{}).Where("id = ?", due.ID).Update("next_retry_at", now.Add(-time.Minute)).Error; err != nil {
		t.Fatalf("seed due: %v", err)
	}
	notDue := testutil.SeedProcess(t, ctx, tx, "reconcile_inventory", process.StatusWaiting)
	if err := tx.Model(&process.Process{}).Where("id = ?", notDue.ID).Update("next_retry_at", now.Add(time.Hour)).Error; err != nil {
		t.Fatalf("seed not due: %v", err)
	}

	procs, err := repo.ListWaiting(dbctx.Context{Ctx: ctx}, now, 10)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	found := false
	for _, p := range procs {
		if p.ID == due.ID {
			found = true
		}
		if p.ID == notDue.ID {
			t.Fatal("a future-dated retry must not be listed as waiting")
		}
	}
	if !found {
		t.Fatal("expected the arrived retry to be listed")
	}
}

func TestListResumableCoversFailedSubclassesAndSkipsRunning(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	now := time.Now().UTC()
	eligible := []*process.Process{
		testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusFailed),
		testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusInconsistentData),
		testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusAPIUnavailable),
	}
	running := testutil.SeedProcess(t, ctx, tx, "provision_resource", process.StatusRunning)

	procs, err := repo.ListResumable(dbctx.Context{Ctx: ctx}, now, 10)
	if err != nil {
		t.Fatalf("list resumable: %v", err)
	}
	byID := map[uuid.UUID]bool{}
	for _, p := range procs {
		byID[p.ID] = true
	}
	for _, p := range eligible {
		if !byID[p.ID] {
			t.Fatalf("expected %s (%s) to be listed as resumable", p.ID, p.LastStatus)
		}
	}
	if byID[running.ID] {
		t.Fatal("a running process must never be listed as resumable")
	}
}

func TestListCompletedBeforeExcludesNonTaskProcesses(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	task := testutil.SeedProcess(t, ctx, tx, "reconcile_inventory", process.StatusCompleted)
	if err := tx.Model(&process.Process{}).Where("id = ?", task.ID).
		Updates(map[string]any{"is_task": true, "updated_at": time.Now().UTC().Add(-48 * time.Hour)}).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	userInitiated := testutil.SeedProcess(t, ctx, tx, "onboard_customer", process.StatusCompleted)
	if err := tx.Model(&process.Process{}).Where("id = ?", userInitiated.ID).
		Updates(map[string]any{"is_task": false, "updated_at": time.Now().UTC().Add(-48 * time.Hour)}).Error; err != nil {
		t.Fatalf("seed user-initiated: %v", err)
	}

	procs, err := repo.ListCompletedBefore(dbctx.Context{Ctx: ctx}, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	for _, p := range procs {
		if p.ID == userInitiated.ID {
			t.Fatal("a user-initiated process must never be eligible for the cleanup sweep")
		}
	}
	found := false
	for _, p := range procs {
		if p.ID == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the old completed task process to be listed")
	}
}

func TestDeleteProcessSoftDeletes(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := processrepo.NewRepo(tx)

	p := testutil.SeedProcess(t, ctx, tx, "decommission_resource", process.StatusCompleted)
	if err := repo.DeleteProcess(dbctx.Context{Ctx: ctx}, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := repo.GetByID(dbctx.Context{Ctx: ctx}, p.ID); err != processrepo.ErrNotFound {
		t.Fatalf("expected a soft-deleted process to read back as not found, got %v", err)
	}

	var count int64
	if err := tx.Unscoped().Model(&process.Process{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
		t.Fatalf("unscoped count: %v", err)
	}
	if count != 1 {
		t.Fatal("expected the row to still exist once the soft-delete scope is lifted")
	}
}
