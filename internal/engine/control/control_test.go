package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	processrepo "github.com/fluxgate/workflowcore/internal/data/repos/process"
	"github.com/fluxgate/workflowcore/internal/domain/process"
	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/engine/distlock"
	"github.com/fluxgate/workflowcore/internal/engine/executor"
	"github.com/fluxgate/workflowcore/internal/engine/registry"
	"github.com/fluxgate/workflowcore/internal/pkg/dbctx"
	"github.com/fluxgate/workflowcore/internal/platform/apierr"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// fakeRepo is a complete in-memory processrepo.Repo, exercising the control
// surface without a database. Unlike the executor package's fake (which
// stubs the methods the executor never calls), this one implements
// FindByCallbackToken, ListWaiting and ListCompletedBefore for real, since
// control.Service relies on all three.
type fakeRepo struct {
	mu    sync.Mutex
	procs map[uuid.UUID]*process.Process
	steps map[uuid.UUID][]process.ProcessStep
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{procs: map[uuid.UUID]*process.Process{}, steps: map[uuid.UUID][]process.ProcessStep{}}
}

func (r *fakeRepo) Create(_ dbctx.Context, p *process.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	r.procs[p.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, processrepo.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) ClaimNextRunnable(dbctx.Context, string) (*process.Process, error) {
	return nil, processrepo.ErrNotFound
}

func (r *fakeRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]any) error {
	return r.UpdateFieldsUnlessStatus(dbctx.Context{}, id, nil, updates)
}

func (r *fakeRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowed []process.Status, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return processrepo.ErrNotFound
	}
	for _, d := range disallowed {
		if p.LastStatus == d {
			return nil
		}
	}
	if v, ok := updates["last_status"]; ok {
		p.LastStatus = v.(process.Status)
	}
	if v, ok := updates["current_step"]; ok {
		p.CurrentStep = v.(string)
	}
	if v, ok := updates["state"]; ok {
		switch s := v.(type) {
		case datatypes.JSON:
			p.State = s
		case []byte:
			p.State = datatypes.JSON(s)
		}
	}
	if v, ok := updates["callback_route_key"]; ok {
		p.CallbackRouteKey = v.(string)
	}
	if v, ok := updates["callback_route_token"]; ok {
		p.CallbackRouteToken = v.(string)
	}
	if v, ok := updates["next_retry_at"]; ok {
		if v == nil {
			p.NextRetryAt = nil
		} else {
			t := v.(time.Time)
			p.NextRetryAt = &t
		}
	}
	return nil
}

func (r *fakeRepo) Heartbeat(dbctx.Context, uuid.UUID) error { return nil }

func (r *fakeRepo) AppendStep(_ dbctx.Context, s *process.ProcessStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[s.ProcessID] = append(r.steps[s.ProcessID], *s)
	return nil
}

func (r *fakeRepo) ListSteps(_ dbctx.Context, processID uuid.UUID) ([]process.ProcessStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.ProcessStep(nil), r.steps[processID]...), nil
}

func (r *fakeRepo) FindByCallbackToken(_ dbctx.Context, token string) (*process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.procs {
		if p.CallbackRouteToken == token {
			cp := *p
			return &cp, nil
		}
	}
	return nil, processrepo.ErrNotFound
}

func (r *fakeRepo) ListWaiting(_ dbctx.Context, now time.Time, limit int) ([]process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []process.Process
	for _, p := range r.procs {
		if p.LastStatus != process.StatusWaiting {
			continue
		}
		if p.NextRetryAt != nil && p.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) ListResumable(_ dbctx.Context, now time.Time, limit int) ([]process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resumable := map[process.Status]bool{
		process.StatusFailed:           true,
		process.StatusInconsistentData: true,
		process.StatusAPIUnavailable:   true,
		process.StatusWaiting:          true,
	}
	var out []process.Process
	for _, p := range r.procs {
		if !resumable[p.LastStatus] {
			continue
		}
		if p.NextRetryAt != nil && p.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) ListCompletedBefore(_ dbctx.Context, cutoff time.Time, limit int) ([]process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []process.Process
	for _, p := range r.procs {
		if p.LastStatus != process.StatusCompleted {
			continue
		}
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, *p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) CountRunning(dbctx.Context) (int64, error) { return 0, nil }

func (r *fakeRepo) DeleteProcess(_ dbctx.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}
	return log
}

func newService(t *testing.T, reg *registry.Registry, repo *fakeRepo) *Service {
	t.Helper()
	exec := executor.New(repo, reg, testLogger(t))
	svc := New(repo, reg, exec, nil, distlock.NewInMemory(), testLogger(t))
	svc.Testing = true
	return svc
}

func registerEcho(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	w := wf.Workflow{Name: name, Steps: wf.Of(
		wf.Step{Name: "only", Fn: func(s wf.State) wf.Outcome { return wf.Complete(s) }},
	)}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestStartRunsInlineAndCompletes(t *testing.T) {
	reg := registry.New()
	registerEcho(t, reg, "greet")
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id, err := svc.Start(context.Background(), "greet", nil, "alice", wf.Principal{Subject: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := repo.GetByID(dbctx.Context{}, id)
	if p.LastStatus != process.StatusCompleted {
		t.Fatalf("expected completed, got %s", p.LastStatus)
	}
}

func TestStartUnknownWorkflowReturnsNotFound(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	_, err := svc.Start(context.Background(), "nope", nil, "alice", wf.Principal{})
	if err == nil {
		t.Fatal("expected error for unregistered workflow")
	}
}

func TestStartRejectsWhenRunPredicateFails(t *testing.T) {
	reg := registry.New()
	w := wf.Workflow{
		Name:         "gated",
		Steps:        wf.Of(wf.Step{Name: "only", Fn: func(s wf.State) wf.Outcome { return wf.Complete(s) }}),
		RunPredicate: func() bool { return false },
	}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	_, err := svc.Start(context.Background(), "gated", nil, "alice", wf.Principal{})
	if err == nil {
		t.Fatal("expected start predicate rejection")
	}
}

// namePromptForm asks once for "name" and is done on first submit.
type namePromptForm struct {
	value map[string]any
	done  bool
}

func (f *namePromptForm) NextForm(wf.State) (wf.FormStep, error) {
	if f.done {
		return wf.FormStep{Done: true, Value: f.value}, nil
	}
	return wf.FormStep{Schema: wf.FormSchema{"name": "string"}}, nil
}

func (f *namePromptForm) Submit(input map[string]any) error {
	if _, ok := input["name"]; !ok {
		return &wf.ValidationError{Fields: map[string]string{"name": "required"}}
	}
	f.value = input
	f.done = true
	return nil
}

func TestStartSuspendsAtInputStepAndResumeCompletes(t *testing.T) {
	reg := registry.New()
	factory := func() wf.FormGenerator { return &namePromptForm{} }
	var seenName any
	w := wf.Workflow{Name: "greet_by_name", Steps: wf.Of(
		wf.Step{Name: "init", Fn: func(s wf.State) wf.Outcome { return wf.Success(s) }},
		wf.Step{Name: "collect_name", Form: factory, Fn: func(s wf.State) wf.Outcome { return wf.Suspend(s, factory) }},
		wf.Step{Name: "greet", Fn: func(s wf.State) wf.Outcome {
			seenName, _ = s.Get("name")
			return wf.Complete(s)
		}},
	)}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id, err := svc.Start(context.Background(), "greet_by_name", nil, "alice", wf.Principal{Subject: "alice"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := repo.GetByID(dbctx.Context{}, id)
	if p.LastStatus != process.StatusSuspended {
		t.Fatalf("expected the run to suspend at the inputstep, got %s", p.LastStatus)
	}
	if p.CurrentStep != "collect_name" {
		t.Fatalf("expected current_step at the inputstep, got %q", p.CurrentStep)
	}

	if err := svc.Resume(context.Background(), id, nil, "alice"); err == nil {
		t.Fatal("expected form_not_complete resuming with no input")
	}

	if err := svc.Resume(context.Background(), id, []map[string]any{{"name": "A"}}, "alice"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = repo.GetByID(dbctx.Context{}, id)
	if p.LastStatus != process.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", p.LastStatus)
	}
	if seenName != "A" {
		t.Fatalf("expected the submitted name merged into state, got %v", seenName)
	}
}

func TestResumeConflictsForRunningOrCompleted(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	for _, status := range []process.Status{process.StatusRunning, process.StatusResumed, process.StatusCompleted} {
		id := uuid.New()
		if err := repo.Create(dbctx.Context{}, &process.Process{ID: id, WorkflowName: "x", LastStatus: status, State: []byte("{}")}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := svc.Resume(context.Background(), id, nil, "op"); err == nil {
			t.Fatalf("expected conflict resuming from %s", status)
		}
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	reg := registry.New()
	registerEcho(t, reg, "abortable")
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{ID: id, WorkflowName: "abortable", LastStatus: process.StatusSuspended, State: []byte("{}")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.Abort(context.Background(), id, "op"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Abort(context.Background(), id, "op"); err != nil {
		t.Fatalf("a second abort on an already-aborted process must be a no-op, got %v", err)
	}
}

func TestAbortOfCompletedProcessIsNoop(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{ID: id, WorkflowName: "done", LastStatus: process.StatusCompleted, State: []byte("{}")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.Abort(context.Background(), id, "op"); err != nil {
		t.Fatalf("aborting a completed process must be a no-op, got %v", err)
	}
	stored, _ := repo.GetByID(dbctx.Context{}, id)
	if stored.LastStatus != process.StatusCompleted {
		t.Fatalf("expected the process to stay completed, got %s", stored.LastStatus)
	}
}

func TestGetProcessReturnsHeaderAndSteps(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{ID: id, WorkflowName: "x", LastStatus: process.StatusCreated, State: []byte("{}")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := repo.AppendStep(dbctx.Context{}, &process.ProcessStep{ProcessID: id, EventType: process.StepEventLifecycle, Outcome: "created"}); err != nil {
		t.Fatalf("seed step: %v", err)
	}

	p, steps, err := svc.GetProcess(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != id {
		t.Fatalf("expected process %s, got %s", id, p.ID)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
}

func TestGetProcessNotFound(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	_, _, err := svc.GetProcess(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestDeliverCallbackRequiresMatchingProcessAndToken(t *testing.T) {
	reg := registry.New()
	registerEcho(t, reg, "cb")
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{
		ID: id, WorkflowName: "cb", LastStatus: process.StatusAwaitingCallback,
		State: []byte("{}"), CallbackRouteToken: "tok-1", CallbackRouteKey: "provision",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.DeliverCallback(context.Background(), id, "wrong-token", nil); err == nil {
		t.Fatal("expected not-found for an unknown token")
	}

	other := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{ID: other, WorkflowName: "cb", LastStatus: process.StatusCreated, State: []byte("{}")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.DeliverCallback(context.Background(), other, "tok-1", nil); err == nil {
		t.Fatal("expected conflict when the token resolves to a different process")
	}

	if err := svc.DeliverCallback(context.Background(), id, "tok-1", map[string]any{"approved": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := repo.GetByID(dbctx.Context{}, id)
	if p.CallbackRouteToken != "" {
		t.Fatal("expected the route token to be cleared once the callback is delivered")
	}
}

func TestDeliverCallbackRejectsWhenNotAwaiting(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	id := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{
		ID: id, WorkflowName: "cb", LastStatus: process.StatusRunning,
		State: []byte("{}"), CallbackRouteToken: "tok-2",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.DeliverCallback(context.Background(), id, "tok-2", nil); err == nil {
		t.Fatal("expected conflict delivering a callback to a non-awaiting process")
	}
}

func TestBulkResumeResumesEligibleWaitingProcesses(t *testing.T) {
	reg := registry.New()
	registerEcho(t, reg, "sweep")
	repo := newFakeRepo()
	svc := newService(t, reg, repo)
	svc.Now = func() time.Time { return time.Unix(1000, 0) }

	past := time.Unix(900, 0)
	id := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{
		ID: id, WorkflowName: "sweep", LastStatus: process.StatusWaiting, State: []byte("{}"), NextRetryAt: &past,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	failedID := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{
		ID: failedID, WorkflowName: "sweep", LastStatus: process.StatusFailed, State: []byte("{}"),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	runningID := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{
		ID: runningID, WorkflowName: "sweep", LastStatus: process.StatusRunning, State: []byte("{}"),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := svc.BulkResume(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected the waiting and failed processes resumed and the running one skipped, got %d", n)
	}
	for _, pid := range []uuid.UUID{id, failedID} {
		p, _ := repo.GetByID(dbctx.Context{}, pid)
		if p.LastStatus != process.StatusCompleted {
			t.Fatalf("expected the inline executor run to drive %s to completed, got %s", pid, p.LastStatus)
		}
	}
	running, _ := repo.GetByID(dbctx.Context{}, runningID)
	if running.LastStatus != process.StatusRunning {
		t.Fatalf("a running process must not be touched by bulk_resume, got %s", running.LastStatus)
	}
}

func TestBulkResumeSerializesBehindNamedLock(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	lock := distlock.NewInMemory()
	release, ok, err := lock.TryLock(context.Background(), "resume-all", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected to acquire the lock directly, err=%v ok=%v", err, ok)
	}
	defer release(context.Background())

	exec := executor.New(repo, reg, testLogger(t))
	svc := New(repo, reg, exec, nil, lock, testLogger(t))
	svc.Testing = true

	if _, err := svc.BulkResume(context.Background(), "operator"); err == nil {
		t.Fatal("expected a conflict when bulk_resume is already in progress")
	}
}

func TestResumeWaitingSweepsAndCountsRunOutcomes(t *testing.T) {
	reg := registry.New()
	registerEcho(t, reg, "task")
	repo := newFakeRepo()
	svc := newService(t, reg, repo)
	svc.Now = func() time.Time { return time.Unix(1000, 0) }

	past := time.Unix(900, 0)
	for i := 0; i < 3; i++ {
		id := uuid.New()
		if err := repo.Create(dbctx.Context{}, &process.Process{
			ID: id, WorkflowName: "task", LastStatus: process.StatusWaiting, State: []byte("{}"), NextRetryAt: &past,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	n, err := svc.ResumeWaiting(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 processes swept, got %d", n)
	}
}

func TestCleanupCompletedTasksDeletesOnlyBeforeRetention(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)
	svc.Now = func() time.Time { return time.Unix(100000, 0) }

	old := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{ID: old, WorkflowName: "x", LastStatus: process.StatusCompleted, State: []byte("{}")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repo.procs[old].UpdatedAt = time.Unix(0, 0)

	recent := uuid.New()
	if err := repo.Create(dbctx.Context{}, &process.Process{ID: recent, WorkflowName: "x", LastStatus: process.StatusCompleted, State: []byte("{}")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repo.procs[recent].UpdatedAt = time.Unix(99999, 0)

	n, err := svc.CleanupCompletedTasks(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 process deleted, got %d", n)
	}
	if _, err := repo.GetByID(dbctx.Context{}, old); err == nil {
		t.Fatal("expected the old completed process to be deleted")
	}
	if _, err := repo.GetByID(dbctx.Context{}, recent); err != nil {
		t.Fatal("expected the recent completed process to survive")
	}
}

func TestDeliverCallbackNotFoundErrorIsApierr(t *testing.T) {
	reg := registry.New()
	repo := newFakeRepo()
	svc := newService(t, reg, repo)

	err := svc.DeliverCallback(context.Background(), uuid.New(), "ghost", nil)
	var apiErr *apierr.Error
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asApierr(err, &apiErr) {
		t.Fatalf("expected an *apierr.Error, got %T", err)
	}
	if apiErr.Status != 404 {
		t.Fatalf("expected 404, got %d", apiErr.Status)
	}
}

func asApierr(err error, target **apierr.Error) bool {
	if ae, ok := err.(*apierr.Error); ok {
		*target = ae
		return true
	}
	return false
}
