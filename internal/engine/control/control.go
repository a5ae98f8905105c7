// Package control implements the synchronous control surface: start,
// resume, abort, get_process, set_engine_pause, bulk_resume and
// deliver_callback. It is the seam between the HTTP/Temporal transports and
// the pure step algebra plus the executor - every operation here returns an
// apierr before any durable write when its checks fail; the writes that
// follow (a step-log row, then the header update) are separate repo calls,
// not one transaction.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	processrepo "github.com/fluxgate/workflowcore/internal/data/repos/process"
	"github.com/fluxgate/workflowcore/internal/domain/process"
	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/engine/distlock"
	"github.com/fluxgate/workflowcore/internal/engine/executor"
	"github.com/fluxgate/workflowcore/internal/engine/gate"
	"github.com/fluxgate/workflowcore/internal/engine/registry"
	"github.com/fluxgate/workflowcore/internal/observability"
	"github.com/fluxgate/workflowcore/internal/pkg/dbctx"
	"github.com/fluxgate/workflowcore/internal/platform/apierr"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// Notifier is the optional broadcast collaborator: called after every
// persisted transition; the engine never interprets its return.
type Notifier interface {
	Publish(processID uuid.UUID, status string, step string)
}

// Service wires the registry, executor, repo, gate and distlock into the
// control-surface operations. Testing, when true, runs the executor inline
// on the calling goroutine instead of leaving dispatch to the worker pool's
// poll loop. Set from a `testing` config flag ("run inline when true"), and
// is what lets the scenario tests in this package observe a terminal
// outcome without a sleep.
type Service struct {
	Repo     processrepo.Repo
	Registry *registry.Registry
	Executor *executor.Executor
	Gate     *gate.Gate
	Lock     distlock.NamedLock
	Notify   Notifier
	Log      *logger.Logger
	Testing  bool
	Now      func() time.Time

	// CommitHash stamps new Process rows with the workflow-code revision in
	// effect when they were started.
	CommitHash string
}

func New(repo processrepo.Repo, reg *registry.Registry, exec *executor.Executor, g *gate.Gate, lock distlock.NamedLock, log *logger.Logger) *Service {
	return &Service{
		Repo:     repo,
		Registry: reg,
		Executor: exec,
		Gate:     g,
		Lock:     lock,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func fieldNames(ve *wf.ValidationError) []string {
	if ve == nil {
		return nil
	}
	names := make([]string, 0, len(ve.Fields))
	for name := range ve.Fields {
		names = append(names, name)
	}
	return names
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) notify(p *process.Process, stepName string) {
	if s.Notify == nil || p == nil {
		return
	}
	s.Notify.Publish(p.ID, string(p.LastStatus), stepName)
}

// runOrDispatch runs the executor inline when Testing is set; otherwise the
// worker pool's poll loop (or the Temporal dispatcher's signal) will pick the
// process up on its own schedule.
func (s *Service) runOrDispatch(ctx dbctx.Context, processID uuid.UUID) {
	if !s.Testing || s.Executor == nil {
		return
	}
	var gateFn func() bool
	if s.Gate != nil {
		gateFn = s.Gate.Func(ctx.Ctx)
	}
	_, err := s.Executor.RunOnce(ctx.Ctx, processID, gateFn)
	if err != nil && s.Log != nil {
		s.Log.Error("inline executor run failed", "process_id", processID, "error", err)
	}
}

// Start creates a new process for a registered workflow and runs it until it
// first suspends, waits, fails or completes.
func (s *Service) Start(ctx context.Context, workflowName string, userInputs []map[string]any, user string, principal wf.Principal) (uuid.UUID, error) {
	dbc := dbctx.Context{Ctx: ctx}

	w, ok := s.Registry.Get(workflowName)
	if !ok {
		return uuid.Nil, apierr.WorkflowNotFound(fmt.Errorf("workflow %q is not registered", workflowName))
	}
	if w.AuthorizeCallback != nil && !w.AuthorizeCallback(principal) {
		return uuid.Nil, apierr.Forbidden(fmt.Errorf("principal %q is not authorized to start %q", principal.Subject, workflowName))
	}
	if w.RunPredicate != nil && !w.RunPredicate() {
		return uuid.Nil, apierr.StartPredicateError(fmt.Errorf("start predicate rejected %q", workflowName))
	}

	state := wf.State{}
	if w.InitialInputForm != nil {
		observability.Current().IncFormShown(workflowName)
		merged, err := wf.PostForm(w.InitialInputForm(), state, userInputs)
		if err != nil {
			var nce *wf.NotCompleteError
			var ve *wf.ValidationError
			switch {
			case errors.As(err, &nce):
				return uuid.Nil, apierr.FormNotComplete(err)
			case errors.As(err, &ve):
				observability.ReportDataQualityMissingKeys(ctx, s.Log, "start_form", fieldNames(ve), map[string]any{"workflow": workflowName})
				return uuid.Nil, apierr.FormValidationError(err)
			default:
				return uuid.Nil, apierr.New(500, apierr.CodeServiceUnavailable, err)
			}
		}
		observability.Current().IncFormCompleted(workflowName)
		state = state.Merge(merged)
	}

	raw, err := executor.EncodeState(state)
	if err != nil {
		return uuid.Nil, err
	}

	p := &process.Process{
		ID:           uuid.New(),
		WorkflowName: w.Name,
		Target:       string(w.Target),
		LastStatus:   process.StatusCreated,
		State:        processrepo.MarshalState(raw),
		CreatedBy:    user,
		CommitHash:   s.CommitHash,
		Assignee:     string(wf.AssigneeSystem),
	}
	if err := s.Repo.Create(dbc, p); err != nil {
		return uuid.Nil, err
	}
	if err := s.Repo.AppendStep(dbc, &process.ProcessStep{
		ProcessID: p.ID,
		EventType: process.StepEventLifecycle,
		Outcome:   "created",
		CreatedBy: user,
	}); err != nil {
		return uuid.Nil, err
	}

	s.runOrDispatch(dbc, p.ID)
	s.notify(p, "")
	return p.ID, nil
}

// resumableFrom is the set of last_status values a process may be resumed
// from; running/resumed/completed are conflicts.
var resumableFrom = map[process.Status]bool{
	process.StatusSuspended:        true,
	process.StatusWaiting:          true,
	process.StatusFailed:           true,
	process.StatusInconsistentData: true,
	process.StatusAPIUnavailable:   true,
}

// Resume drives a suspended, waiting or failed process forward. For a
// suspended process it drives the inputstep's form generator
// to completion with userInputs, merging the result into state; for a
// waiting/failed process it simply clears the process to run again, since
// current_step was deliberately left unadvanced by the executor so the
// failing step re-executes.
func (s *Service) Resume(ctx context.Context, processID uuid.UUID, userInputs []map[string]any, user string) error {
	dbc := dbctx.Context{Ctx: ctx}

	p, err := s.Repo.GetByID(dbc, processID)
	if err != nil {
		if errors.Is(err, processrepo.ErrNotFound) {
			return apierr.NotFound(err)
		}
		return err
	}
	if !resumableFrom[p.LastStatus] {
		return apierr.Conflict(fmt.Errorf("process %s cannot be resumed from status %q", processID, p.LastStatus))
	}

	w, ok := s.Registry.Get(p.WorkflowName)
	if !ok {
		return apierr.WorkflowNotFound(fmt.Errorf("workflow %q is not registered", p.WorkflowName))
	}

	state, err := executor.DecodeState(p.State)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"last_status":   process.StatusResumed,
		"next_retry_at": nil,
	}

	if p.LastStatus == process.StatusSuspended {
		var target *wf.Step
		for i := range w.Steps {
			if w.Steps[i].Name == p.CurrentStep {
				target = &w.Steps[i]
				break
			}
		}
		if target == nil || target.Form == nil {
			return apierr.Conflict(fmt.Errorf("process %s has no pending form at step %q", processID, p.CurrentStep))
		}
		observability.Current().IncFormShown(p.WorkflowName)
		merged, err := wf.PostForm(target.Form(), state, userInputs)
		if err != nil {
			var nce *wf.NotCompleteError
			var ve *wf.ValidationError
			switch {
			case errors.As(err, &nce):
				return apierr.FormNotComplete(err)
			case errors.As(err, &ve):
				observability.ReportDataQualityMissingKeys(ctx, s.Log, "resume_form", fieldNames(ve), map[string]any{"workflow": p.WorkflowName, "step": p.CurrentStep})
				return apierr.FormValidationError(err)
			default:
				return err
			}
		}
		observability.Current().IncFormCompleted(p.WorkflowName)
		newState := state.Merge(merged)
		raw, err := executor.EncodeState(newState)
		if err != nil {
			return err
		}
		updates["state"] = processrepo.MarshalState(raw)

		if err := s.Repo.AppendStep(dbc, &process.ProcessStep{
			ProcessID: p.ID,
			EventType: process.StepEventTransition,
			StepName:  p.CurrentStep,
			Outcome:   string(wf.TagSuccess),
			CreatedBy: user,
		}); err != nil {
			return err
		}
	} else {
		if err := s.Repo.AppendStep(dbc, &process.ProcessStep{
			ProcessID: p.ID,
			EventType: process.StepEventLifecycle,
			Outcome:   "resumed",
			CreatedBy: user,
		}); err != nil {
			return err
		}
	}

	if err := s.Repo.UpdateFieldsUnlessStatus(dbc, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, updates); err != nil {
		return err
	}

	s.runOrDispatch(dbc, p.ID)
	s.notify(p, p.CurrentStep)
	return nil
}

// Abort terminates a process: a no-op when the process is already aborted
// or already completed.
func (s *Service) Abort(ctx context.Context, processID uuid.UUID, user string) error {
	start := time.Now()
	status := "aborted"
	defer func() { observability.Current().ObserveAbort(time.Since(start), status) }()

	dbc := dbctx.Context{Ctx: ctx}

	p, err := s.Repo.GetByID(dbc, processID)
	if err != nil {
		status = "error"
		if errors.Is(err, processrepo.ErrNotFound) {
			return apierr.NotFound(err)
		}
		return err
	}
	if p.LastStatus == process.StatusAborted || p.LastStatus == process.StatusCompleted {
		status = "noop"
		return nil
	}

	if err := s.Repo.AppendStep(dbc, &process.ProcessStep{
		ProcessID: p.ID,
		EventType: process.StepEventLifecycle,
		StepName:  p.CurrentStep,
		Outcome:   string(wf.TagAbort),
		Error:     "User Aborted",
		CreatedBy: user,
	}); err != nil {
		status = "error"
		return err
	}

	updates := map[string]any{"last_status": process.StatusAborted, "next_retry_at": nil}
	if err := s.Repo.UpdateFieldsUnlessStatus(dbc, p.ID, []process.Status{process.StatusCompleted}, updates); err != nil {
		status = "error"
		return err
	}
	s.notify(p, p.CurrentStep)
	return nil
}

// GetProcess returns the process header plus its ordered step log.
func (s *Service) GetProcess(ctx context.Context, processID uuid.UUID) (*process.Process, []process.ProcessStep, error) {
	dbc := dbctx.Context{Ctx: ctx}
	p, err := s.Repo.GetByID(dbc, processID)
	if err != nil {
		if errors.Is(err, processrepo.ErrNotFound) {
			return nil, nil, apierr.NotFound(err)
		}
		return nil, nil, err
	}
	steps, err := s.Repo.ListSteps(dbc, processID)
	if err != nil {
		return nil, nil, err
	}
	return p, steps, nil
}

// SetEnginePause toggles the global pause gate.
func (s *Service) SetEnginePause(ctx context.Context, paused bool, updatedBy string) (process.EngineSettings, error) {
	if err := s.Gate.SetPaused(ctx, paused, updatedBy); err != nil {
		return process.EngineSettings{}, err
	}
	return s.Gate.GetSettings(ctx)
}

// BulkResume resumes every failed or waiting process whose retry has
// arrived, serialized behind a named lock so two concurrent operators
// calling bulk_resume don't both dispatch the same backlog twice. Running
// and still-queued resumed processes are skipped by the listing itself.
func (s *Service) BulkResume(ctx context.Context, user string) (int, error) {
	release, ok, err := s.Lock.TryLock(ctx, "resume-all", 30*time.Second)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apierr.Conflict(fmt.Errorf("bulk_resume already in progress"))
	}
	defer release(ctx)

	dbc := dbctx.Context{Ctx: ctx}
	procs, err := s.Repo.ListResumable(dbc, s.now(), 500)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range procs {
		updates := map[string]any{"last_status": process.StatusResumed, "next_retry_at": nil}
		if err := s.Repo.UpdateFieldsUnlessStatus(dbc, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, updates); err != nil {
			if s.Log != nil {
				s.Log.Error("bulk_resume: update failed", "process_id", p.ID, "error", err)
			}
			continue
		}
		_ = s.Repo.AppendStep(dbc, &process.ProcessStep{
			ProcessID: p.ID,
			EventType: process.StepEventLifecycle,
			Outcome:   "resumed",
			CreatedBy: user,
		})
		s.runOrDispatch(dbc, p.ID)
		count++
	}
	return count, nil
}

// DeliverCallback resolves an AwaitingCallback process: the token must
// match the process addressed by processID, and the process must actually
// be waiting on a callback.
func (s *Service) DeliverCallback(ctx context.Context, processID uuid.UUID, routeToken string, payload map[string]any) error {
	dbc := dbctx.Context{Ctx: ctx}

	p, err := s.Repo.FindByCallbackToken(dbc, routeToken)
	if err != nil {
		if errors.Is(err, processrepo.ErrNotFound) {
			return apierr.NotFound(err)
		}
		return err
	}
	if p.ID != processID {
		return apierr.New(409, apierr.CodeConflict, fmt.Errorf("callback token does not match process %s", processID))
	}
	if p.LastStatus != process.StatusAwaitingCallback {
		return apierr.Conflict(fmt.Errorf("process %s is not awaiting a callback", processID))
	}

	state, err := executor.DecodeState(p.State)
	if err != nil {
		return err
	}
	merged := state.Merge(wf.State{"__callback_payload": payload})
	raw, err := executor.EncodeState(merged)
	if err != nil {
		return err
	}

	if err := s.Repo.AppendStep(dbc, &process.ProcessStep{
		ProcessID: p.ID,
		EventType: process.StepEventTransition,
		StepName:  p.CurrentStep,
		Outcome:   string(wf.TagSuccess),
	}); err != nil {
		return err
	}

	updates := map[string]any{
		"last_status":          process.StatusResumed,
		"state":                processrepo.MarshalState(raw),
		"callback_route_key":   "",
		"callback_route_token": "",
	}
	if err := s.Repo.UpdateFieldsUnlessStatus(dbc, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, updates); err != nil {
		return err
	}

	s.runOrDispatch(dbc, p.ID)
	s.notify(p, p.CurrentStep)
	return nil
}

// ResumeWaiting is the task-maintenance sweep: for every waiting process
// whose retry has arrived, run the executor directly rather than waiting
// for the next poll tick, since this is itself the scheduled maintenance
// trigger (e.g. a cron-driven SYSTEM workflow or a Temporal activity).
func (s *Service) ResumeWaiting(ctx context.Context, limit int) (int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	procs, err := s.Repo.ListWaiting(dbc, s.now(), limit)
	if err != nil {
		return 0, err
	}
	var gateFn func() bool
	if s.Gate != nil {
		gateFn = s.Gate.Func(ctx)
	}
	count := 0
	for _, p := range procs {
		if _, err := s.Executor.RunOnce(ctx, p.ID, gateFn); err != nil {
			if s.Log != nil {
				s.Log.Error("resume_waiting: run failed", "process_id", p.ID, "error", err)
			}
			continue
		}
		count++
	}
	return count, nil
}

// CleanupCompletedTasks deletes finished task processes older than
// retentionDays (config key task_log_retention_days).
func (s *Service) CleanupCompletedTasks(ctx context.Context, retentionDays int, limit int) (int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	procs, err := s.Repo.ListCompletedBefore(dbc, cutoff, limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range procs {
		if err := s.Repo.DeleteProcess(dbc, p.ID); err != nil {
			if s.Log != nil {
				s.Log.Error("cleanup_completed_tasks: delete failed", "process_id", p.ID, "error", err)
			}
			continue
		}
		count++
	}
	return count, nil
}
