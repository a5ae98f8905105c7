// Package executor drives a persisted Process through its workflow's
// StepList one pass at a time, folding workflow.Outcome.ExecuteStep across
// the steps not yet committed and writing the append-only ProcessStep log.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/domain/process"
	processrepo "github.com/fluxgate/workflowcore/internal/data/repos/process"
	"github.com/fluxgate/workflowcore/internal/engine/registry"
	"github.com/fluxgate/workflowcore/internal/observability"
	"github.com/fluxgate/workflowcore/internal/pkg/dbctx"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// Executor is the single piece of code that actually runs step bodies
// against persisted state. Both the SQL dispatcher's worker pool and the
// Temporal dispatcher's tick activity call Executor.RunOnce.
type Executor struct {
	Repo     processrepo.Repo
	Registry *registry.Registry
	Retry    RetryPolicy
	Log      *logger.Logger
	Now      func() time.Time

	// CommitHash stamps every step row with the workflow-code revision that
	// produced it, for auditing step-list edits across deploys.
	CommitHash string
}

func New(repo processrepo.Repo, reg *registry.Registry, log *logger.Logger) *Executor {
	return &Executor{
		Repo:     repo,
		Registry: reg,
		Retry:    DefaultRetryPolicy(),
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result summarizes one RunOnce pass, for callers (the SQL worker loop, the
// Temporal tick activity) that need to decide whether to reschedule.
type Result struct {
	ProcessID  uuid.UUID
	Status     process.Status
	NextRetryAt *time.Time
	Err        error
}

// RunOnce loads p, resumes its StepList from the step after CurrentStep, and
// folds outcomes until a non-advancing outcome or the StepList is exhausted.
// gate is consulted before the run and again before every step. A pause seen
// before the run returns immediately without persisting any change; a pause
// seen between steps stops the loop and persists the process as resumed at
// the last step that ran, so a dispatcher picks it up again after unpause.
func (e *Executor) RunOnce(ctx context.Context, processID uuid.UUID, gate func() bool) (Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	p, err := e.Repo.GetByID(dbc, processID)
	if err != nil {
		return Result{}, fmt.Errorf("executor: load process %s: %w", processID, err)
	}

	if gate != nil && gate() {
		return Result{ProcessID: processID, Status: p.LastStatus}, nil
	}

	w, ok := e.Registry.Get(p.WorkflowName)
	if !ok {
		return e.terminalFailure(dbc, p, fmt.Errorf("executor: workflow %q not registered", p.WorkflowName))
	}

	state, err := DecodeState(p.State)
	if err != nil {
		return e.terminalFailure(dbc, p, fmt.Errorf("executor: decode state: %w", err))
	}

	startAt, driftedFrom := stepIndexAfter(w.Steps, p.CurrentStep)
	if driftedFrom != "" {
		observability.ReportStructuralDrift(ctx, e.Log, []observability.StructuralDriftAlertMetric{{
			Name:   "step_not_found_after_edit",
			Status: "warning",
			Value:  1,
			Meta: map[string]any{
				"process_id":   processID.String(),
				"workflow":     p.WorkflowName,
				"missing_step": driftedFrom,
			},
		}}, map[string]any{"process_id": processID.String(), "workflow": p.WorkflowName})
	}

	cur := wf.Success(state)
	var lastStepName string
	paused := false

	for i := startAt; i < len(w.Steps); i++ {
		// The pause flag is re-read before every step, not once per run: a
		// lock taken while a long step executes must stop the next step from
		// starting, leaving the process queued to continue after unpause.
		if gate != nil && gate() {
			paused = true
			break
		}
		s := w.Steps[i]
		lastStepName = s.Name

		stepStart := e.Now()
		cur = cur.ExecuteStep(s)
		observability.Current().ObserveStep(s.Name, w.Name, string(cur.Tag), e.Now().Sub(stepStart))

		if cur.Err != nil {
			observability.ReportDataQualityErrors(ctx, e.Log, "step_execution", []string{cur.Err.Error()}, map[string]any{
				"process_id": processID.String(),
				"workflow":   w.Name,
				"step":       s.Name,
			})
		}

		if err := e.appendTransition(dbc, p.ID, s.Name, cur); err != nil {
			return Result{}, fmt.Errorf("executor: append step log: %w", err)
		}
		if !cur.Advances() {
			break
		}
	}

	return e.persistOutcome(dbc, p, lastStepName, cur, paused)
}

func (e *Executor) appendTransition(dbc dbctx.Context, processID uuid.UUID, stepName string, out wf.Outcome) error {
	observability.Current().IncStepPersistAttempted()
	raw, err := EncodeState(out.State)
	if err != nil {
		observability.Current().IncStepPersistFailed()
		return err
	}
	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	if err := e.Repo.AppendStep(dbc, &process.ProcessStep{
		ProcessID:  processID,
		EventType:  process.StepEventTransition,
		StepName:   stepName,
		Outcome:    string(out.Tag),
		State:      raw,
		Error:      errMsg,
		CommitHash: e.CommitHash,
	}); err != nil {
		observability.Current().IncStepPersistFailed()
		return err
	}
	observability.Current().IncStepPersistWritten()
	return nil
}

func (e *Executor) persistOutcome(dbc dbctx.Context, p *process.Process, lastStep string, out wf.Outcome, paused bool) (Result, error) {
	raw, err := EncodeState(out.State)
	if err != nil {
		return Result{}, err
	}

	status := process.Status(out.OverallStatus())
	if paused && out.Advances() {
		// Cut short by the pause gate mid-run: leave the process queued so
		// the dispatcher re-claims it once the lock clears.
		status = process.StatusResumed
	}
	updates := map[string]any{
		"last_status":  status,
		"state":        raw,
		"heartbeat_at": e.Now(),
		"locked_at":    nil,
	}

	// Only advance current_step past a step whose outcome is resolved
	// entirely outside the step body (success/skip/suspend/callback/
	// complete). Waiting and Failed mean the step itself didn't finish -
	// leaving current_step where it was means the next RunOnce re-enters
	// and re-invokes the same step function instead of skipping past it.
	// An empty lastStep means no step ran at all this pass; current_step
	// must survive untouched.
	switch out.Tag {
	case wf.TagWaiting, wf.TagFailed:
	default:
		if lastStep != "" {
			updates["current_step"] = lastStep
		}
	}

	var nextRetry *time.Time
	switch out.Tag {
	case wf.TagWaiting, wf.TagFailed:
		attempts := p.Attempts + 1
		updates["attempts"] = attempts
		if out.Err != nil {
			updates["last_error"] = out.Err.Error()
		}
		if out.Tag == wf.TagWaiting && e.Retry.shouldRetry(attempts) {
			t := e.Now().Add(e.Retry.computeBackoff(attempts))
			nextRetry = &t
			updates["next_retry_at"] = t
			updates["last_status"] = process.StatusWaiting
		} else {
			updates["next_retry_at"] = nil
			if out.Tag == wf.TagWaiting {
				// Retries exhausted: a waiting outcome with no further
				// retry must not stay claimable forever (next_retry_at
				// NULL still matches ClaimNextRunnable), so it becomes
				// a terminal failure instead.
				updates["last_status"] = process.StatusFailed
			}
		}
	case wf.TagAwaitingCallback:
		updates["callback_route_key"] = out.RouteKey
		updates["callback_route_token"] = out.RouteToken
	default:
		updates["next_retry_at"] = nil
	}

	if err := e.Repo.UpdateFieldsUnlessStatus(dbc, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, updates); err != nil {
		return Result{}, err
	}

	return Result{ProcessID: p.ID, Status: process.Status(updates["last_status"].(process.Status)), NextRetryAt: nextRetry, Err: out.Err}, nil
}

func (e *Executor) terminalFailure(dbc dbctx.Context, p *process.Process, err error) (Result, error) {
	updates := map[string]any{
		"last_status": process.StatusFailed,
		"last_error":  err.Error(),
	}
	_ = e.Repo.UpdateFieldsUnlessStatus(dbc, p.ID, []process.Status{process.StatusAborted, process.StatusCompleted}, updates)
	return Result{ProcessID: p.ID, Status: process.StatusFailed, Err: err}, err
}

// stepIndexAfter returns the index to resume at: the step immediately after
// currentStep, or 0 when currentStep is empty (a fresh process). When
// currentStep is non-empty but absent from steps - the workflow's StepList
// was edited out from under an in-flight process - it also returns
// currentStep as the second value so the caller can report structural drift;
// the fallback resume point is still 0.
func stepIndexAfter(steps wf.StepList, currentStep string) (int, string) {
	if currentStep == "" {
		return 0, ""
	}
	for i, s := range steps {
		if s.Name == currentStep {
			return i + 1, ""
		}
	}
	return 0, currentStep
}

func DecodeState(raw []byte) (wf.State, error) {
	if len(raw) == 0 {
		return wf.State{}, nil
	}
	var state wf.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = wf.State{}
	}
	return state, nil
}

func EncodeState(state wf.State) ([]byte, error) {
	if state == nil {
		state = wf.State{}
	}
	return json.Marshal(state)
}
