// Package process persists Process/ProcessStep rows: transaction threading
// (dbc.Tx falling back to the repo's own *gorm.DB), the claim query under
// SKIP LOCKED, and the guarded unless-status update over a process header
// plus an append-only step log.
package process

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fluxgate/workflowcore/internal/domain/process"
	"github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/pkg/dbctx"
)

var ErrNotFound = errors.New("process: not found")

type Repo interface {
	Create(dbc dbctx.Context, p *process.Process) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*process.Process, error)
	ClaimNextRunnable(dbc dbctx.Context, workerID string) (*process.Process, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []process.Status, updates map[string]any) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	AppendStep(dbc dbctx.Context, step *process.ProcessStep) error
	ListSteps(dbc dbctx.Context, processID uuid.UUID) ([]process.ProcessStep, error)
	FindByCallbackToken(dbc dbctx.Context, token string) (*process.Process, error)
	ListWaiting(dbc dbctx.Context, now time.Time, limit int) ([]process.Process, error)
	ListResumable(dbc dbctx.Context, now time.Time, limit int) ([]process.Process, error)
	ListCompletedBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]process.Process, error)
	CountRunning(dbc dbctx.Context) (int64, error)
	DeleteProcess(dbc dbctx.Context, id uuid.UUID) error
}

// Options tunes repo behavior that is deliberately configuration, not code.
type Options struct {
	// ResetRetriesAfterSuccess controls the retry counter when the same step
	// fails again after an in-between successful attempt: true (the default)
	// starts a fresh row at retries=1; false carries the previous failure
	// row's counter forward into the new row.
	ResetRetriesAfterSuccess bool
}

type gormRepo struct {
	db   *gorm.DB
	opts Options
}

func NewRepo(db *gorm.DB) Repo {
	return NewRepoWithOptions(db, Options{ResetRetriesAfterSuccess: true})
}

func NewRepoWithOptions(db *gorm.DB, opts Options) Repo {
	return &gormRepo{db: db, opts: opts}
}

func (r *gormRepo) tx(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *gormRepo) Create(dbc dbctx.Context, p *process.Process) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.tx(dbc).Create(p).Error
}

func (r *gormRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*process.Process, error) {
	var p process.Process
	if err := r.tx(dbc).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ClaimNextRunnable locks and returns the oldest process whose next_retry_at
// has arrived and isn't currently locked by another worker, using SKIP
// LOCKED so competing workers never block on each other.
func (r *gormRepo) ClaimNextRunnable(dbc dbctx.Context, workerID string) (*process.Process, error) {
	var claimed *process.Process
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var candidate process.Process
		now := time.Now().UTC()
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("last_status IN ?", []process.Status{
				process.StatusCreated,
				process.StatusResumed,
				process.StatusWaiting,
			}).
			Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
			Order("next_retry_at ASC NULLS FIRST, created_at ASC").
			Limit(1)
		if err := q.First(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		updates := map[string]any{
			"locked_at":    now,
			"heartbeat_at": now,
		}
		if err := txx.Model(&process.Process{}).Where("id = ?", candidate.ID).Updates(updates).Error; err != nil {
			return err
		}
		candidate.LockedAt = &now
		candidate.HeartbeatAt = &now
		claimed = &candidate
		return nil
	})
	return claimed, err
}

func (r *gormRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	return r.tx(dbc).Model(&process.Process{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateFieldsUnlessStatus guards a write against racing with a terminal
// transition (e.g. a concurrent abort): the update silently matches zero
// rows instead of clobbering it.
func (r *gormRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []process.Status, updates map[string]any) error {
	q := r.tx(dbc).Model(&process.Process{}).Where("id = ?", id)
	if len(disallowed) == 1 {
		q = q.Where("last_status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("last_status NOT IN ?", disallowed)
	}
	return q.Updates(updates).Error
}

func (r *gormRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).Model(&process.Process{}).Where("id = ?", id).Update("heartbeat_at", time.Now().UTC()).Error
}

// pendingOutcomes are the transition outcomes left open for the same step to
// resolve later: a retry (waiting/failed) or an external wakeup (suspend/
// awaiting_callback). A repeated transition on the same step while its
// latest row is still in one of these updates that row in place (bumping
// its outcome/state/error) instead of appending a new one - this is also
// what makes a resumed suspend update in place rather than append, falling
// out of the same rule as the Waiting/Failed retry counter instead of
// needing two separate code paths.
var pendingOutcomes = []string{
	string(workflow.TagWaiting),
	string(workflow.TagFailed),
	string(workflow.TagSuspend),
	string(workflow.TagAwaitingCallback),
}

// retryOutcomes are the subset of pending outcomes that count as failed
// attempts of the step body itself and therefore bump the retry
// bookkeeping; a suspend or awaiting_callback is a planned stop, not a
// retry.
var retryOutcomes = []string{
	string(workflow.TagWaiting),
	string(workflow.TagFailed),
}

// Retry bookkeeping keys kept inside a transition row's state JSON: retries
// counts failed attempts of the step (N failures -> retries == N) and
// executed_at lists one timestamp per attempt.
const (
	stateKeyRetries    = "retries"
	stateKeyExecutedAt = "executed_at"
)

func decodeRowState(raw datatypes.JSON) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

func encodeRowState(m map[string]any) datatypes.JSON {
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func executedAtList(m map[string]any) []any {
	l, _ := m[stateKeyExecutedAt].([]any)
	return l
}

// AppendStep writes one row to the process's step log. A fresh Waiting/
// Failed row seeds retry bookkeeping in its state (retries=1, executed_at
// with the attempt's timestamp). If the latest row for this process is a
// pending outcome on the same step name, it is updated in place rather
// than appended to: a repeated failure increments state.retries and
// appends the attempt timestamp to state.executed_at, while a resolution
// to any other outcome keeps the accumulated bookkeeping without a bump.
// The row's created_at is never touched after insert, so the log stays
// totally ordered by it. Any other case - a different step name, a
// terminal latest row, or no rows yet - appends fresh.
func (r *gormRepo) AppendStep(dbc dbctx.Context, step *process.ProcessStep) error {
	tx := r.tx(dbc)
	now := time.Now().UTC()

	if step.StepName != "" {
		var latest process.ProcessStep
		err := tx.
			Where("process_id = ? AND event_type = ?", step.ProcessID, process.StepEventTransition).
			Order("created_at DESC").
			Limit(1).
			First(&latest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && latest.StepName == step.StepName && containsString(pendingOutcomes, latest.Outcome) {
			merged := decodeRowState(step.State)
			retries := latest.Retries
			history := executedAtList(decodeRowState(latest.State))
			if containsString(retryOutcomes, step.Outcome) {
				retries++
				history = append(history, now.Format(time.RFC3339Nano))
			}
			if retries > 0 {
				merged[stateKeyRetries] = retries
			}
			if len(history) > 0 {
				merged[stateKeyExecutedAt] = history
			}
			updates := map[string]any{
				"outcome":     step.Outcome,
				"state":       encodeRowState(merged),
				"error":       step.Error,
				"retries":     retries,
				"created_by":  step.CreatedBy,
				"commit_hash": step.CommitHash,
			}
			return tx.Model(&process.ProcessStep{}).Where("id = ?", latest.ID).Updates(updates).Error
		}
	}

	if step.StepName != "" && containsString(retryOutcomes, step.Outcome) {
		retries := 1
		history := []any{now.Format(time.RFC3339Nano)}

		// An in-between successful attempt leaves the step's previous row
		// resolved, so a renewed failure would otherwise restart at
		// retries=1. With reset disabled, the fresh row inherits the
		// accumulated counter and attempt history from that step's most
		// recent row instead.
		if !r.opts.ResetRetriesAfterSuccess {
			var prior process.ProcessStep
			err := tx.
				Where("process_id = ? AND event_type = ? AND step_name = ?",
					step.ProcessID, process.StepEventTransition, step.StepName).
				Order("created_at DESC").
				Limit(1).
				First(&prior).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err == nil {
				retries += prior.Retries
				history = append(executedAtList(decodeRowState(prior.State)), history...)
			}
		}

		st := decodeRowState(step.State)
		st[stateKeyRetries] = retries
		st[stateKeyExecutedAt] = history
		step.State = encodeRowState(st)
		step.Retries = retries
	}

	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	return tx.Create(step).Error
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (r *gormRepo) ListSteps(dbc dbctx.Context, processID uuid.UUID) ([]process.ProcessStep, error) {
	var steps []process.ProcessStep
	err := r.tx(dbc).Where("process_id = ?", processID).Order("created_at ASC").Find(&steps).Error
	return steps, err
}

func (r *gormRepo) FindByCallbackToken(dbc dbctx.Context, token string) (*process.Process, error) {
	var p process.Process
	err := r.tx(dbc).Where("callback_route_token = ?", token).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *gormRepo) ListWaiting(dbc dbctx.Context, now time.Time, limit int) ([]process.Process, error) {
	var procs []process.Process
	err := r.tx(dbc).
		Where("last_status = ?", process.StatusWaiting).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("next_retry_at ASC NULLS FIRST").
		Limit(limit).
		Find(&procs).Error
	return procs, err
}

// ListResumable lists every process bulk_resume may pick up: failed (in any
// subclass) or waiting with its retry time arrived. Resumed processes are
// already queued for the worker pool and are deliberately skipped, as are
// running ones.
func (r *gormRepo) ListResumable(dbc dbctx.Context, now time.Time, limit int) ([]process.Process, error) {
	var procs []process.Process
	err := r.tx(dbc).
		Where("last_status IN ?", []process.Status{
			process.StatusFailed,
			process.StatusInconsistentData,
			process.StatusAPIUnavailable,
			process.StatusWaiting,
		}).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&procs).Error
	return procs, err
}

// ListCompletedBefore lists completed task processes eligible for cleanup -
// it deliberately excludes user-initiated processes (is_task = false) and
// any non-completed status (an aborted task keeps its row for inspection).
func (r *gormRepo) ListCompletedBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]process.Process, error) {
	var procs []process.Process
	err := r.tx(dbc).
		Where("is_task = ?", true).
		Where("last_status = ?", process.StatusCompleted).
		Where("updated_at < ?", cutoff).
		Limit(limit).
		Find(&procs).Error
	return procs, err
}

// CountRunning reports processes currently mid-execution. Nothing reconciles
// EngineSettings.RunningProcesses against it; that counter is maintained only
// by gate.IncRunning/DecRunning.
func (r *gormRepo) CountRunning(dbc dbctx.Context) (int64, error) {
	var n int64
	err := r.tx(dbc).Model(&process.Process{}).
		Where("last_status IN ?", []process.Status{
			process.StatusRunning,
			process.StatusResumed,
		}).
		Count(&n).Error
	return n, err
}

// DeleteProcess soft-deletes a finished task process; the step log rows are
// left in place since they are append-only history, not owned by the header
// row's lifecycle.
func (r *gormRepo) DeleteProcess(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).Where("id = ?", id).Delete(&process.Process{}).Error
}

// MarshalState is a thin helper so callers don't import datatypes directly.
func MarshalState(raw []byte) datatypes.JSON { return datatypes.JSON(raw) }
