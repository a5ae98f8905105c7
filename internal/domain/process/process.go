// Package process holds the durable row shapes the executor persists
// against: Process, ProcessStep, EngineSettings, ProcessSubscription and
// WorkflowRecord. Their column layout generalizes a single flat job row
// into a process header plus an append-only step log.
package process

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status mirrors workflow.Outcome.OverallStatus()'s vocabulary as persisted
// on the Process header row.
type Status string

const (
	StatusCreated           Status = "created"
	StatusRunning           Status = "running"
	StatusResumed           Status = "resumed"
	StatusSuspended         Status = "suspended"
	StatusAwaitingCallback  Status = "awaiting_callback"
	StatusWaiting           Status = "waiting"
	StatusAborted           Status = "aborted"
	StatusFailed            Status = "failed"
	StatusInconsistentData  Status = "inconsistent_data"
	StatusAPIUnavailable    Status = "api_unavailable"
	StatusCompleted         Status = "completed"
)

// Process is the header row for one workflow run: current state, last
// outcome, and the bookkeeping the executor needs to find runnable work.
type Process struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowName string         `gorm:"column:workflow_name;index;not null"`
	Target       string         `gorm:"column:target;not null"`
	LastStatus   Status         `gorm:"column:last_status;index;not null"`
	CurrentStep  string         `gorm:"column:current_step"`
	Assignee     string         `gorm:"column:assignee;index"`
	State        datatypes.JSON `gorm:"column:state"`
	CreatedBy    string         `gorm:"column:created_by"`
	CommitHash   string         `gorm:"column:commit_hash"`

	Attempts    int        `gorm:"column:attempts;not null;default:0"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at;index"`
	LastError   string     `gorm:"column:last_error"`

	LockedAt    *time.Time `gorm:"column:locked_at"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at"`

	CallbackRouteKey   string `gorm:"column:callback_route_key"`
	CallbackRouteToken string `gorm:"column:callback_route_token;index"`

	// IsTask marks processes created as scheduled/recurring maintenance
	// work rather than user-initiated runs, so the cleanup sweep only
	// touches this subset.
	IsTask bool `gorm:"column:is_task;index;not null;default:false"`

	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (Process) TableName() string { return "process" }

// StepEventType distinguishes the two kinds of rows in the append-only log:
// a step transition, and an external lifecycle event (start/resume/abort).
type StepEventType string

const (
	StepEventTransition StepEventType = "transition"
	StepEventLifecycle  StepEventType = "lifecycle"
)

// ProcessStep is one row in a process's step log. Rows are appended, never
// deleted; the one exception to append-only is that when the latest row is a
// pending outcome (waiting, failed, suspend, awaiting_callback) of the same
// step, the step's next transition updates that row in place, and a repeated
// transient outcome there bumps Retries and extends the executed_at attempt
// history inside State. Retries mirrors the retries
// key in State; N failures of one step leave one row with both at N.
// Split out of the header row's flat history into its own table.
type ProcessStep struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ProcessID uuid.UUID      `gorm:"column:process_id;index;not null"`
	EventType StepEventType  `gorm:"column:event_type;not null"`
	StepName  string         `gorm:"column:step_name"`
	Outcome   string         `gorm:"column:outcome;not null"`
	Retries   int            `gorm:"column:retries;not null;default:0"`
	State      datatypes.JSON `gorm:"column:state"`
	Error      string         `gorm:"column:error"`
	CreatedBy  string         `gorm:"column:created_by"`
	CommitHash string         `gorm:"column:commit_hash"`
	CreatedAt  time.Time      `gorm:"column:created_at;index"`
}

func (ProcessStep) TableName() string { return "process_step" }

// EngineSettings is the single-row table gating the global pause flag.
// Reads happen through a short-TTL in-process cache; writes lock the
// row with a blocking (non-SKIP-LOCKED) SELECT FOR UPDATE since callers must
// wait for the one row rather than move on to another.
type EngineSettings struct {
	ID               int       `gorm:"primaryKey;autoIncrement:false"`
	GlobalLock       bool      `gorm:"column:global_lock;not null;default:false"`
	RunningProcesses int       `gorm:"column:running_processes;not null;default:0"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
	UpdatedBy        string    `gorm:"column:updated_by"`
}

func (EngineSettings) TableName() string { return "engine_settings" }

// EngineSettingsRowID is the fixed id of the single settings row.
const EngineSettingsRowID = 1

// ProcessSubscription links a process to a subscription it affects, tagged
// with the workflow target that touched it. Written by the per-target
// builder prologue steps, read by collaborators, never by the executor.
type ProcessSubscription struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProcessID      uuid.UUID `gorm:"column:process_id;index;not null"`
	SubscriptionID uuid.UUID `gorm:"column:subscription_id;index;not null"`
	WorkflowTarget string    `gorm:"column:workflow_target;not null"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (ProcessSubscription) TableName() string { return "process_subscription" }

// WorkflowRecord is the persisted registration metadata for a workflow name:
// soft-deletable so in-flight processes can still resolve their workflow via
// Registry.Get while Registry.List only surfaces active ones.
type WorkflowRecord struct {
	Name        string         `gorm:"primaryKey;column:name"`
	Description string         `gorm:"column:description"`
	Target      string         `gorm:"column:target"`
	CommitHash  string         `gorm:"column:commit_hash"`
	RegisteredAt time.Time     `gorm:"column:registered_at"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (WorkflowRecord) TableName() string { return "workflow_record" }
