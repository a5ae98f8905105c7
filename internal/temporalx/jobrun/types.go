// Package jobrun is the TemporalDispatcher's workflow definition: one
// long-running Temporal workflow per Process, ticking the same Executor
// every SQLDispatcher worker goroutine ticks, continuing-as-new to bound
// history growth.
package jobrun

import "time"

const (
	WorkflowName = "process_dispatch"
	ActivityTick = "process_tick"
	SignalResume = "process_resume"
)

// TickResult is ActivityTick's return value: enough of Executor.Result for
// the workflow loop to decide whether to sleep, wait for a signal, continue,
// or terminate.
type TickResult struct {
	ProcessID   string     `json:"process_id"`
	Status      string     `json:"status"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}
