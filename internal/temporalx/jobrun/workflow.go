package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow is the TemporalDispatcher's per-process loop: it ticks
// ActivityTick until the process reaches a terminal status (completed,
// aborted, failed), waiting on SignalResume (with a bounded poll fallback)
// while the process is suspended or awaiting a callback, and continuing-as-
// new once the tick count or history length crosses a threshold so the
// workflow history never grows unbounded for a long-lived process.
func Workflow(ctx workflow.Context) error {
	processID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if processID == "" {
		return fmt.Errorf("jobrun: missing process_id")
	}

	const (
		defaultPollInterval = 2 * time.Second
		suspendPollInterval = 2 * time.Minute
		continueTickLimit   = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	tickCount := 0

	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, processID).Get(ctx, &out); err != nil {
			return err
		}

		switch strings.ToLower(strings.TrimSpace(out.Status)) {
		case "completed", "aborted":
			return nil
		case "failed":
			return fmt.Errorf("process failed")
		case "suspended", "awaiting_callback":
			waitForResumeOrPoll(ctx, resumeCh, suspendPollInterval)
		case "waiting":
			if err := workflow.Sleep(ctx, nextWait(ctx, out.NextRetryAt, defaultPollInterval)); err != nil {
				return err
			}
		default:
			if err := workflow.Sleep(ctx, defaultPollInterval); err != nil {
				return err
			}
		}

		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func waitForResumeOrPoll(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
	})
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}

func nextWait(ctx workflow.Context, retryAt *time.Time, def time.Duration) time.Duration {
	if retryAt == nil || retryAt.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	if retryAt.Before(now) {
		return def
	}
	d := retryAt.Sub(now)
	if d <= 0 {
		return def
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks int, maxTicks int, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
