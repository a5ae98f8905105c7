package jobrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/workflowcore/internal/engine/executor"
	"github.com/fluxgate/workflowcore/internal/engine/gate"
	"github.com/fluxgate/workflowcore/internal/platform/logger"

	"go.temporal.io/sdk/activity"
)

// Activities wraps the same Executor the SQLDispatcher worker pool ticks,
// so the two dispatch backends execute identical step logic and differ only
// in who schedules the tick.
type Activities struct {
	Log  *logger.Logger
	Exec *executor.Executor
	Gate *gate.Gate
}

func (a *Activities) Tick(ctx context.Context, processID string) (TickResult, error) {
	res := TickResult{ProcessID: strings.TrimSpace(processID)}
	if a == nil || a.Exec == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}

	id, err := uuid.Parse(res.ProcessID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid process_id %q", processID)
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	var gateFn func() bool
	if a.Gate != nil {
		gateFn = a.Gate.Func(ctx)
	}

	result, err := a.Exec.RunOnce(ctx, id, gateFn)
	if err != nil {
		return res, err
	}
	res.Status = string(result.Status)
	res.NextRetryAt = result.NextRetryAt
	return res, nil
}

// startHeartbeat records a Temporal activity heartbeat on a fixed tick so a
// long-running process tick (a step body that itself blocks) doesn't trip
// the activity's heartbeat timeout.
func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
