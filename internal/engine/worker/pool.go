// Package worker implements the SQL-backed dispatcher: a bounded pool of
// goroutines that claim runnable processes and drive them through the
// executor: a claim-heartbeat-persist loop (WORKER_CONCURRENCY env,
// 1s-ticker runLoop, heartbeat goroutine, panic recovery) guarded by the
// global-pause gate.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/workflowcore/internal/data/repos/process"
	"github.com/fluxgate/workflowcore/internal/engine/executor"
	"github.com/fluxgate/workflowcore/internal/engine/gate"
	"github.com/fluxgate/workflowcore/internal/observability"
	"github.com/fluxgate/workflowcore/internal/pkg/dbctx"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
	"github.com/fluxgate/workflowcore/internal/utils"
)

// Pool is the SQLDispatcher: concurrency is bounded by WORKER_CONCURRENCY
// goroutines, each polling process.Repo.ClaimNextRunnable on a fixed tick.
type Pool struct {
	log       *logger.Logger
	repo      process.Repo
	exec      *executor.Executor
	gate      *gate.Gate
	pollEvery time.Duration

	inflight atomic.Int64
	eg       *errgroup.Group
}

func NewPool(log *logger.Logger, repo process.Repo, exec *executor.Executor, g *gate.Gate) *Pool {
	return &Pool{log: log, repo: repo, exec: exec, gate: g, pollEvery: time.Second}
}

// Start spawns WORKER_CONCURRENCY (default 4) worker goroutines under an
// errgroup.Group bound to ctx, plus a heartbeat goroutine for the currently
// claimed process on each, returning once the goroutines are launched
// (Start itself does not block; call Wait to observe pool shutdown).
func (p *Pool) Start(ctx context.Context) {
	n := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, p.log)
	if n < 1 {
		n = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(n)
	p.eg = eg
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		eg.Go(func() error {
			p.runLoop(egCtx, workerID)
			return nil
		})
	}
}

// Wait blocks until every worker goroutine launched by Start has returned
// (i.e. until ctx is canceled). It returns nil: worker goroutines never
// return an error, and a panic while running a process is recovered and
// logged inside runClaimed.
func (p *Pool) Wait() error {
	if p.eg == nil {
		return nil
	}
	return p.eg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickOnce(ctx, workerID)
		}
	}
}

func (p *Pool) tickOnce(ctx context.Context, workerID string) {
	if p.gate != nil && p.gate.Paused(ctx) {
		return
	}
	dbc := dbctx.Context{Ctx: ctx}
	proc, err := p.repo.ClaimNextRunnable(dbc, workerID)
	if err != nil {
		p.log.Error("claim next runnable process failed", "worker", workerID, "error", err)
		return
	}
	if proc == nil {
		return
	}
	p.runClaimed(ctx, workerID, proc.ID)
}

func (p *Pool) runClaimed(ctx context.Context, workerID string, processID uuid.UUID) {
	observability.Current().SetDispatchQueueDepth("sql", int(p.inflight.Add(1)))
	defer func() {
		observability.Current().SetDispatchQueueDepth("sql", int(p.inflight.Add(-1)))
	}()

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(hbCtx, processID)

	if p.gate != nil {
		_ = p.gate.IncRunning(ctx)
		defer func() { _ = p.gate.DecRunning(ctx) }()
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while running process", "worker", workerID, "process_id", processID, "panic", r)
		}
	}()

	var gateFn func() bool
	if p.gate != nil {
		gateFn = p.gate.Func(ctx)
	}
	if _, err := p.exec.RunOnce(ctx, processID, gateFn); err != nil {
		p.log.Error("executor run failed", "worker", workerID, "process_id", processID, "error", err)
	}
}

func (p *Pool) heartbeat(ctx context.Context, processID uuid.UUID) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.repo.Heartbeat(dbctx.Context{Ctx: ctx}, processID)
		}
	}
}
