package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	redisclient "github.com/fluxgate/workflowcore/internal/clients/redis"
	"github.com/fluxgate/workflowcore/internal/data/db"
	processrepo "github.com/fluxgate/workflowcore/internal/data/repos/process"
	"github.com/fluxgate/workflowcore/internal/engine/control"
	"github.com/fluxgate/workflowcore/internal/engine/distlock"
	"github.com/fluxgate/workflowcore/internal/engine/executor"
	"github.com/fluxgate/workflowcore/internal/engine/gate"
	"github.com/fluxgate/workflowcore/internal/engine/registry"
	"github.com/fluxgate/workflowcore/internal/engine/worker"
	workflowhttp "github.com/fluxgate/workflowcore/internal/http"
	"github.com/fluxgate/workflowcore/internal/http/handlers"
	"github.com/fluxgate/workflowcore/internal/http/middleware"
	"github.com/fluxgate/workflowcore/internal/observability"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
	"github.com/fluxgate/workflowcore/internal/temporalx"
	"github.com/fluxgate/workflowcore/internal/temporalx/temporalworker"
	"github.com/fluxgate/workflowcore/internal/workflows"

	goredis "github.com/redis/go-redis/v9"
)

// App is every wired collaborator the bootstrap assembles: Postgres
// service, router, background workers, graceful Close.
type App struct {
	Log    *logger.Logger
	Config Config

	db      *gorm.DB
	pg      *db.PostgresService
	redis   *goredis.Client
	metrics *observability.Metrics

	Registry *registry.Registry
	Gate     *gate.Gate
	Lock     distlock.NamedLock
	Executor *executor.Executor
	Control  *control.Service

	server *workflowhttp.Server
	pool   *worker.Pool
	runner *temporalworker.Runner

	cancel context.CancelFunc
}

// broadcastNotifier adapts redisclient.Broadcaster onto control.Notifier;
// publish errors are logged, not surfaced, since the engine never
// interprets the broadcast's semantics.
type broadcastNotifier struct {
	log *logger.Logger
	b   redisclient.Broadcaster
}

func (n *broadcastNotifier) Publish(processID uuid.UUID, status string, step string) {
	if n == nil || n.b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := n.b.Publish(ctx, redisclient.StatusEvent{
		ProcessID: processID.String(),
		Status:    status,
		Step:      step,
	}); err != nil && n.log != nil {
		n.log.Warn("broadcast publish failed", "process_id", processID, "error", err)
	}
}

// New assembles the engine: logger, Postgres + migrations, optional Redis,
// metrics/otel, the registry (with the demonstration workflows registered),
// the repo/gate/distlock/executor/control stack, and the HTTP server.
func New() (*App, error) {
	log, err := logger.New("development")
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	cfg := LoadConfig(log)
	if cfg.Mode != "" {
		if remade, lerr := logger.New(cfg.Mode); lerr == nil {
			log = remade
		}
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	gdb := pg.DB()
	if err := db.AutoMigrateAll(gdb); err != nil {
		return nil, fmt.Errorf("app: automigrate: %w", err)
	}

	metrics := observability.Init(log)
	_ = observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "workflowcore",
		Environment: cfg.Mode,
	})

	var rdb *goredis.Client
	var broadcaster redisclient.Broadcaster
	var lock distlock.NamedLock = distlock.NewInMemory()
	if cfg.RedisEnabled {
		rdb, err = redisclient.NewClient()
		if err != nil {
			log.Warn("redis unavailable; falling back to in-memory lock/no broadcast", "error", err)
		} else {
			broadcaster, err = redisclient.NewBroadcaster(log, rdb)
			if err != nil {
				log.Warn("redis broadcaster init failed", "error", err)
				broadcaster = nil
			}
			lock = distlock.NewRedis(rdb, "")
		}
	}

	reg := registry.New()
	reg.Recorder = processrepo.NewWorkflowRecordRepo(gdb)
	if err := workflows.RegisterAll(reg); err != nil {
		return nil, fmt.Errorf("app: register demonstration workflows: %w", err)
	}

	repo := processrepo.NewRepoWithOptions(gdb, processrepo.Options{
		ResetRetriesAfterSuccess: cfg.ResetRetriesAfterSuccess,
	})
	g := gate.New(gdb, 2*time.Second)
	exec := executor.New(repo, reg, log)
	exec.CommitHash = cfg.WorkflowCommitHash

	svc := control.New(repo, reg, exec, g, lock, log)
	svc.Testing = cfg.Testing
	svc.CommitHash = cfg.WorkflowCommitHash
	if broadcaster != nil {
		svc.Notify = &broadcastNotifier{log: log, b: broadcaster}
	}

	authMW := middleware.NewAuthMiddleware(log, cfg.JWTSecret)
	processHandler := handlers.NewProcessHandler(log, svc)
	engineHandler := handlers.NewEngineHandler(log, svc)
	healthHandler := handlers.NewHealthHandler()

	srv := workflowhttp.NewServer(workflowhttp.RouterConfig{
		Log:            log,
		Metrics:        metrics,
		AuthMiddleware: authMW,
		ProcessHandler: processHandler,
		EngineHandler:  engineHandler,
		HealthHandler:  healthHandler,
	})

	a := &App{
		Log:      log,
		Config:   cfg,
		db:       gdb,
		pg:       pg,
		redis:    rdb,
		metrics:  metrics,
		Registry: reg,
		Gate:     g,
		Lock:     lock,
		Executor: exec,
		Control:  svc,
		server:   srv,
	}

	if cfg.DispatchBackend == DispatchTemporal {
		tc, terr := temporalx.NewClient(log)
		if terr != nil {
			return nil, fmt.Errorf("app: temporal client: %w", terr)
		}
		if tc != nil {
			runner, rerr := temporalworker.NewRunner(log, tc, exec, g)
			if rerr != nil {
				return nil, fmt.Errorf("app: temporal worker: %w", rerr)
			}
			a.runner = runner
		} else {
			log.Warn("DISPATCH_BACKEND=temporal but TEMPORAL_ADDRESS is unset; falling back to sql dispatch")
			a.pool = worker.NewPool(log, repo, exec, g)
		}
	} else {
		a.pool = worker.NewPool(log, repo, exec, g)
	}

	return a, nil
}

// Start launches the background components: the HTTP server's caller drives
// Run separately, but the worker/dispatcher, the resume_waiting daemon and
// the cleanup_completed_tasks sweep all start here, bound to an internal
// context that Close cancels.
func (a *App) Start(runServer, runWorker bool) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if runWorker {
		if a.pool != nil {
			a.pool.Start(ctx)
		}
		if a.runner != nil {
			go func() {
				if err := a.runner.Start(ctx); err != nil && a.Log != nil {
					a.Log.Error("temporal worker failed to start", "error", err)
				}
			}()
		}
		a.startResumeWaitingDaemon(ctx)
		a.startCleanupDaemon(ctx)
	}

	if a.metrics != nil {
		addr := fmt.Sprintf(":%s", "9090")
		a.metrics.StartServer(ctx, a.Log, addr)
		a.metrics.StartPostgresCollector(ctx, a.Log, a.db)
		a.metrics.StartProcessQueueCollector(ctx, a.Log, a.db)
		if a.redis != nil {
			a.metrics.StartRedisCollector(ctx, a.Log, a.redis.Options().Addr)
		}
		a.metrics.StartSLOEvaluator(ctx, a.Log)
	}
}

// startResumeWaitingDaemon periodically calls ResumeWaiting so a Waiting
// process whose retry has arrived gets re-dispatched without an operator's
// intervention.
func (a *App) startResumeWaitingDaemon(ctx context.Context) {
	interval := time.Duration(a.Config.ResumeWaitingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if a.Gate != nil && a.Gate.Paused(ctx) {
					continue
				}
				n, err := a.Control.ResumeWaiting(ctx, a.Config.ResumeWaitingBatchSize)
				if err != nil {
					a.Log.Error("resume_waiting sweep failed", "error", err)
					continue
				}
				if n > 0 {
					a.Log.Info("resume_waiting sweep", "resumed", n)
				}
			}
		}
	}()
}

// startCleanupDaemon periodically deletes completed task processes older
// than task_log_retention_days.
func (a *App) startCleanupDaemon(ctx context.Context) {
	interval := time.Duration(a.Config.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := a.Control.CleanupCompletedTasks(ctx, a.Config.TaskLogRetentionDays, a.Config.CleanupBatchSize)
				if err != nil {
					a.Log.Error("cleanup_completed_tasks sweep failed", "error", err)
					continue
				}
				if n > 0 {
					a.Log.Info("cleanup_completed_tasks sweep", "deleted", n)
				}
			}
		}
	}()
}

// Run starts the HTTP server, blocking until it exits.
func (a *App) Run(address string) error {
	return a.server.Run(address)
}

// Close stops the background components and releases external connections.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.pool != nil {
		if err := a.pool.Wait(); err != nil {
			a.Log.Error("worker pool shutdown error", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.Log.Sync()
}
