// Package app wires every engine collaborator (registry, repo, executor,
// gate, distlock, dispatcher, HTTP surface) into one process. Config is
// the env-driven knob set the bootstrap reads before anything else opens
// a connection.
package app

import (
	"strings"

	"github.com/fluxgate/workflowcore/internal/platform/logger"
	"github.com/fluxgate/workflowcore/internal/utils"
)

// DispatchBackend selects which concrete Dispatcher implementation drives
// claimed processes: the bounded-goroutine SQL pool (default) or a
// per-process Temporal workflow.
type DispatchBackend string

const (
	DispatchSQL      DispatchBackend = "sql"
	DispatchTemporal DispatchBackend = "temporal"
)

// Config carries every env-driven knob the bootstrap needs.
type Config struct {
	Mode      string // "development"/"production", passed to logger.New
	JWTSecret string

	TaskLogRetentionDays int
	MaxWorkers           int
	Testing              bool
	CacheDomainModels    bool

	DispatchBackend DispatchBackend

	ResumeWaitingIntervalSeconds  int
	CleanupIntervalSeconds        int
	ResumeWaitingBatchSize        int
	CleanupBatchSize              int

	RedisEnabled             bool
	WorkflowCommitHash       string
	ResetRetriesAfterSuccess bool
}

// LoadConfig reads every engine knob from the environment, logging
// whichever value (env or default) was used via utils.GetEnv.
func LoadConfig(log *logger.Logger) Config {
	backend := strings.ToLower(strings.TrimSpace(utils.GetEnv("DISPATCH_BACKEND", string(DispatchSQL), log)))
	if backend != string(DispatchTemporal) {
		backend = string(DispatchSQL)
	}

	return Config{
		Mode:      utils.GetEnv("APP_MODE", "development", log),
		JWTSecret: utils.GetEnv("JWT_SECRET", "dev-secret-change-me", log),

		TaskLogRetentionDays: utils.GetEnvAsInt("TASK_LOG_RETENTION_DAYS", 30, log),
		MaxWorkers:           utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		Testing:              envTrue(utils.GetEnv("TESTING", "false", log)),
		CacheDomainModels:    envTrue(utils.GetEnv("CACHE_DOMAIN_MODELS", "true", log)),

		DispatchBackend: DispatchBackend(backend),

		ResumeWaitingIntervalSeconds: utils.GetEnvAsInt("RESUME_WAITING_INTERVAL_SECONDS", 15, log),
		CleanupIntervalSeconds:       utils.GetEnvAsInt("CLEANUP_INTERVAL_SECONDS", 3600, log),
		ResumeWaitingBatchSize:       utils.GetEnvAsInt("RESUME_WAITING_BATCH_SIZE", 200, log),
		CleanupBatchSize:             utils.GetEnvAsInt("CLEANUP_BATCH_SIZE", 500, log),

		RedisEnabled:             envTrue(utils.GetEnv("REDIS_ENABLED", "false", log)),
		WorkflowCommitHash:       utils.GetEnv("WORKFLOW_COMMIT_HASH", "unknown", log),
		ResetRetriesAfterSuccess: envTrue(utils.GetEnv("RESET_RETRIES_AFTER_SUCCESS", "true", log)),
	}
}

func envTrue(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
