package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/fluxgate/workflowcore/internal/http/handlers"
	httpMW "github.com/fluxgate/workflowcore/internal/http/middleware"
	"github.com/fluxgate/workflowcore/internal/observability"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// RouterConfig wires the handler/middleware set NewRouter needs. Fields left
// nil are skipped, so a caller can stand up a partial router (e.g. in a test
// harness that only exercises the process resource).
type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	AuthMiddleware *httpMW.AuthMiddleware
	ProcessHandler *httpH.ProcessHandler
	EngineHandler  *httpH.EngineHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("workflowcore"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.RequestLogger(cfg.Log))
	if cfg.Metrics != nil {
		r.Use(httpMW.Metrics(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.ProcessHandler != nil {
		processes := api.Group("/processes")
		{
			processes.POST("", cfg.ProcessHandler.Start)
			processes.GET("/:id", cfg.ProcessHandler.GetProcess)
			processes.POST("/:id/resume", cfg.ProcessHandler.Resume)
			processes.POST("/:id/abort", cfg.ProcessHandler.Abort)
			processes.POST("/:id/callback", cfg.ProcessHandler.DeliverCallback)
		}
	}

	if cfg.EngineHandler != nil {
		engine := api.Group("/engine")
		{
			engine.PUT("/pause", cfg.EngineHandler.SetPause)
			engine.POST("/bulk-resume", cfg.EngineHandler.BulkResume)
		}
	}

	return r
}
