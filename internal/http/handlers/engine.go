package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/workflowcore/internal/engine/control"
	"github.com/fluxgate/workflowcore/internal/http/response"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// EngineHandler exposes the engine-wide operations: global pause and the
// bulk_resume maintenance sweep.
type EngineHandler struct {
	log *logger.Logger
	svc *control.Service
}

func NewEngineHandler(log *logger.Logger, svc *control.Service) *EngineHandler {
	return &EngineHandler{log: log.With("handler", "EngineHandler"), svc: svc}
}

type setPauseRequest struct {
	Paused bool `json:"paused"`
}

// SetPause handles PUT /api/engine/pause.
func (h *EngineHandler) SetPause(c *gin.Context) {
	var req setPauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	principal := principalFrom(c)
	settings, err := h.svc.SetEnginePause(c.Request.Context(), req.Paused, principal.Subject)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, settings)
}

// BulkResume handles POST /api/engine/bulk-resume.
func (h *EngineHandler) BulkResume(c *gin.Context) {
	principal := principalFrom(c)
	count, err := h.svc.BulkResume(c.Request.Context(), principal.Subject)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"count": count})
}

// HealthHandler answers liveness probes.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
