// Package handlers adapts the control-surface Service (internal/engine/control)
// onto gin HTTP handlers - one thin handler per control-surface operation, mapping
// apierr codes onto HTTP statuses and JSON payloads. One struct per
// resource, method per route, response.RespondOK/RespondError for every
// outcome.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/engine/control"
	"github.com/fluxgate/workflowcore/internal/http/response"
	"github.com/fluxgate/workflowcore/internal/platform/apierr"
	"github.com/fluxgate/workflowcore/internal/platform/ctxutil"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

type ProcessHandler struct {
	log *logger.Logger
	svc *control.Service
}

func NewProcessHandler(log *logger.Logger, svc *control.Service) *ProcessHandler {
	return &ProcessHandler{log: log.With("handler", "ProcessHandler"), svc: svc}
}

func principalFrom(c *gin.Context) workflow.Principal {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		return workflow.Principal{}
	}
	return rd.Principal
}

// respondErr maps an apierr onto its HTTP status and code in the response
// envelope; any other error is rendered as a 500 internal_error.
func respondErr(c *gin.Context, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		response.RespondError(c, ae.Status, ae.Code, ae.Err)
		return
	}
	response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
}

type startRequest struct {
	WorkflowName string                   `json:"workflow_name" binding:"required"`
	UserInputs   []map[string]any         `json:"user_inputs"`
}

// Start handles POST /api/processes.
func (h *ProcessHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	principal := principalFrom(c)
	user := principal.Subject
	id, err := h.svc.Start(c.Request.Context(), req.WorkflowName, req.UserInputs, user, principal)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"process_id": id})
}

type resumeRequest struct {
	UserInputs []map[string]any `json:"user_inputs"`
}

// Resume handles POST /api/processes/:id/resume.
func (h *ProcessHandler) Resume(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	principal := principalFrom(c)
	if err := h.svc.Resume(c.Request.Context(), id, req.UserInputs, principal.Subject); err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// Abort handles POST /api/processes/:id/abort.
func (h *ProcessHandler) Abort(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	principal := principalFrom(c)
	if err := h.svc.Abort(c.Request.Context(), id, principal.Subject); err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// GetProcess handles GET /api/processes/:id.
func (h *ProcessHandler) GetProcess(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	p, steps, err := h.svc.GetProcess(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"process": p, "steps": steps})
}

type callbackRequest struct {
	RouteToken string         `json:"route_token" binding:"required"`
	Payload    map[string]any `json:"payload"`
}

// DeliverCallback handles POST /api/processes/:id/callback.
func (h *ProcessHandler) DeliverCallback(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	if err := h.svc.DeliverCallback(c.Request.Context(), id, req.RouteToken, req.Payload); err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}
