package tool

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Handler exposes the client-facing tool mediation endpoints: the catalog,
// execution lookups, and the result post that unblocks waiting agents.
type Handler struct {
	svc *Service
	log *logger.Logger
}

// NewHandler creates the tool HTTP handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes registers tool endpoints on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tools", h.listTools)
	rg.GET("/tool-executions/:id", h.getExecution)
	rg.POST("/tool-executions/:id/result", h.postResult)
	rg.GET("/sessions/:id/tool-executions", h.listExecutions)
}

func (h *Handler) listTools(c *gin.Context) {
	defs := h.svc.Definitions()
	out := make([]gin.H, 0, len(defs))
	for _, d := range defs {
		out = append(out, gin.H{
			"name":        d.Name,
			"description": d.Description,
			"base_risk":   d.BaseRisk,
			"schema":      json.RawMessage(d.Schema),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

func (h *Handler) getExecution(c *gin.Context) {
	scope := tenant.ScopeFrom(c)
	exec, err := h.svc.Get(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, exec)
}

type resultRequest struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// postResult ingests the client's execution outcome. Accepted only while the
// execution is in the executing state.
func (h *Handler) postResult(c *gin.Context) {
	scope := tenant.ScopeFrom(c)

	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "validation"})
		return
	}

	if err := h.svc.SubmitResult(c.Request.Context(), scope, c.Param("id"), req.Success, req.Result); err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *Handler) listExecutions(c *gin.Context) {
	scope := tenant.ScopeFrom(c)
	execs, err := h.svc.List(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_executions": execs})
}
