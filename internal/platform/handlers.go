package platform

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Handler exposes the tenant CRUD and messaging endpoints.
type Handler struct {
	svc *Service
	log *logger.Logger
}

// NewHandler creates the platform HTTP handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes registers platform endpoints on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects", h.createProject)
	rg.GET("/projects", h.listProjects)
	rg.GET("/projects/:id", h.getProject)
	rg.PATCH("/projects/:id", h.updateProject)
	rg.DELETE("/projects/:id", h.deleteProject)
	rg.GET("/projects/:id/metrics", h.projectMetrics)

	rg.POST("/projects/:id/agents", h.createAgent)
	rg.GET("/projects/:id/agents", h.listAgents)
	rg.GET("/agents/:id", h.getAgent)
	rg.PATCH("/agents/:id", h.updateAgent)
	rg.DELETE("/agents/:id", h.deleteAgent)

	rg.GET("/agents/:id/context", h.searchContext)
	rg.POST("/agents/:id/context", h.addContext)
	rg.DELETE("/agents/:id/context", h.clearContext)

	rg.POST("/projects/:id/sessions", h.createSession)
	rg.GET("/projects/:id/sessions", h.listSessions)
	rg.GET("/sessions/:id", h.getSession)
	rg.DELETE("/sessions/:id", h.deleteSession)

	rg.POST("/sessions/:id/messages", h.sendMessage)
	rg.GET("/sessions/:id/messages", h.listMessages)

	rg.GET("/approvals", h.listApprovals)
	rg.POST("/approvals/:id/resolve", h.resolveApproval)
}

func fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "validation"})
}

func (h *Handler) createProject(c *gin.Context) {
	var in CreateProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	project, err := h.svc.CreateProject(c.Request.Context(), tenant.ScopeFrom(c), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) listProjects(c *gin.Context) {
	projects, err := h.svc.ListProjects(c.Request.Context(), tenant.ScopeFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) getProject(c *gin.Context) {
	project, err := h.svc.GetProject(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) updateProject(c *gin.Context) {
	var in UpdateProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	project, err := h.svc.UpdateProject(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) deleteProject(c *gin.Context) {
	if err := h.svc.DeleteProject(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) projectMetrics(c *gin.Context) {
	metrics, err := h.svc.GetProjectMetrics(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *Handler) createAgent(c *gin.Context) {
	var in CreateAgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	agent, err := h.svc.CreateAgent(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handler) listAgents(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handler) getAgent(c *gin.Context) {
	agent, err := h.svc.GetAgent(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) updateAgent(c *gin.Context) {
	var in UpdateAgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	agent, err := h.svc.UpdateAgent(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) deleteAgent(c *gin.Context) {
	if err := h.svc.DeleteAgent(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) searchContext(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	hits, err := h.svc.SearchAgentContext(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), c.Query("query"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

type addContextRequest struct {
	Content  string            `json:"content" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) addContext(c *gin.Context) {
	var in addContextRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rec, err := h.svc.AddAgentContext(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), in.Content, in.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) clearContext(c *gin.Context) {
	if err := h.svc.ClearAgentContext(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createSession(c *gin.Context) {
	session, err := h.svc.CreateSession(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.svc.DeleteSession(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) sendMessage(c *gin.Context) {
	var in SendMessageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	res, err := h.svc.SendMessage(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	// Orchestrated dispatch is an async acknowledgement; direct carries the reply.
	status := http.StatusOK
	if res.Mode == "orchestrated" {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *Handler) listMessages(c *gin.Context) {
	opts := repository.ListMessagesOptions{Before: c.Query("before")}
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		opts.Limit = parsed
	}
	msgs, err := h.svc.ListMessages(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) listApprovals(c *gin.Context) {
	approvals, err := h.svc.PendingApprovals(c.Request.Context(), tenant.ScopeFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

type resolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (h *Handler) resolveApproval(c *gin.Context) {
	var in resolveApprovalRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.svc.ResolveApproval(c.Request.Context(), tenant.ScopeFrom(c), c.Param("id"), in.Approved, in.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
