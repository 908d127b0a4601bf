package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Handler serves the NDJSON session stream endpoint.
type Handler struct {
	mgr  *Manager
	repo repository.Repository
	cfg  config.StreamConfig
	log  *logger.Logger
}

// NewHandler creates the stream HTTP handler.
func NewHandler(mgr *Manager, repo repository.Repository, cfg config.StreamConfig, log *logger.Logger) *Handler {
	return &Handler{mgr: mgr, repo: repo, cfg: cfg, log: log}
}

// RegisterRoutes registers the stream endpoint on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/stream", h.stream)
}

// stream attaches the caller to a session event stream. A `since` query
// parameter (RFC3339) replays buffered events strictly newer than the cursor
// before live delivery begins.
func (h *Handler) stream(c *gin.Context) {
	scope := tenant.ScopeFrom(c)
	sessionID := c.Param("id")

	// Ownership check; a foreign session is indistinguishable from a missing one.
	if _, err := h.repo.GetSession(c.Request.Context(), scope, sessionID); err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "session not found", "code": apperr.CodeOf(err)})
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, raw)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "since must be an RFC3339 timestamp",
				"code":  "validation",
			})
			return
		}
		since = parsed
	}

	reader := h.mgr.Subscribe(sessionID, since)
	defer h.mgr.Unsubscribe(reader)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	enc := json.NewEncoder(c.Writer)

	// Dedupe by event id across the replay/live seam. The window is bounded
	// by the buffer size, so long-lived connections hold constant memory.
	seen := newDedupeWindow(h.cfg.BufferSize)
	for _, env := range reader.Replay {
		if !seen.observe(env.EventID) {
			continue
		}
		if err := enc.Encode(env); err != nil {
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat())
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case env, ok := <-reader.C:
			if !ok {
				// Dropped for falling behind, or the session was reset.
				h.log.Debug("stream reader detached", zap.String("session_id", sessionID))
				return
			}
			if !seen.observe(env.EventID) {
				continue
			}
			if err := enc.Encode(env); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-heartbeat.C:
			if err := enc.Encode(events.NewHeartbeat(sessionID)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		}
	}
}

// dedupeWindow remembers the most recent ids it has observed, evicting the
// oldest once the capacity is reached. Duplicates can only arise within one
// buffer's worth of events, so the window matches the replay buffer size.
type dedupeWindow struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newDedupeWindow(capacity int) *dedupeWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &dedupeWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// observe records the id and reports whether it was new.
func (d *dedupeWindow) observe(id string) bool {
	if _, dup := d.seen[id]; dup {
		return false
	}
	if len(d.order) == d.capacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}
