package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

// APIResponse is the common response envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// APIHandler serves the producer and query endpoints.
type APIHandler struct {
	broadcaster *app.EventBroadcaster
	tasks       *app.TaskService
	logger      logging.Logger
	startTime   time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(broadcaster *app.EventBroadcaster, tasks *app.TaskService) *APIHandler {
	return &APIHandler{
		broadcaster: broadcaster,
		tasks:       tasks,
		logger:      logging.NewComponentLogger("APIHandler"),
		startTime:   time.Now(),
	}
}

// BroadcastRequest is the producer payload for POST /api/events.
type BroadcastRequest struct {
	SessionID string          `json:"session_id" binding:"required"`
	Type      string          `json:"type" binding:"required"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
	RetryMS   int64           `json:"retry_ms"`
}

// HandleBroadcast accepts an event from an external producer and fans it out.
// Delivery is best effort; the response only acknowledges acceptance.
func (h *APIHandler) HandleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request: " + err.Error()})
		return
	}

	event := ports.NewRawEvent(req.Type, req.Data)
	event.ID = req.ID
	if req.RetryMS > 0 {
		event.Retry = time.Duration(req.RetryMS) * time.Millisecond
	}

	h.broadcaster.Broadcast(req.SessionID, event)
	c.JSON(http.StatusAccepted, APIResponse{Success: true})
}

// HandleSessionEvents returns a session's retained history, oldest-first.
func (h *APIHandler) HandleSessionEvents(c *gin.Context) {
	sessionID := c.Param("id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid limit"})
			return
		}
		limit = parsed
	}

	events := h.broadcaster.GetEventHistory(sessionID, limit)
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"session_id": sessionID,
		"events":     events,
		"count":      len(events),
	}})
}

// HandleTaskStatus reports the session's most recent task.
func (h *APIHandler) HandleTaskStatus(c *gin.Context) {
	sessionID := c.Param("id")

	task, running, err := h.tasks.CurrentTask(c.Request.Context(), sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, app.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, APIResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"task":    task,
		"running": running,
	}})
}

// HandleTaskCancel cancels the session's outstanding task.
func (h *APIHandler) HandleTaskCancel(c *gin.Context) {
	sessionID := c.Param("id")

	if !h.tasks.CancelTask(c.Request.Context(), sessionID) {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "no running task for session " + sessionID})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

// HandleClearSession tears down a session entirely.
func (h *APIHandler) HandleClearSession(c *gin.Context) {
	sessionID := c.Param("id")
	h.broadcaster.ClearSession(c.Request.Context(), sessionID)
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

// HandleStats returns the broadcaster's point-in-time counters.
func (h *APIHandler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: h.broadcaster.GetStats()})
}

// HandleHealth is the liveness probe.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}
