package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/server/app"
)

// SSEHandler serves the event stream over Server-Sent Events.
type SSEHandler struct {
	broadcaster *app.EventBroadcaster
	logger      logging.Logger
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(broadcaster *app.EventBroadcaster) *SSEHandler {
	return &SSEHandler{
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleStream streams a session's events until the client disconnects. The
// subscription replays recent history first; idle stretches yield keepalive
// frames so intermediaries do not reap the connection.
func (h *SSEHandler) HandleStream(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "session_id required"})
		return
	}

	sub, err := h.broadcaster.Subscribe(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, APIResponse{Success: false, Error: err.Error()})
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	h.logger.Info("SSE connection established for session: %s", sessionID)
	defer h.logger.Info("SSE connection closed for session: %s", sessionID)

	c.Stream(func(w io.Writer) bool {
		frame, more := sub.Next(c.Request.Context())
		if !more {
			return false
		}
		if _, err := io.WriteString(w, frame); err != nil {
			h.logger.Warn("SSE write failed for session %s: %v", sessionID, err)
			return false
		}
		return true
	})
}
