package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/playermarket/internal/progress"
)

// ProgressHandler streams progress events as server-sent events.
type ProgressHandler struct {
	broadcaster *progress.Broadcaster
	maxDuration time.Duration
	heartbeat   time.Duration
}

// NewProgressHandler creates a progress handler. Streams end after
// maxDuration even when the client stays connected.
func NewProgressHandler(b *progress.Broadcaster, maxDuration time.Duration) *ProgressHandler {
	if maxDuration <= 0 {
		maxDuration = 10 * time.Minute
	}
	return &ProgressHandler{broadcaster: b, maxDuration: maxDuration, heartbeat: 15 * time.Second}
}

// Stream handles GET /api/v1/sync/progress/:executionId.
// Use "*" as the execution id to follow every execution. A stream for a single
// execution ends after its terminal event.
func (h *ProgressHandler) Stream(c *gin.Context) {
	executionID := c.Param("executionId")
	if executionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "executionId is required"})
		return
	}

	sub := h.broadcaster.Subscribe(c.Request.Context(), executionID)
	defer sub.Close()

	deadline := time.NewTimer(h.maxDuration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"executionId": executionID, "timestamp": time.Now()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return executionID == progress.Wildcard || !ev.Type.IsTerminal()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now()})
			return true
		case <-deadline.C:
			c.SSEvent("timeout", gin.H{"executionId": executionID, "timestamp": time.Now()})
			return false
		}
	})
}
