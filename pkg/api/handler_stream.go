package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepaliveInterval paces comment frames that hold idle SSE connections
// open through proxies and client read timeouts.
const keepaliveInterval = 15 * time.Second

// stream handles GET /api/v1/stream: a live server-sent-events feed of job
// events, optionally scoped with ?session_id=. The stream is a live view;
// anything missed while disconnected is in /jobs/:id/events.
func (s *Server) stream(c *gin.Context) {
	if s.cfg.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	sub := s.cfg.Bus.Subscribe(c.Query("session_id"), 0)
	defer sub.Close()

	// Flush headers before the first event: once the client sees them the
	// subscription is live and nothing published afterwards is missed.
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-keepalive.C:
			c.SSEvent("keepalive", time.Now().UnixMilli())
			return true
		}
	})
}
