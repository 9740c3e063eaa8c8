package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/version"
)

// health handles GET /healthz. The database ping carries its own short
// timeout so a wedged database cannot hang the probe.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	db, err := s.cfg.DB.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"version":  version.GitCommit,
			"database": db,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.GitCommit,
		"database": db,
		"agents":   len(s.cfg.Catalog.ListAgents()),
	})
}
