package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// listServers handles GET /api/v1/servers.
func (s *Server) listServers(c *gin.Context) {
	servers, err := s.cfg.Servers.List(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if servers == nil {
		servers = []models.McpServerConfig{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

// createServer handles POST /api/v1/servers.
func (s *Server) createServer(c *gin.Context) {
	var cfg models.McpServerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.cfg.Servers.Create(c.Request.Context(), cfg)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// updateServer handles PUT /api/v1/servers/:id.
func (s *Server) updateServer(c *gin.Context) {
	var cfg models.McpServerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = c.Param("id")
	updated, err := s.cfg.Servers.Update(c.Request.Context(), cfg)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// deleteServer handles DELETE /api/v1/servers/:id.
func (s *Server) deleteServer(c *gin.Context) {
	if err := s.cfg.Servers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type enableRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// enableServer handles POST /api/v1/servers/:id/enable.
func (s *Server) enableServer(c *gin.Context) {
	var req enableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := s.cfg.Servers.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
