package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// listAgents handles GET /api/v1/agents. Returns the effective catalog:
// marketplace agents overlaid by registry entries.
func (s *Server) listAgents(c *gin.Context) {
	agents := s.cfg.Catalog.ListAgents()
	if agents == nil {
		agents = []models.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// getAgent handles GET /api/v1/agents/:id.
func (s *Server) getAgent(c *gin.Context) {
	agent, ok := s.cfg.Catalog.GetAgent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// saveAgent handles POST /api/v1/agents. Writes to the local registry,
// which overrides marketplace agents with the same id.
func (s *Server) saveAgent(c *gin.Context) {
	var agent models.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if agent.ID == "" {
		agent.ID = ident.Slug(agent.Name)
	}
	if err := s.cfg.Catalog.SaveRegistryAgent(agent); err != nil {
		writeServiceError(c, err)
		return
	}
	saved, _ := s.cfg.Catalog.GetAgent(agent.ID)
	c.JSON(http.StatusOK, saved)
}

// deleteAgent handles DELETE /api/v1/agents/:id. Only registry entries can
// be deleted; marketplace agents are managed through their marketplace.
func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.cfg.Catalog.DeleteRegistryAgent(c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listSkills handles GET /api/v1/skills.
func (s *Server) listSkills(c *gin.Context) {
	skills := s.cfg.Catalog.ListSkills()
	if skills == nil {
		skills = []models.Skill{}
	}
	c.JSON(http.StatusOK, gin.H{"skills": skills})
}
