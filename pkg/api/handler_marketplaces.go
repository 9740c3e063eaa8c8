package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// listMarketplaces handles GET /api/v1/marketplaces.
func (s *Server) listMarketplaces(c *gin.Context) {
	records, err := s.cfg.Marketplaces.List(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if records == nil {
		records = []models.MarketplaceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"marketplaces": records})
}

type marketplaceRequest struct {
	Name string `json:"name" binding:"required"`
	JSON string `json:"json" binding:"required"`
}

// saveMarketplace handles POST /api/v1/marketplaces. Saving re-merges the
// effective manifest and reloads the catalog so the change is live at once.
func (s *Server) saveMarketplace(c *gin.Context) {
	var req marketplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := s.cfg.Marketplaces.Save(c.Request.Context(), req.Name, req.JSON)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	s.cfg.Catalog.Reload()
	c.JSON(http.StatusOK, record)
}

type activateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// activateMarketplace handles POST /api/v1/marketplaces/:id/activate.
func (s *Server) activateMarketplace(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := s.cfg.Marketplaces.Activate(c.Request.Context(), c.Param("id"), *req.Active)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	s.cfg.Catalog.Reload()
	c.JSON(http.StatusOK, record)
}

// deleteMarketplace handles DELETE /api/v1/marketplaces/:id.
func (s *Server) deleteMarketplace(c *gin.Context) {
	if err := s.cfg.Marketplaces.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	s.cfg.Catalog.Reload()
	c.Status(http.StatusNoContent)
}
