package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// listSettings handles GET /api/v1/settings.
func (s *Server) listSettings(c *gin.Context) {
	keys, err := s.cfg.Settings.Keys(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// getSetting handles GET /api/v1/settings/:key. Absent keys read as null.
func (s *Server) getSetting(c *gin.Context) {
	key := c.Param("key")
	value, err := s.cfg.Settings.Get(c.Request.Context(), key)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if value == "" {
		c.JSON(http.StatusOK, gin.H{"key": key, "value": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": json.RawMessage(value)})
}

type settingRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}

// putSetting handles PUT /api/v1/settings/:key. The body carries the raw
// JSON value to store.
func (s *Server) putSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := c.Param("key")
	if err := s.cfg.Settings.Set(c.Request.Context(), key, string(req.Value)); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

// deleteSetting handles DELETE /api/v1/settings/:key.
func (s *Server) deleteSetting(c *gin.Context) {
	if err := s.cfg.Settings.Delete(c.Request.Context(), c.Param("key")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listModels handles GET /api/v1/models.
func (s *Server) listModels(c *gin.Context) {
	ctx := c.Request.Context()
	configs, err := s.cfg.Settings.ModelConfigs(ctx)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if configs == nil {
		configs = []models.ModelConfig{}
	}
	activeID := ""
	if active, err := s.cfg.Settings.ActiveModel(ctx); err == nil && active != nil {
		activeID = active.ID
	}
	c.JSON(http.StatusOK, gin.H{"models": configs, "active_model_id": activeID})
}

// saveModel handles POST /api/v1/models. Inserts or replaces by id.
func (s *Server) saveModel(c *gin.Context) {
	var mc models.ModelConfig
	if err := c.ShouldBindJSON(&mc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.cfg.Settings.SaveModelConfig(c.Request.Context(), mc)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// deleteModel handles DELETE /api/v1/models/:id.
func (s *Server) deleteModel(c *gin.Context) {
	if err := s.cfg.Settings.DeleteModelConfig(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// activateModel handles POST /api/v1/models/:id/activate.
func (s *Server) activateModel(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Settings.SetActiveModel(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_model_id": id})
}

// getRuntime handles GET /api/v1/runtime.
func (s *Server) getRuntime(c *gin.Context) {
	rc, err := s.cfg.Settings.RuntimeConfig(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}

// putRuntime handles PUT /api/v1/runtime. Zero fields keep the process
// defaults at execution time.
func (s *Server) putRuntime(c *gin.Context) {
	var rc models.RuntimeConfig
	if err := c.ShouldBindJSON(&rc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Settings.SetRuntimeConfig(c.Request.Context(), rc); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}
