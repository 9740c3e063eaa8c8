package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// listJobs handles GET /api/v1/jobs. The admin surface sees every session
// by default; ?session_id= narrows, ?status= and ?limit= filter further.
func (s *Server) listJobs(c *gin.Context) {
	filter := models.JobFilter{
		SessionID:   c.Query("session_id"),
		Status:      models.JobStatus(c.Query("status")),
		AllSessions: c.Query("session_id") == "",
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		filter.Limit = n
	}

	jobs, err := s.cfg.Jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// getJob handles GET /api/v1/jobs/:id.
func (s *Server) getJob(c *gin.Context) {
	job, err := s.cfg.Jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// listJobEvents handles GET /api/v1/jobs/:id/events, oldest first.
func (s *Server) listJobEvents(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	events, err := s.cfg.Jobs.ListEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// listJobRoutes handles GET /api/v1/jobs/:id/routes: which model configs
// served the job's runs.
func (s *Server) listJobRoutes(c *gin.Context) {
	routes, err := s.cfg.Jobs.ListModelRoutes(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if routes == nil {
		routes = []models.ModelRoute{}
	}
	c.JSON(http.StatusOK, gin.H{"routes": routes})
}

// cancelJob handles POST /api/v1/jobs/:id/cancel. Cancelling a terminal job
// reports cancelled=false with the job's settled status.
func (s *Server) cancelJob(c *gin.Context) {
	if s.cfg.Canceller == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job supervision unavailable"})
		return
	}
	job, cancelled, err := s.cfg.Canceller.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":    job.ID,
		"cancelled": cancelled,
		"status":    string(job.Status),
	})
}

// listSessions handles GET /api/v1/sessions.
func (s *Server) listSessions(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	sessions, err := s.cfg.Jobs.ListSessions(c.Request.Context(), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
