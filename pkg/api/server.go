// Package api is the optional admin HTTP surface. It manages the same
// SQLite-backed configuration the tool surface consumes — model configs,
// MCP servers, marketplaces, registry agents, runtime caps — and exposes
// jobs of every session plus a live SSE event stream. The server binds only
// when an admin port is configured; MCP over stdio stays the one required
// interface.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/database"
	"github.com/leeoohoo/mcp-subagent-router/pkg/events"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

// Canceller aborts a running job wherever it is supervised. Implemented by
// the router; nil degrades job cancellation to a 503.
type Canceller interface {
	CancelJob(ctx context.Context, jobID string) (*models.Job, bool, error)
}

// Config wires the admin server's collaborators.
type Config struct {
	DB           *database.Client
	Settings     *services.SettingsService
	Servers      *services.McpServerService
	Marketplaces *services.MarketplaceService
	Jobs         *services.JobService
	Catalog      *catalog.Catalog
	Bus          *events.Bus // live event fan-out; nil disables /stream
	Canceller    Canceller
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	engine *gin.Engine
	http   *http.Server
}

// NewServer creates the admin server with all routes registered.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{cfg: cfg, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/api/v1")

	v1.GET("/settings", s.listSettings)
	v1.GET("/settings/:key", s.getSetting)
	v1.PUT("/settings/:key", s.putSetting)
	v1.DELETE("/settings/:key", s.deleteSetting)

	v1.GET("/models", s.listModels)
	v1.POST("/models", s.saveModel)
	v1.DELETE("/models/:id", s.deleteModel)
	v1.POST("/models/:id/activate", s.activateModel)

	v1.GET("/runtime", s.getRuntime)
	v1.PUT("/runtime", s.putRuntime)

	v1.GET("/servers", s.listServers)
	v1.POST("/servers", s.createServer)
	v1.PUT("/servers/:id", s.updateServer)
	v1.DELETE("/servers/:id", s.deleteServer)
	v1.POST("/servers/:id/enable", s.enableServer)

	v1.GET("/marketplaces", s.listMarketplaces)
	v1.POST("/marketplaces", s.saveMarketplace)
	v1.DELETE("/marketplaces/:id", s.deleteMarketplace)
	v1.POST("/marketplaces/:id/activate", s.activateMarketplace)

	v1.GET("/agents", s.listAgents)
	v1.GET("/agents/:id", s.getAgent)
	v1.POST("/agents", s.saveAgent)
	v1.DELETE("/agents/:id", s.deleteAgent)
	v1.GET("/skills", s.listSkills)

	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/jobs/:id/events", s.listJobEvents)
	v1.GET("/jobs/:id/routes", s.listJobRoutes)
	v1.POST("/jobs/:id/cancel", s.cancelJob)
	v1.GET("/sessions", s.listSessions)

	v1.GET("/stream", s.stream)
}

// Handler exposes the routing tree, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	return s.http.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
