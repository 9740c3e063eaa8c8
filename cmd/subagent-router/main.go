// Sub-agent router MCP server. Speaks MCP over stdio, keeps jobs and
// configuration in a per-server SQLite state directory, and optionally
// serves an admin HTTP API on localhost.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leeoohoo/mcp-subagent-router/pkg/api"
	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/cleanup"
	"github.com/leeoohoo/mcp-subagent-router/pkg/config"
	"github.com/leeoohoo/mcp-subagent-router/pkg/database"
	"github.com/leeoohoo/mcp-subagent-router/pkg/engine"
	"github.com/leeoohoo/mcp-subagent-router/pkg/events"
	"github.com/leeoohoo/mcp-subagent-router/pkg/router"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

func main() {
	// stdout carries the MCP protocol; every log line must go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	opts, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("Invalid startup options", "error", err)
		os.Exit(2)
	}

	if err := opts.EnsureStateDirs(); err != nil {
		slog.Error("Failed to create state directories", "error", err)
		os.Exit(1)
	}

	// Load the per-server .env file; absence is the normal case.
	envPath := opts.EnvFile()
	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		}
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	identity := opts.Identity()
	llmCommand, err := opts.LLMCommandArgv()
	if err != nil {
		slog.Error("Invalid startup options", "error", err)
		os.Exit(2)
	}

	slog.Info("Starting sub-agent router",
		"name", opts.Name,
		"state_dir", opts.ServerDir(),
		"session_id", identity.SessionID,
		"run_id", identity.RunID)

	ctx := context.Background()

	// 1. Open the per-server database.
	dbClient, err := database.Open(ctx, opts.DatabasePath())
	if err != nil {
		slog.Error("Failed to open database", "path", opts.DatabasePath(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	settingsService := services.NewSettingsService(dbClient.DB())
	serverService := services.NewMcpServerService(dbClient.DB())
	marketplaceService := services.NewMarketplaceService(dbClient.DB(), opts.MarketplacePath)
	jobService := services.NewJobService(dbClient.DB(), identity.SessionID, identity.RunID)

	// 2. One-time startup sweep: jobs a previous run left unfinished.
	if n, err := jobService.RecoverOrphans(ctx); err != nil {
		slog.Error("Failed to recover orphaned jobs", "error", err)
	} else if n > 0 {
		slog.Info("Recovered orphaned jobs", "count", n)
	}

	// 3. Materialize the effective marketplace manifest and load the catalog.
	if err := marketplaceService.EnsureMarketplaceFile(ctx); err != nil {
		slog.Error("Failed to write marketplace manifest", "error", err)
		os.Exit(1)
	}
	cat := catalog.New(opts.MarketplacePath, opts.PluginsRoot, opts.RegistryPath())
	cat.Reload()
	slog.Info("Catalog loaded",
		"agents", len(cat.ListAgents()),
		"skills", len(cat.ListSkills()))

	// 4. Execution engine and the MCP tool surface.
	eng := engine.New(engine.Config{
		Catalog:     cat,
		Settings:    settingsService,
		Servers:     serverService,
		Jobs:        jobService,
		Defaults:    opts.RuntimeDefaults(),
		Identity:    identity,
		CallerModel: opts.CallerModel,
		LLMCommand:  llmCommand,
	})
	bus := events.NewBus()
	srv := router.New(router.Config{
		Catalog:  cat,
		Settings: settingsService,
		Jobs:     jobService,
		Engine:   eng,
		Bus:      bus,
		Identity: identity,
		Name:     opts.Name,
		Defaults: opts.RuntimeDefaults(),
		AISink:   opts.AISink(),
	})
	defer srv.Close()

	// 5. Retention janitor for terminal jobs.
	janitor := cleanup.NewService(jobService, opts.RetentionDays)
	janitor.Start(ctx)
	defer janitor.Stop()

	// 6. Optional admin HTTP server. Its failure must not take down the
	// tool surface, so errors are logged rather than fatal.
	var adminServer *api.Server
	if opts.AdminEnabled() {
		adminServer = api.NewServer(api.Config{
			DB:           dbClient,
			Settings:     settingsService,
			Servers:      serverService,
			Marketplaces: marketplaceService,
			Jobs:         jobService,
			Catalog:      cat,
			Bus:          bus,
			Canceller:    srv,
		})
		go func() {
			addr := opts.AdminAddr()
			slog.Info("Admin server listening", "addr", addr)
			if err := adminServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Admin server error", "error", err)
			}
		}()
	}

	// 7. Serve MCP on stdio until the client hangs up or a signal arrives.
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := srv.Run(runCtx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("MCP transport error", "error", err)
	}
	slog.Info("MCP transport closed")

	// 8. Graceful shutdown of the admin server.
	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
	}
	slog.Info("Shutdown complete")
}
