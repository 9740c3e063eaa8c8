// Package engine executes a single sub-agent run. Commands with exec run as
// supervised child processes; everything else runs as a model conversation
// that may call tools on the enabled MCP servers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/config"
	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/mcp"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/runner"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

// ToolBridge is the per-run tool surface a model conversation can call.
// mcp.ToolSession implements it.
type ToolBridge interface {
	Tools() []mcp.Tool
	Call(ctx context.Context, name, argsJSON string) (string, error)
	Close() error
}

// SessionOpener builds the tool bridge for one run.
type SessionOpener func(ctx context.Context, configs []models.McpServerConfig, allowPrefixes []string) ToolBridge

// Config wires an Engine.
type Config struct {
	Catalog  *catalog.Catalog
	Settings *services.SettingsService
	Servers  *services.McpServerService
	Jobs     *services.JobService

	Defaults    models.RuntimeConfig // startup caps, overlaid by persisted runtime settings
	Identity    config.Identity
	CallerModel string   // model name of the calling CLI, exported to children
	LLMCommand  []string // when set, a local command replaces the HTTP model

	// Test seams; production defaults are mcp.OpenSession and llm.New.
	OpenSession SessionOpener
	NewClient   func(llm.Config) llm.Client
}

// Engine turns resolved agent commands into results.
type Engine struct {
	cfg Config
}

// New builds an Engine, filling optional hooks with production defaults.
func New(cfg Config) *Engine {
	if cfg.OpenSession == nil {
		cfg.OpenSession = func(ctx context.Context, configs []models.McpServerConfig, allowPrefixes []string) ToolBridge {
			return mcp.OpenSession(ctx, configs, allowPrefixes)
		}
	}
	if cfg.NewClient == nil {
		cfg.NewClient = llm.New
	}
	return &Engine{cfg: cfg}
}

// Run describes one sub-agent invocation.
type Run struct {
	JobID    string // empty for synchronous runs
	Task     string
	Query    string
	Category string
	Skills   []string // selected skill ids; empty falls back to the agent defaults

	Agent   models.Agent
	Command *models.Command

	Sink    llm.Sink             // receives ai_* and tool_* events
	OnSpawn func(*runner.Handle) // observes the child process, for cancellation
}

// Execute runs one sub-agent invocation. A returned error means the run
// could not start at all (unknown command, no model configured); failures
// inside a started run are carried by Result.Err so the caller can report
// them as a run outcome.
func (e *Engine) Execute(ctx context.Context, run *Run) (*runner.Result, error) {
	if run.Command == nil {
		return nil, fmt.Errorf("agent %s has no runnable command: %w", run.Agent.ID, services.ErrNotFound)
	}
	if run.Command.IsProcess() {
		return e.executeProcess(ctx, run)
	}
	return e.executeLLM(ctx, run)
}

// effectiveCaps overlays persisted runtime settings onto the startup
// defaults, falling back to the defaults when the store is unreadable.
func (e *Engine) effectiveCaps(ctx context.Context) models.RuntimeConfig {
	override, err := e.cfg.Settings.RuntimeConfig(ctx)
	if err != nil {
		slog.Warn("Falling back to default runtime caps", "error", err)
		return e.cfg.Defaults
	}
	merged, err := config.MergeRuntimeConfig(e.cfg.Defaults, override)
	if err != nil {
		slog.Warn("Falling back to default runtime caps", "error", err)
		return e.cfg.Defaults
	}
	return merged
}

func (e *Engine) executeProcess(ctx context.Context, run *Run) (*runner.Result, error) {
	caps := e.effectiveCaps(ctx)
	env, err := e.subagentEnv(ctx, run)
	if err != nil {
		slog.Warn("Continuing with partial sub-agent environment", "agent_id", run.Agent.ID, "error", err)
	}

	handle, err := runner.Spawn(ctx, runner.Spec{
		Argv: run.Command.Exec,
		Dir:  run.Command.Cwd,
		Env:  run.Command.Env,
	}, runner.Options{
		TimeoutMS:      caps.CommandTimeoutMS,
		MaxOutputBytes: caps.CommandMaxOutputBytes,
		ExtraEnv:       env,
	})
	if err != nil {
		now := time.Now()
		return &runner.Result{Err: err.Error(), StartedAt: now, FinishedAt: now}, nil
	}
	if run.OnSpawn != nil {
		run.OnSpawn(handle)
	}
	return <-handle.Done, nil
}

func (e *Engine) executeLLM(ctx context.Context, run *Run) (*runner.Result, error) {
	caps := e.effectiveCaps(ctx)

	var model models.ModelConfig
	if len(e.cfg.LLMCommand) == 0 {
		active, err := e.cfg.Settings.ActiveModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve active model: %w", err)
		}
		if active == nil {
			return nil, fmt.Errorf("no model configured: %w", services.ErrNotFound)
		}
		model = *active
		e.recordRoute(ctx, run, models.ModelRoute{
			ModelID:   model.ID,
			ModelName: model.Name,
			BaseURL:   model.BaseURL,
			Reason:    "active model",
		})
	} else {
		e.recordRoute(ctx, run, models.ModelRoute{
			ModelID:   "command",
			ModelName: strings.Join(e.cfg.LLMCommand, " "),
			Reason:    "llm command override",
		})
	}

	// The command driver cannot call tools, so only HTTP models get a tool
	// session.
	var (
		bridge        ToolBridge
		allowPrefixes []string
	)
	if len(e.cfg.LLMCommand) == 0 {
		servers, err := e.cfg.Servers.Enabled(ctx)
		if err != nil {
			slog.Warn("Continuing without MCP tools", "error", err)
		} else if len(servers) > 0 {
			allowPrefixes, err = e.cfg.Settings.EffectiveAllowPrefixes(ctx, servers)
			if err != nil {
				slog.Warn("Continuing without tool allow-list", "error", err)
				allowPrefixes = nil
			}
			bridge = e.cfg.OpenSession(ctx, servers, allowPrefixes)
			defer func() {
				if err := bridge.Close(); err != nil {
					slog.Warn("Failed to close tool session", "error", err)
				}
			}()
		}
	}

	client := e.cfg.NewClient(llm.Config{
		Model:       model,
		CommandArgv: e.cfg.LLMCommand,
		TimeoutMS:   caps.AITimeoutMS,
		MaxOutput:   caps.AIMaxOutputBytes,
		MaxAttempts: caps.AIMaxRetries,
		Sink:        run.Sink,
	})

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: e.buildSystemPrompt(run, allowPrefixes)},
		{Role: llm.RoleUser, Content: userMessage(run)},
	}

	started := time.Now()
	var (
		res *llm.Result
		err error
	)
	if bridge != nil && len(bridge.Tools()) > 0 {
		turns := caps.AIToolMaxTurns
		if turns <= 0 {
			turns = config.DefaultAIToolMaxTurns
		}
		res, err = runToolLoop(ctx, client, bridge, messages, turns, run.Sink)
	} else {
		res, err = client.Generate(ctx, &llm.Request{Messages: messages})
	}
	finished := time.Now()

	out := &runner.Result{
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	switch {
	case err == nil:
		out.Stdout = res.Content
		out.StdoutTruncated = res.Truncated
	case errors.Is(err, llm.ErrAborted):
		out.Err = "aborted"
	case errors.Is(err, context.DeadlineExceeded):
		out.TimedOut = true
		out.Err = err.Error()
	default:
		out.Err = err.Error()
	}
	return out, nil
}

// recordRoute logs which model serves the run. Routing records are
// diagnostic; failures never block the run.
func (e *Engine) recordRoute(ctx context.Context, run *Run, route models.ModelRoute) {
	route.JobID = run.JobID
	if _, err := e.cfg.Jobs.AppendModelRoute(ctx, route); err != nil {
		slog.Warn("Failed to record model route", "job_id", run.JobID, "error", err)
	}
}
