package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/config"
	"github.com/leeoohoo/mcp-subagent-router/pkg/database"
	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/mcp"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

type engineFixture struct {
	engine   *Engine
	settings *services.SettingsService
	servers  *services.McpServerService
	jobs     *services.JobService
}

// newEngineFixture wires an Engine against a fresh migrated database.
// mutate runs before construction so tests can install stubs.
func newEngineFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()
	client, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "router.db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	db := client.DB()

	fx := &engineFixture{
		settings: services.NewSettingsService(db),
		servers:  services.NewMcpServerService(db),
		jobs:     services.NewJobService(db, "ses_test", "run_test"),
	}
	cfg := Config{
		Catalog:  catalog.New("", "", ""),
		Settings: fx.settings,
		Servers:  fx.servers,
		Jobs:     fx.jobs,
		Defaults: models.RuntimeConfig{
			CommandTimeoutMS:      5000,
			CommandMaxOutputBytes: 1 << 20,
			AITimeoutMS:           5000,
			AIMaxOutputBytes:      1 << 20,
			AIToolMaxTurns:        100,
			AIMaxRetries:          5,
		},
		Identity:    config.Identity{SessionID: "ses_test", RunID: "run_test"},
		CallerModel: "caller-model",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fx.engine = New(cfg)
	return fx
}

func (fx *engineFixture) seedModel(t *testing.T) models.ModelConfig {
	t.Helper()
	mc, err := fx.settings.SaveModelConfig(context.Background(), models.ModelConfig{
		Name:   "kimi",
		Model:  "kimi-k2",
		APIKey: "sk-test",
	})
	require.NoError(t, err)
	require.NoError(t, fx.settings.SetActiveModel(context.Background(), mc.ID))
	return *mc
}

func (fx *engineFixture) seedServer(t *testing.T, name string) models.McpServerConfig {
	t.Helper()
	srv, err := fx.servers.Create(context.Background(), models.McpServerConfig{
		Name:    name,
		Command: "echo",
		Enabled: true,
	})
	require.NoError(t, err)
	return *srv
}

// eventRecorder collects sink events in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    models.EventType
	Payload map[string]any
}

func (r *eventRecorder) sink() llm.Sink {
	return func(event models.EventType, payload map[string]any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, recordedEvent{Type: event, Payload: payload})
	}
}

func (r *eventRecorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) payload(i int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i].Payload
}

// scriptedClient replays canned model replies, emitting request/response
// events the way the production client does. The last reply repeats once
// the script runs out.
type scriptedClient struct {
	sink     llm.Sink
	replies  []*llm.Result
	mu       sync.Mutex
	requests []*llm.Request
}

func (c *scriptedClient) Generate(_ context.Context, req *llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	copied := &llm.Request{
		Messages: append([]llm.Message(nil), req.Messages...),
		Tools:    append([]llm.ToolDefinition(nil), req.Tools...),
	}
	c.requests = append(c.requests, copied)
	idx := len(c.requests) - 1
	c.mu.Unlock()

	llm.Emit(c.sink, models.EventAIRequest, map[string]any{
		"attempt": 1, "messages": len(req.Messages), "tools": len(req.Tools),
	})
	res := c.replies[len(c.replies)-1]
	if idx < len(c.replies) {
		res = c.replies[idx]
	}
	llm.Emit(c.sink, models.EventAIResponse, map[string]any{
		"attempt": 1, "content": res.Content, "tool_calls": len(res.ToolCalls),
	})
	return res, nil
}

func (c *scriptedClient) request(i int) *llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

// stubBridge is a canned ToolBridge.
type stubBridge struct {
	tools   []mcp.Tool
	results map[string]string
	errs    map[string]error

	mu     sync.Mutex
	calls  []bridgeCall
	closed bool
}

type bridgeCall struct {
	Name string
	Args string
}

func (b *stubBridge) Tools() []mcp.Tool {
	return b.tools
}

func (b *stubBridge) Call(_ context.Context, name, argsJSON string) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, bridgeCall{Name: name, Args: argsJSON})
	b.mu.Unlock()
	if err := b.errs[name]; err != nil {
		return "", err
	}
	return b.results[name], nil
}

func (b *stubBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func TestExecuteProcessEcho(t *testing.T) {
	fx := newEngineFixture(t, nil)

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:  "greet",
		Agent: models.Agent{ID: "sh", Name: "Shell"},
		Command: &models.Command{
			ID:   "run",
			Exec: []string{"sh", "-c", "echo hello; echo err 1>&2; exit 0"},
		},
	})
	require.NoError(t, err)

	assert.True(t, res.Success())
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stderr, "err")
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, res.StdoutTruncated)
	assert.False(t, res.StderrTruncated)
}

func TestExecuteProcessEnvContract(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.seedModel(t)
	fx.seedServer(t, "Task Manager")

	res, err := fx.engine.Execute(context.Background(), &Run{
		JobID:  "job_env",
		Task:   "greet",
		Query:  "why",
		Skills: []string{"pandas"},
		Agent:  models.Agent{ID: "py", Name: "Python Helper", Category: "python"},
		Command: &models.Command{
			ID:   "run",
			Exec: []string{"sh", "-c", "env"},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success(), "stderr: %s err: %s", res.Stderr, res.Err)

	for _, want := range []string{
		"SUBAGENT_TASK=greet",
		"SUBAGENT_AGENT_ID=py",
		"SUBAGENT_AGENT_NAME=Python Helper",
		"SUBAGENT_COMMAND_ID=run",
		"SUBAGENT_SKILLS=pandas",
		"SUBAGENT_CATEGORY=python",
		"SUBAGENT_QUERY=why",
		"SUBAGENT_MODEL=kimi",
		"SUBAGENT_CALLER_MODEL=caller-model",
		"SUBAGENT_ALLOW_PREFIXES=mcp_task_manager_",
		"SUBAGENT_SESSION_ID=ses_test",
		"SUBAGENT_RUN_ID=run_test",
		"SUBAGENT_JOB_ID=job_env",
	} {
		assert.Contains(t, res.Stdout, want)
	}
	assert.Contains(t, res.Stdout, `"name":"Task Manager"`)
	assert.Contains(t, res.Stdout, `"transport":"stdio"`)
}

func TestExecuteProcessSpawnErrorInResult(t *testing.T) {
	fx := newEngineFixture(t, nil)

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "boom",
		Agent:   models.Agent{ID: "gone"},
		Command: &models.Command{ID: "run", Exec: []string{"/nonexistent/subagent-binary"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Contains(t, res.Err, "failed to start command")
}

func TestExecuteProcessTimeoutFromRuntimeOverride(t *testing.T) {
	fx := newEngineFixture(t, nil)
	require.NoError(t, fx.settings.SetRuntimeConfig(context.Background(), models.RuntimeConfig{
		CommandTimeoutMS: 100,
	}))

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "sleep",
		Agent:   models.Agent{ID: "sh"},
		Command: &models.Command{ID: "run", Exec: []string{"sleep", "30"}},
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Success())
	assert.Less(t, res.DurationMS, int64(10000))
}

func TestExecuteNilCommand(t *testing.T) {
	fx := newEngineFixture(t, nil)

	_, err := fx.engine.Execute(context.Background(), &Run{
		Task:  "x",
		Agent: models.Agent{ID: "py"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.Contains(t, err.Error(), "no runnable command")
}

func TestExecuteLLMNoModelConfigured(t *testing.T) {
	fx := newEngineFixture(t, nil)

	_, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "chat",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.Contains(t, err.Error(), "no model configured")
}

func TestExecuteLLMPlainConversation(t *testing.T) {
	script := &scriptedClient{replies: []*llm.Result{{Content: "done"}}}
	var gotCfg llm.Config
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.NewClient = func(c llm.Config) llm.Client {
			gotCfg = c
			script.sink = c.Sink
			return script
		}
	})
	model := fx.seedModel(t)
	recorder := &eventRecorder{}

	res, err := fx.engine.Execute(context.Background(), &Run{
		JobID:   "job_chat",
		Task:    "do it",
		Agent:   models.Agent{ID: "py", Name: "Python Helper"},
		Command: &models.Command{ID: "chat"},
		Sink:    recorder.sink(),
	})
	require.NoError(t, err)

	assert.Equal(t, "done", res.Stdout)
	assert.Empty(t, res.Err)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))

	// The active model and run caps reach the client config.
	assert.Equal(t, model.ID, gotCfg.Model.ID)
	assert.Equal(t, "kimi-k2", gotCfg.Model.Model)
	assert.Equal(t, int64(5000), gotCfg.TimeoutMS)
	assert.Equal(t, 5, gotCfg.MaxAttempts)

	// System prompt closes with the guardrail; the task is the user turn.
	req := script.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "delegated sub-agent")
	assert.Equal(t, llm.RoleUser, req.Messages[1].Role)
	assert.Equal(t, "do it", req.Messages[1].Content)
	assert.Empty(t, req.Tools)

	assert.Equal(t, []models.EventType{models.EventAIRequest, models.EventAIResponse}, recorder.types())

	routes, err := fx.jobs.ListModelRoutes(context.Background(), "job_chat")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, model.ID, routes[0].ModelID)
	assert.Equal(t, "active model", routes[0].Reason)
}

func TestExecuteLLMCommandOverride(t *testing.T) {
	script := &scriptedClient{replies: []*llm.Result{{Content: "from command"}}}
	var gotCfg llm.Config
	opened := false
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.LLMCommand = []string{"/bin/cat"}
		cfg.NewClient = func(c llm.Config) llm.Client {
			gotCfg = c
			script.sink = c.Sink
			return script
		}
		cfg.OpenSession = func(context.Context, []models.McpServerConfig, []string) ToolBridge {
			opened = true
			return &stubBridge{}
		}
	})
	// An enabled server exists, but the command driver cannot call tools.
	fx.seedServer(t, "Files")

	res, err := fx.engine.Execute(context.Background(), &Run{
		JobID:   "job_cmd",
		Task:    "answer",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
	})
	require.NoError(t, err)

	assert.Equal(t, "from command", res.Stdout)
	assert.False(t, opened, "command-driven runs must not open MCP sessions")
	assert.Equal(t, []string{"/bin/cat"}, gotCfg.CommandArgv)

	routes, err := fx.jobs.ListModelRoutes(context.Background(), "job_cmd")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "command", routes[0].ModelID)
	assert.Equal(t, "llm command override", routes[0].Reason)
}

func TestExecuteLLMToolLoop(t *testing.T) {
	bridge := &stubBridge{
		tools: []mcp.Tool{{
			Name:        "mcp_files_read_file",
			Description: "Read a file",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			ServerID:    "srv-files",
			ServerName:  "Files",
			RawName:     "read_file",
		}},
		results: map[string]string{"mcp_files_read_file": "contents"},
	}
	script := &scriptedClient{replies: []*llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "mcp_files_read_file", Arguments: `{"path":"x"}`}}},
		{Content: "done"},
	}}
	var gotPrefixes []string
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.NewClient = func(c llm.Config) llm.Client {
			script.sink = c.Sink
			return script
		}
		cfg.OpenSession = func(_ context.Context, _ []models.McpServerConfig, allowPrefixes []string) ToolBridge {
			gotPrefixes = allowPrefixes
			return bridge
		}
	})
	fx.seedModel(t)
	fx.seedServer(t, "Files")
	recorder := &eventRecorder{}

	res, err := fx.engine.Execute(context.Background(), &Run{
		JobID:   "job_tools",
		Task:    "read x",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
		Sink:    recorder.sink(),
	})
	require.NoError(t, err)

	assert.Equal(t, "done", res.Stdout)
	assert.Empty(t, res.Err)
	assert.Equal(t, []string{"mcp_files_"}, gotPrefixes)

	assert.Equal(t, []models.EventType{
		models.EventAIRequest, models.EventAIResponse,
		models.EventToolCall, models.EventToolResult,
		models.EventAIRequest, models.EventAIResponse,
	}, recorder.types())
	assert.Equal(t, "mcp_files_read_file", recorder.payload(2)["tool"])
	assert.Equal(t, `{"path":"x"}`, recorder.payload(2)["arguments"])
	assert.Equal(t, "contents", recorder.payload(3)["result"])

	require.Len(t, bridge.calls, 1)
	assert.Equal(t, bridgeCall{Name: "mcp_files_read_file", Args: `{"path":"x"}`}, bridge.calls[0])
	assert.True(t, bridge.closed, "tool session must be closed on exit")

	// First turn declares the tools; second turn carries the transcript.
	first := script.request(0)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "mcp_files_read_file", first.Tools[0].Name)

	second := script.request(1)
	require.Len(t, second.Messages, 4)
	assert.Equal(t, llm.RoleAssistant, second.Messages[2].Role)
	require.Len(t, second.Messages[2].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, second.Messages[3].Role)
	assert.Equal(t, "contents", second.Messages[3].Content)
	assert.Equal(t, "call_1", second.Messages[3].ToolCallID)
}

func TestExecuteLLMToolLoopMaxTurns(t *testing.T) {
	bridge := &stubBridge{
		tools:   []mcp.Tool{{Name: "mcp_files_read_file"}},
		results: map[string]string{"mcp_files_read_file": "contents"},
	}
	script := &scriptedClient{replies: []*llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "call_n", Name: "mcp_files_read_file", Arguments: `{}`}}},
	}}
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.NewClient = func(c llm.Config) llm.Client {
			script.sink = c.Sink
			return script
		}
		cfg.OpenSession = func(context.Context, []models.McpServerConfig, []string) ToolBridge {
			return bridge
		}
	})
	fx.seedModel(t)
	fx.seedServer(t, "Files")
	require.NoError(t, fx.settings.SetRuntimeConfig(context.Background(), models.RuntimeConfig{
		AIToolMaxTurns: 2,
	}))
	recorder := &eventRecorder{}

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "loop forever",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
		Sink:    recorder.sink(),
	})
	require.NoError(t, err)

	assert.Equal(t, "tool loop exceeded 2 turns", res.Err)
	assert.Empty(t, res.Stdout)
	assert.Len(t, bridge.calls, 2)
	assert.True(t, bridge.closed)
}

func TestExecuteLLMAborted(t *testing.T) {
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.NewClient = func(llm.Config) llm.Client {
			return generateFunc(func(context.Context, *llm.Request) (*llm.Result, error) {
				return nil, llm.ErrAborted
			})
		}
	})
	fx.seedModel(t)

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "cancelled",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
	})
	require.NoError(t, err)
	assert.Equal(t, "aborted", res.Err)
	assert.False(t, res.TimedOut)
}

func TestExecuteLLMTimeout(t *testing.T) {
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.NewClient = func(llm.Config) llm.Client {
			return generateFunc(func(context.Context, *llm.Request) (*llm.Result, error) {
				return nil, errors.New("model request failed: " + context.DeadlineExceeded.Error())
			})
		}
	})
	fx.seedModel(t)

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "slow",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
	})
	require.NoError(t, err)
	// A plain string match is not a deadline error; only wrapped
	// DeadlineExceeded marks the run as timed out.
	assert.False(t, res.TimedOut)
	assert.NotEmpty(t, res.Err)
}

// generateFunc adapts a function to llm.Client.
type generateFunc func(ctx context.Context, req *llm.Request) (*llm.Result, error)

func (f generateFunc) Generate(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	return f(ctx, req)
}

func TestExecuteLLMWrappedDeadlineMarksTimeout(t *testing.T) {
	fx := newEngineFixture(t, func(cfg *Config) {
		cfg.NewClient = func(llm.Config) llm.Client {
			return generateFunc(func(context.Context, *llm.Request) (*llm.Result, error) {
				return nil, fmt.Errorf("model request failed: %w", context.DeadlineExceeded)
			})
		}
	})
	fx.seedModel(t)

	res, err := fx.engine.Execute(context.Background(), &Run{
		Task:    "slow",
		Agent:   models.Agent{ID: "py"},
		Command: &models.Command{ID: "chat"},
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotEmpty(t, res.Err)
}

func TestInvokeToolBridgeErrorBecomesResult(t *testing.T) {
	bridge := &stubBridge{
		errs: map[string]error{"mcp_x_y": errors.New("invalid tool arguments: unexpected end of JSON input")},
	}

	out := invokeTool(context.Background(), bridge, llm.ToolCall{Name: "mcp_x_y", Arguments: "{bad"})

	var decoded struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.False(t, decoded.OK)
	assert.Contains(t, decoded.Error, "invalid tool arguments")
}

func TestEffectiveCapsOverlay(t *testing.T) {
	fx := newEngineFixture(t, nil)
	require.NoError(t, fx.settings.SetRuntimeConfig(context.Background(), models.RuntimeConfig{
		CommandTimeoutMS: 123,
		AIMaxRetries:     2,
	}))

	caps := fx.engine.effectiveCaps(context.Background())

	assert.Equal(t, int64(123), caps.CommandTimeoutMS)
	assert.Equal(t, 2, caps.AIMaxRetries)
	assert.Equal(t, int64(1<<20), caps.CommandMaxOutputBytes)
	assert.Equal(t, int64(5000), caps.AITimeoutMS)
	assert.Equal(t, 100, caps.AIToolMaxTurns)
}

func TestSubagentEnvEmptyStore(t *testing.T) {
	fx := newEngineFixture(t, nil)

	env, err := fx.engine.subagentEnv(context.Background(), &Run{
		Task:  "t",
		Agent: models.Agent{ID: "a", Name: "A", Category: "misc", DefaultSkills: []string{"s1", "s2"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "", env["SUBAGENT_MODEL"])
	assert.Equal(t, "[]", env["SUBAGENT_MCP_SERVERS"])
	assert.Equal(t, "", env["SUBAGENT_ALLOW_PREFIXES"])
	assert.Equal(t, "", env["SUBAGENT_JOB_ID"])
	assert.Equal(t, "", env["SUBAGENT_COMMAND_ID"])
	assert.Equal(t, "s1,s2", env["SUBAGENT_SKILLS"])
	assert.Equal(t, "misc", env["SUBAGENT_CATEGORY"])
}
