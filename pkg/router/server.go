// Package router is the public tool surface of the sub-agent router. It
// registers the six sub_agent tools on an MCP server, resolves each request
// to an agent and command through the catalog and selector, and hands the
// run to the engine. Asynchronous jobs are supervised here: one in-memory
// map tracks running jobs for cancellation, a second records cancellations
// so a cancel that loses the race with completion still takes effect.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/config"
	"github.com/leeoohoo/mcp-subagent-router/pkg/engine"
	"github.com/leeoohoo/mcp-subagent-router/pkg/events"
	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/runner"
	"github.com/leeoohoo/mcp-subagent-router/pkg/selector"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
	"github.com/leeoohoo/mcp-subagent-router/pkg/version"
)

// Config wires the router's collaborators.
type Config struct {
	Catalog  *catalog.Catalog
	Settings *services.SettingsService
	Jobs     *services.JobService
	Engine   *engine.Engine
	Bus      *events.Bus // live event fan-out; nil disables publishing

	Identity config.Identity
	Name     string               // server name, stamped into every result envelope
	Defaults models.RuntimeConfig // startup caps, overlaid by persisted runtime settings
	AISink   llm.Sink             // extra diagnostic sink, fed alongside persistence

	// Test seam; the production default is llm.New.
	NewClient func(llm.Config) llm.Client
}

// Server exposes the sub-agent tools over any go-sdk transport.
type Server struct {
	cfg Config
	mcp *mcpsdk.Server

	mu        sync.Mutex
	inflight  map[string]*runHandle
	cancelled map[string]struct{}
}

// runHandle supervises one asynchronous job. cancel aborts the run context;
// child is set once the engine spawns a process-backed command.
type runHandle struct {
	cancel context.CancelFunc
	child  *runner.Handle
}

// New builds the router and registers its tools.
func New(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = config.DefaultServerName
	}
	if cfg.NewClient == nil {
		cfg.NewClient = llm.New
	}
	s := &Server{
		cfg:       cfg,
		inflight:  make(map[string]*runHandle),
		cancelled: make(map[string]struct{}),
	}
	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    cfg.Name,
		Version: version.GitCommit,
	}, nil)
	s.registerTools()
	return s
}

// Run serves MCP over the transport until the context is cancelled or the
// transport closes.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	return s.mcp.Run(ctx, t)
}

// Close aborts every inflight job. Late completions are recorded by the
// background workers; anything the process does not get to write is swept
// as an orphan on the next startup.
func (s *Server) Close() {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_sub_agent",
		Description: "Look up one configured sub-agent by id, with its commands and skills.",
	}, s.getSubAgent)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "suggest_sub_agent",
		Description: "Suggest the best sub-agent for a task without running it.",
	}, s.suggestSubAgent)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "run_sub_agent",
		Description: "Run a sub-agent synchronously and return its output.",
	}, s.runSubAgent)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "start_sub_agent_async",
		Description: "Start a sub-agent as a background job and return its job id immediately.",
	}, s.startSubAgentAsync)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_sub_agent_status",
		Description: "Fetch the current status and result of a background job.",
	}, s.getSubAgentStatus)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "cancel_sub_agent_job",
		Description: "Cancel a running background job.",
	}, s.cancelSubAgentJob)
}

type getArgs struct {
	AgentID string `json:"agent_id" jsonschema:"id of the sub-agent to look up"`
}

type suggestArgs struct {
	Task      string   `json:"task" jsonschema:"task the sub-agent should perform"`
	Category  string   `json:"category,omitempty" jsonschema:"required agent category"`
	Skills    []string `json:"skills,omitempty" jsonschema:"skill ids the task needs"`
	Query     string   `json:"query,omitempty" jsonschema:"free-text hints matched against the catalog"`
	CommandID string   `json:"command_id,omitempty" jsonschema:"command the agent must offer"`
}

type runArgs struct {
	Task      string   `json:"task" jsonschema:"task the sub-agent should perform"`
	AgentID   string   `json:"agent_id,omitempty" jsonschema:"run this agent instead of selecting one"`
	Category  string   `json:"category,omitempty" jsonschema:"required agent category"`
	Skills    []string `json:"skills,omitempty" jsonschema:"skill ids to inject into the run"`
	Query     string   `json:"query,omitempty" jsonschema:"free-text hints matched against the catalog"`
	CommandID string   `json:"command_id,omitempty" jsonschema:"command to run; default is the agent's default command"`
}

type jobArgs struct {
	JobID string `json:"job_id" jsonschema:"id returned by start_sub_agent_async"`
}

// envelope is the routing header every tool result carries.
type envelope struct {
	Status string `json:"status"`
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

// result wraps a payload in the chatos envelope and serializes it as the
// tool's text content. status is "ok" or "error"; protocol-level failures
// are returned as Go errors from the handlers instead.
func (s *Server) result(tool, status string, payload map[string]any) (*mcpsdk.CallToolResult, any, error) {
	body := map[string]any{
		"chatos": envelope{Status: status, Server: s.cfg.Name, Tool: tool},
	}
	for k, v := range payload {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s result: %w", tool, err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil, nil
}

func (s *Server) getSubAgent(ctx context.Context, req *mcpsdk.CallToolRequest, args getArgs) (*mcpsdk.CallToolResult, any, error) {
	agent, ok := s.cfg.Catalog.GetAgent(args.AgentID)
	if !ok {
		return nil, nil, fmt.Errorf("sub-agent %s not found", args.AgentID)
	}
	return s.result("get_sub_agent", "ok", map[string]any{"agent": agent})
}

func (s *Server) suggestSubAgent(ctx context.Context, req *mcpsdk.CallToolRequest, args suggestArgs) (*mcpsdk.CallToolResult, any, error) {
	pick := s.selectAgent(ctx, selector.Criteria{
		Task:      args.Task,
		Category:  args.Category,
		Skills:    args.Skills,
		Query:     args.Query,
		CommandID: args.CommandID,
	})
	if pick == nil {
		return s.result("suggest_sub_agent", "ok", map[string]any{
			"agent_id": nil,
			"skills":   []string{},
			"reason":   "No matching sub-agent",
		})
	}
	payload := map[string]any{
		"agent_id": pick.Agent.ID,
		"skills":   orEmpty(pick.UsedSkills),
		"reason":   pick.Reason,
	}
	if pick.Command != nil {
		payload["command_id"] = pick.Command.ID
	}
	return s.result("suggest_sub_agent", "ok", payload)
}

func (s *Server) runSubAgent(ctx context.Context, req *mcpsdk.CallToolRequest, args runArgs) (*mcpsdk.CallToolResult, any, error) {
	r, err := s.resolve(ctx, args)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.cfg.Engine.Execute(ctx, &engine.Run{
		Task:     args.Task,
		Query:    args.Query,
		Category: args.Category,
		Skills:   r.skills,
		Agent:    r.agent,
		Command:  r.command,
	})
	if err != nil {
		return nil, nil, err
	}
	payload, status := runPayload(res, r)
	return s.result("run_sub_agent", status, payload)
}

func (s *Server) startSubAgentAsync(ctx context.Context, req *mcpsdk.CallToolRequest, args runArgs) (*mcpsdk.CallToolResult, any, error) {
	// Resolution failures are configuration errors; no job is created for
	// them.
	r, err := s.resolve(ctx, args)
	if err != nil {
		return nil, nil, err
	}

	payloadJSON, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	create := models.CreateJobRequest{
		Task:        args.Task,
		AgentID:     r.agent.ID,
		PayloadJSON: string(payloadJSON),
	}
	if r.command != nil {
		create.CommandID = r.command.ID
	}
	job, err := s.cfg.Jobs.CreateJob(ctx, create)
	if err != nil {
		return nil, nil, err
	}

	s.appendEvent(ctx, job.ID, models.EventStart, map[string]any{
		"task":       args.Task,
		"agent_id":   r.agent.ID,
		"command_id": create.CommandID,
	})
	if _, err := s.cfg.Jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, "", ""); err != nil {
		slog.Warn("Failed to mark job running", "job_id", job.ID, "error", err)
	}

	// The run context deliberately does not descend from the request: the
	// job outlives this tool call and ends via cancel_sub_agent_job, its
	// timeout, or completion.
	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel}
	s.mu.Lock()
	s.inflight[job.ID] = handle
	s.mu.Unlock()

	go s.finishJob(runCtx, job.ID, args, r, handle)

	return s.result("start_sub_agent_async", "ok", map[string]any{
		"job_id":     job.ID,
		"status":     string(models.JobStatusRunning),
		"agent_id":   r.agent.ID,
		"command_id": create.CommandID,
		"session_id": s.cfg.Identity.SessionID,
		"run_id":     s.cfg.Identity.RunID,
	})
}

// finishJob runs one async job to completion and records the outcome. A job
// cancelled before its run finishes keeps the cancelled status; the late
// completion only leaves a finish_ignored event.
func (s *Server) finishJob(ctx context.Context, jobID string, args runArgs, r *resolution, handle *runHandle) {
	defer func() {
		handle.cancel()
		s.mu.Lock()
		delete(s.inflight, jobID)
		delete(s.cancelled, jobID)
		s.mu.Unlock()
	}()

	res, err := s.cfg.Engine.Execute(ctx, &engine.Run{
		JobID:    jobID,
		Task:     args.Task,
		Query:    args.Query,
		Category: args.Category,
		Skills:   r.skills,
		Agent:    r.agent,
		Command:  r.command,
		Sink:     s.jobSink(jobID),
		OnSpawn: func(h *runner.Handle) {
			s.mu.Lock()
			handle.child = h
			s.mu.Unlock()
		},
	})

	// Completion writes use a fresh context; the run context is cancelled
	// by now when the job was aborted.
	bg := context.Background()
	if err != nil {
		msg := err.Error()
		if s.wasCancelled(jobID) {
			s.appendEvent(bg, jobID, models.EventFinishIgnored, map[string]any{"error": msg})
			return
		}
		if _, uerr := s.cfg.Jobs.UpdateJobStatus(bg, jobID, models.JobStatusError, "", msg); uerr != nil {
			if errors.Is(uerr, services.ErrJobTerminal) {
				s.appendEvent(bg, jobID, models.EventFinishIgnored, map[string]any{"error": msg})
				return
			}
			slog.Warn("Failed to record job start failure", "job_id", jobID, "error", uerr)
		}
		s.appendEvent(bg, jobID, models.EventStartError, map[string]any{"error": msg})
		return
	}

	payload, status := runPayload(res, r)
	if s.wasCancelled(jobID) {
		s.appendEvent(bg, jobID, models.EventFinishIgnored, map[string]any{"status": status})
		return
	}

	resultJSON, merr := json.Marshal(payload)
	if merr != nil {
		slog.Warn("Failed to encode job result", "job_id", jobID, "error", merr)
	}
	final := models.JobStatusDone
	if status != "ok" {
		final = models.JobStatusError
	}
	errMsg := failureMessage(res)
	if _, uerr := s.cfg.Jobs.UpdateJobStatus(bg, jobID, final, string(resultJSON), errMsg); uerr != nil {
		if errors.Is(uerr, services.ErrJobTerminal) {
			// Cancellation won the race after the check above.
			s.appendEvent(bg, jobID, models.EventFinishIgnored, map[string]any{"status": status})
			return
		}
		slog.Warn("Failed to record job completion", "job_id", jobID, "error", uerr)
	}
	if final == models.JobStatusDone {
		s.appendEvent(bg, jobID, models.EventFinish, map[string]any{
			"status":      status,
			"exit_code":   res.ExitCode,
			"duration_ms": res.DurationMS,
		})
	} else {
		s.appendEvent(bg, jobID, models.EventFinishError, map[string]any{
			"status": status,
			"error":  errMsg,
		})
	}
}

func (s *Server) getSubAgentStatus(ctx context.Context, req *mcpsdk.CallToolRequest, args jobArgs) (*mcpsdk.CallToolResult, any, error) {
	job, err := s.jobForSession(ctx, args.JobID)
	if err != nil {
		return nil, nil, err
	}
	payload := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"task":       job.Task,
		"agent_id":   job.AgentID,
		"command_id": job.CommandID,
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"session_id": job.SessionID,
		"run_id":     job.RunID,
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if job.ResultJSON != "" {
		var decoded any
		if err := json.Unmarshal([]byte(job.ResultJSON), &decoded); err == nil {
			payload["result"] = decoded
		} else {
			payload["result"] = job.ResultJSON
		}
	}
	return s.result("get_sub_agent_status", "ok", payload)
}

func (s *Server) cancelSubAgentJob(ctx context.Context, req *mcpsdk.CallToolRequest, args jobArgs) (*mcpsdk.CallToolResult, any, error) {
	if _, err := s.jobForSession(ctx, args.JobID); err != nil {
		return nil, nil, err
	}
	job, cancelled, err := s.CancelJob(ctx, args.JobID)
	if err != nil {
		return nil, nil, err
	}
	return s.result("cancel_sub_agent_job", "ok", map[string]any{
		"cancelled": cancelled,
		"status":    string(job.Status),
	})
}

// CancelJob aborts a job: the run context is cancelled, a spawned child
// process group is terminated, and the job is marked cancelled with its
// prior result preserved. Terminal jobs are left untouched and reported
// with cancelled=false. The admin surface reaches jobs of any session here;
// the tool surface checks ownership first.
func (s *Server) CancelJob(ctx context.Context, jobID string) (*models.Job, bool, error) {
	job, err := s.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status.Terminal() {
		return job, false, nil
	}

	// Record the cancellation before aborting so a completion racing us
	// sees it.
	s.mu.Lock()
	s.cancelled[job.ID] = struct{}{}
	handle := s.inflight[job.ID]
	var child *runner.Handle
	if handle != nil {
		child = handle.child
	}
	s.mu.Unlock()

	if handle != nil {
		handle.cancel()
	}
	if child != nil {
		child.Terminate()
	}

	updated, err := s.cfg.Jobs.MarkCancelled(ctx, job.ID)
	if err != nil {
		if errors.Is(err, services.ErrJobTerminal) {
			// The run went terminal in the window since we loaded the job.
			s.mu.Lock()
			delete(s.cancelled, job.ID)
			s.mu.Unlock()
			job, err = s.cfg.Jobs.GetJob(ctx, jobID)
			if err != nil {
				return nil, false, err
			}
			return job, false, nil
		}
		return nil, false, err
	}
	s.appendEvent(ctx, jobID, models.EventCancel, nil)
	return updated, true, nil
}

// resolution is an agent/command pair plus the selection attribution carried
// into results and events.
type resolution struct {
	agent   models.Agent
	command *models.Command
	skills  []string
	reason  string
}

// resolve decides which agent and command serve a request. An explicit
// agent_id wins; otherwise the selector picks. Errors are configuration
// failures surfaced as tool errors, before any job exists.
func (s *Server) resolve(ctx context.Context, args runArgs) (*resolution, error) {
	if strings.TrimSpace(args.Task) == "" {
		return nil, fmt.Errorf("task is required: %w", services.ErrInvalidInput)
	}
	if args.AgentID != "" {
		agent, ok := s.cfg.Catalog.GetAgent(args.AgentID)
		if !ok {
			return nil, fmt.Errorf("sub-agent %s not found", args.AgentID)
		}
		cmd := catalog.ResolveCommand(agent, args.CommandID)
		if cmd == nil && args.CommandID != "" {
			return nil, fmt.Errorf("agent %s has no command %s", agent.ID, args.CommandID)
		}
		skills := args.Skills
		if len(skills) == 0 {
			skills = agent.DefaultSkills
		}
		return &resolution{agent: *agent, command: cmd, skills: skills, reason: "Requested agent"}, nil
	}

	pick := s.selectAgent(ctx, selector.Criteria{
		Task:      args.Task,
		Category:  args.Category,
		Skills:    args.Skills,
		Query:     args.Query,
		CommandID: args.CommandID,
	})
	if pick == nil {
		return nil, errors.New("no sub-agent matches the request")
	}
	return &resolution{
		agent:   pick.Agent,
		command: pick.Command,
		skills:  pick.UsedSkills,
		reason:  pick.Reason,
	}, nil
}

// selectAgent picks an agent for the criteria, consulting the active model
// first when LLM-assisted selection is enabled. LLMPick falls back to
// deterministic scoring internally, so this never fails harder than Score.
func (s *Server) selectAgent(ctx context.Context, c selector.Criteria) *selector.Result {
	agents := s.cfg.Catalog.ListAgents()
	if len(agents) == 0 {
		return nil
	}
	if client := s.selectorClient(ctx); client != nil {
		return selector.LLMPick(ctx, client, agents, c)
	}
	return selector.Score(agents, c)
}

// selectorClient returns a model client for LLM-assisted selection, nil when
// the mode is off or no model is active.
func (s *Server) selectorClient(ctx context.Context) llm.Client {
	mode, err := s.cfg.Settings.SelectorMode(ctx)
	if err != nil || mode != services.SelectorModeLLM {
		return nil
	}
	model, err := s.cfg.Settings.ActiveModel(ctx)
	if err != nil || model == nil {
		return nil
	}
	caps := s.caps(ctx)
	return s.cfg.NewClient(llm.Config{
		Model:       *model,
		TimeoutMS:   caps.AITimeoutMS,
		MaxAttempts: caps.AIMaxRetries,
	})
}

// caps overlays persisted runtime settings onto the startup defaults.
func (s *Server) caps(ctx context.Context) models.RuntimeConfig {
	override, err := s.cfg.Settings.RuntimeConfig(ctx)
	if err != nil {
		return s.cfg.Defaults
	}
	merged, err := config.MergeRuntimeConfig(s.cfg.Defaults, override)
	if err != nil {
		return s.cfg.Defaults
	}
	return merged
}

func (s *Server) wasCancelled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[jobID]
	return ok
}

// jobForSession loads a job and rejects access from a different session.
func (s *Server) jobForSession(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.SessionID != s.cfg.Identity.SessionID {
		return nil, fmt.Errorf("job %s: %w", jobID, services.ErrForeignSession)
	}
	return job, nil
}

// jobSink persists model and tool events under a job and republishes them to
// live subscribers. It runs on a background context: the sink outlives the
// tool request that started the job.
func (s *Server) jobSink(jobID string) llm.Sink {
	persist := llm.Sink(func(event models.EventType, payload map[string]any) {
		s.appendEvent(context.Background(), jobID, event, payload)
	})
	if s.cfg.AISink == nil {
		return persist
	}
	return llm.CombineSinks(persist, func(event models.EventType, payload map[string]any) {
		tagged := map[string]any{"job_id": jobID}
		for k, v := range payload {
			tagged[k] = v
		}
		s.cfg.AISink(event, tagged)
	})
}

// appendEvent persists one job event and publishes it on the bus. Event
// failures are logged, never propagated; the job outcome must not depend on
// its audit trail.
func (s *Server) appendEvent(ctx context.Context, jobID string, event models.EventType, payload map[string]any) {
	evt, err := s.cfg.Jobs.AppendEvent(ctx, jobID, event, payload)
	if err != nil {
		slog.Warn("Failed to append job event", "job_id", jobID, "event", event, "error", err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(*evt)
	}
}

// runPayload shapes one engine result for the tool surface. The returned
// status is "ok" for a clean run and "error" otherwise.
func runPayload(res *runner.Result, r *resolution) (map[string]any, string) {
	status := "ok"
	if !res.Success() {
		status = "error"
	}
	payload := map[string]any{
		"status":           status,
		"stdout":           res.Stdout,
		"stderr":           res.Stderr,
		"exit_code":        res.ExitCode,
		"duration_ms":      res.DurationMS,
		"started_at":       res.StartedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":      res.FinishedAt.UTC().Format(time.RFC3339Nano),
		"stdout_truncated": res.StdoutTruncated,
		"stderr_truncated": res.StderrTruncated,
		"timed_out":        res.TimedOut,
		"agent_id":         r.agent.ID,
		"skills":           orEmpty(r.skills),
		"reason":           r.reason,
	}
	if r.command != nil {
		payload["command_id"] = r.command.ID
	}
	if msg := failureMessage(res); msg != "" {
		payload["error"] = msg
	}
	return payload, status
}

// failureMessage derives the error string recorded for a failed run.
func failureMessage(res *runner.Result) string {
	switch {
	case res.Err != "":
		return res.Err
	case res.TimedOut:
		return "timed out"
	case res.ExitCode != 0:
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return ""
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
