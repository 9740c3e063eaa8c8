package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// subagentEnv builds the fixed SUBAGENT_* contract variables a child
// process receives. Every variable is always present, empty when the value
// is unknown. Store read failures degrade the affected variables and are
// reported so the caller can log them; the run itself proceeds.
func (e *Engine) subagentEnv(ctx context.Context, run *Run) (map[string]string, error) {
	category := run.Category
	if category == "" {
		category = run.Agent.Category
	}
	commandID := ""
	if run.Command != nil {
		commandID = run.Command.ID
	}

	env := map[string]string{
		"SUBAGENT_TASK":         run.Task,
		"SUBAGENT_AGENT_ID":     run.Agent.ID,
		"SUBAGENT_AGENT_NAME":   run.Agent.Name,
		"SUBAGENT_COMMAND_ID":   commandID,
		"SUBAGENT_SKILLS":       strings.Join(skillIDs(run), ","),
		"SUBAGENT_CATEGORY":     category,
		"SUBAGENT_QUERY":        run.Query,
		"SUBAGENT_CALLER_MODEL": e.cfg.CallerModel,
		"SUBAGENT_SESSION_ID":   e.cfg.Identity.SessionID,
		"SUBAGENT_RUN_ID":       e.cfg.Identity.RunID,
		"SUBAGENT_JOB_ID":       run.JobID,
	}

	var firstErr error
	servers, err := e.cfg.Servers.Enabled(ctx)
	if err != nil {
		firstErr = err
		servers = nil
	}
	prefixes, err := e.cfg.Settings.EffectiveAllowPrefixes(ctx, servers)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		prefixes = nil
	}
	env["SUBAGENT_ALLOW_PREFIXES"] = strings.Join(prefixes, ",")
	env["SUBAGENT_MCP_SERVERS"] = serverSummaryJSON(servers)

	modelName := ""
	if model, err := e.cfg.Settings.ActiveModel(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if model != nil {
		modelName = model.Name
	}
	env["SUBAGENT_MODEL"] = modelName

	return env, firstErr
}

// serverSummaryJSON is the compact description of the enabled MCP servers a
// child process receives.
func serverSummaryJSON(servers []models.McpServerConfig) string {
	type summary struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Transport string `json:"transport"`
	}
	out := make([]summary, 0, len(servers))
	for _, s := range servers {
		transport := string(s.Transport)
		if transport == "" {
			transport = string(models.TransportStdio)
		}
		out = append(out, summary{ID: s.ID, Name: s.Name, Transport: transport})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
