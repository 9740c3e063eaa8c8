package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

const pickSystemPrompt = "You route tasks to sub-agents. " +
	"Always answer with a single JSON object and nothing else."

// pickReply is the JSON object expected from the model.
type pickReply struct {
	AgentID string   `json:"agent_id"`
	Skills  []string `json:"skills"`
	Reason  string   `json:"reason"`
}

// LLMPick asks the model to choose among the candidate agents. Any failure
// along the way, a reply naming an unknown agent included, falls back to
// deterministic scoring.
func LLMPick(ctx context.Context, client llm.Client, agents []models.Agent, c Criteria) *Result {
	if client == nil || len(agents) == 0 {
		return Score(agents, c)
	}

	res, err := client.Generate(ctx, &llm.Request{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: pickSystemPrompt},
		{Role: llm.RoleUser, Content: buildPickPrompt(agents, c)},
	}})
	if err != nil {
		slog.Warn("Model-assisted selection failed, falling back to scoring", "error", err)
		return Score(agents, c)
	}

	remaining := res.Content
	for {
		raw, rest, ok := scanObject(remaining)
		if !ok {
			break
		}
		remaining = rest
		var reply pickReply
		if err := json.Unmarshal([]byte(raw), &reply); err != nil || reply.AgentID == "" {
			continue
		}
		if picked := applyPick(agents, c, reply); picked != nil {
			return picked
		}
		break
	}
	return Score(agents, c)
}

// applyPick turns a model reply into a Result, or nil when the reply names
// an unknown agent or one missing the required command.
func applyPick(agents []models.Agent, c Criteria, reply pickReply) *Result {
	for i := range agents {
		agent := &agents[i]
		if !strings.EqualFold(agent.ID, reply.AgentID) {
			continue
		}
		command := catalog.ResolveCommand(agent, c.CommandID)
		if c.CommandID != "" && command == nil {
			return nil
		}
		used := reply.Skills
		if len(used) == 0 {
			used = c.Skills
		}
		if len(used) == 0 {
			used = agent.Skills
		}
		reason := strings.TrimSpace(reply.Reason)
		if reason == "" {
			reason = "Model selection"
		}
		score := 0
		if det := scoreAgent(agent, c); det != nil {
			score = det.Score
		}
		return &Result{
			Agent:      *agent,
			Command:    command,
			UsedSkills: used,
			Reason:     reason,
			Score:      score,
		}
	}
	return nil
}

// buildPickPrompt enumerates the candidates and the selection criteria.
func buildPickPrompt(agents []models.Agent, c Criteria) string {
	var b strings.Builder
	b.WriteString("Select the best sub-agent for this task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", c.Task)
	if c.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", c.Category)
	}
	if len(c.Skills) > 0 {
		fmt.Fprintf(&b, "Requested skills: %s\n", strings.Join(c.Skills, ", "))
	}
	if c.Query != "" {
		fmt.Fprintf(&b, "Query: %s\n", c.Query)
	}
	b.WriteString("\nCandidates:\n")
	for i := range agents {
		a := &agents[i]
		fmt.Fprintf(&b, "- id: %s | name: %s", a.ID, a.Name)
		if a.Category != "" {
			fmt.Fprintf(&b, " | category: %s", a.Category)
		}
		if len(a.Skills) > 0 {
			fmt.Fprintf(&b, " | skills: %s", strings.Join(a.Skills, ","))
		}
		if a.Description != "" {
			fmt.Fprintf(&b, " | description: %s", a.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReply with one JSON object: " +
		`{"agent_id": "...", "skills": ["..."], "reason": "..."}` + "\n")
	return b.String()
}

// ExtractJSONObject returns the first balanced top-level JSON object in s,
// tolerating surrounding prose.
func ExtractJSONObject(s string) (string, bool) {
	obj, _, ok := scanObject(s)
	return obj, ok
}

// scanObject finds the next balanced {...} in s, tracking strings and
// escapes, and returns it with the remainder after it.
func scanObject(s string) (obj, rest string, ok bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if start < 0 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], s[i+1:], true
			}
		}
	}
	return "", "", false
}
