package engine

import (
	"fmt"
	"strings"
)

// guardrail closes every system prompt. Sub-agents must not route work back
// into this server.
const guardrail = "You are running as a delegated sub-agent. Complete the task yourself; never call sub-agent routing tools (get_sub_agent, suggest_sub_agent, run_sub_agent, start_sub_agent_async)."

// buildSystemPrompt assembles the system prompt from the agent's prompt
// file, the command's instructions file, the selected skill documents and
// the allowed tool prefixes. Missing or empty documents are skipped.
func (e *Engine) buildSystemPrompt(run *Run, allowPrefixes []string) string {
	var parts []string

	if s := strings.TrimSpace(e.cfg.Catalog.ReadContent(run.Agent.SystemPromptPath)); s != "" {
		parts = append(parts, s)
	}
	if run.Command != nil {
		if s := strings.TrimSpace(e.cfg.Catalog.ReadContent(run.Command.InstructionsPath)); s != "" {
			parts = append(parts, s)
		}
	}
	for _, skill := range e.cfg.Catalog.ResolveSkills(skillIDs(run)) {
		content := strings.TrimSpace(e.cfg.Catalog.ReadContent(skill.Path))
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Skill: %s\n\n%s", skill.Name, content))
	}
	if len(allowPrefixes) > 0 {
		parts = append(parts, "Allowed tool prefixes: "+strings.Join(allowPrefixes, ", "))
	}
	parts = append(parts, guardrail)
	return strings.Join(parts, "\n\n")
}

// skillIDs picks the run's requested skills, falling back to the agent's
// defaults.
func skillIDs(run *Run) []string {
	if len(run.Skills) > 0 {
		return run.Skills
	}
	return run.Agent.DefaultSkills
}

// userMessage builds the user turn from the task and the optional query.
func userMessage(run *Run) string {
	query := strings.TrimSpace(run.Query)
	if query == "" {
		return run.Task
	}
	return run.Task + "\n\nQuery:\n" + query
}
