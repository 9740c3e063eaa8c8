// Package selector picks the sub-agent best suited for a task, either by
// deterministic scoring or with model assistance.
package selector

import (
	"strings"
	"unicode"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// Criteria describes what the caller is looking for.
type Criteria struct {
	Task      string
	Category  string
	Skills    []string
	Query     string
	CommandID string
}

// Result is a selection outcome.
type Result struct {
	Agent      models.Agent
	Command    *models.Command
	UsedSkills []string
	Reason     string
	Score      int
}

// Score weights.
const (
	weightCategory = 4
	weightSkill    = 3
	weightQuery    = 2
	weightTask     = 1
	weightCommand  = 5
)

// Score picks the highest-scoring agent for the criteria, first in input
// order on ties. Returns nil when no agent qualifies.
func Score(agents []models.Agent, c Criteria) *Result {
	var best *Result
	for i := range agents {
		res := scoreAgent(&agents[i], c)
		if res == nil {
			continue
		}
		if best == nil || res.Score > best.Score {
			best = res
		}
	}
	return best
}

// scoreAgent scores one agent, returning nil when it is disqualified.
func scoreAgent(agent *models.Agent, c Criteria) *Result {
	score := 0
	var reasons []string

	if c.Category != "" {
		if agent.Category != "" && !strings.EqualFold(agent.Category, c.Category) {
			return nil
		}
		if strings.EqualFold(agent.Category, c.Category) {
			score += weightCategory
			reasons = append(reasons, "category:"+c.Category)
		}
	}

	if len(c.Skills) > 0 {
		var matched []string
		for _, want := range dedupe(c.Skills) {
			if containsFold(agent.Skills, want) {
				score += weightSkill
				matched = append(matched, want)
			}
		}
		if len(matched) > 0 {
			reasons = append(reasons, "skills:"+strings.Join(matched, ","))
		}
	}

	tokens := agentTokenSet(agent)
	if matched := matchTokens(tokens, c.Query); len(matched) > 0 {
		score += weightQuery * len(matched)
		reasons = append(reasons, "query:"+strings.Join(matched, ","))
	}
	if matched := matchTokens(tokens, c.Task); len(matched) > 0 {
		score += weightTask * len(matched)
		reasons = append(reasons, "task:"+strings.Join(matched, ","))
	}

	var command *models.Command
	if c.CommandID != "" {
		command = catalog.ResolveCommand(agent, c.CommandID)
		if command == nil {
			return nil
		}
		score += weightCommand
		reasons = append(reasons, "command:"+command.ID)
	} else {
		command = catalog.ResolveCommand(agent, "")
	}

	reason := "Best available match"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "|")
	}
	used := c.Skills
	if len(used) == 0 {
		used = agent.Skills
	}
	return &Result{
		Agent:      *agent,
		Command:    command,
		UsedSkills: used,
		Reason:     reason,
		Score:      score,
	}
}

// Tokenize lowercases s and splits on whitespace and , ; | / separators.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == '|' || r == '/'
	})
}

// agentTokenSet collects the searchable tokens of an agent: name,
// description, category, skills and command id/name/description.
func agentTokenSet(agent *models.Agent) map[string]bool {
	set := map[string]bool{}
	add := func(s string) {
		for _, tok := range Tokenize(s) {
			set[tok] = true
		}
	}
	add(agent.Name)
	add(agent.Description)
	add(agent.Category)
	for _, skill := range agent.Skills {
		add(skill)
	}
	for i := range agent.Commands {
		cmd := &agent.Commands[i]
		add(cmd.ID)
		add(cmd.Name)
		add(cmd.Description)
	}
	return set
}

// matchTokens returns the distinct tokens of s present in the set, in
// first-seen order.
func matchTokens(set map[string]bool, s string) []string {
	if s == "" {
		return nil
	}
	var matched []string
	for _, tok := range dedupe(Tokenize(s)) {
		if set[tok] {
			matched = append(matched, tok)
		}
	}
	return matched
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
