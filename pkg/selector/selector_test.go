package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

func testAgents() []models.Agent {
	return []models.Agent{
		{
			ID:       "py",
			Name:     "Python Analyst",
			Category: "python",
			Skills:   []string{"pandas"},
			Commands: []models.Command{
				{ID: "analyze", Name: "Analyze", Exec: []string{"python3", "analyze.py"}},
			},
		},
		{
			ID:       "go",
			Name:     "Go Builder",
			Category: "go",
			Skills:   []string{"modules"},
		},
		{
			ID:          "generalist",
			Name:        "Generalist",
			Description: "handles anything",
		},
	}
}

func TestScoreDeterministicSelection(t *testing.T) {
	res := Score(testAgents(), Criteria{
		Task:     "clean data",
		Category: "python",
		Skills:   []string{"pandas"},
	})
	require.NotNil(t, res)

	assert.Equal(t, "py", res.Agent.ID)
	assert.Equal(t, []string{"pandas"}, res.UsedSkills)
	assert.Contains(t, res.Reason, "category:python")
	assert.Contains(t, res.Reason, "skills:pandas")
	assert.Equal(t, weightCategory+weightSkill, res.Score)
}

func TestScoreCategoryDisqualifies(t *testing.T) {
	res := Score(testAgents(), Criteria{Task: "build", Category: "rust"})
	require.NotNil(t, res)

	// Only the category-less generalist survives a mismatched category.
	assert.Equal(t, "generalist", res.Agent.ID)
	assert.Equal(t, "Best available match", res.Reason)
	assert.Zero(t, res.Score)
}

func TestScoreCommandMatch(t *testing.T) {
	t.Run("matching command scores and resolves", func(t *testing.T) {
		res := Score(testAgents(), Criteria{Task: "x", CommandID: "Analyze"})
		require.NotNil(t, res)
		assert.Equal(t, "py", res.Agent.ID)
		require.NotNil(t, res.Command)
		assert.Equal(t, "analyze", res.Command.ID)
		assert.Contains(t, res.Reason, "command:analyze")
	})

	t.Run("missing command disqualifies every agent", func(t *testing.T) {
		res := Score(testAgents(), Criteria{Task: "x", CommandID: "deploy"})
		assert.Nil(t, res)
	})
}

func TestScoreQueryAndTaskTokens(t *testing.T) {
	agents := []models.Agent{
		{ID: "a", Name: "Data Wrangler", Description: "cleans csv files"},
		{ID: "b", Name: "Web Scraper"},
	}

	res := Score(agents, Criteria{Task: "wrangler", Query: "csv,cleans"})
	require.NotNil(t, res)
	assert.Equal(t, "a", res.Agent.ID)
	assert.Contains(t, res.Reason, "query:csv,cleans")
	assert.Contains(t, res.Reason, "task:wrangler")
	assert.Equal(t, 2*weightQuery+weightTask, res.Score)
}

func TestScoreTieBreakKeepsFirst(t *testing.T) {
	agents := []models.Agent{{ID: "first"}, {ID: "second"}}

	res := Score(agents, Criteria{Task: "anything"})
	require.NotNil(t, res)
	assert.Equal(t, "first", res.Agent.ID)
}

func TestScoreUsedSkillsDefaultToAgent(t *testing.T) {
	res := Score(testAgents(), Criteria{Task: "x", Category: "go"})
	require.NotNil(t, res)
	assert.Equal(t, "go", res.Agent.ID)
	assert.Equal(t, []string{"modules"}, res.UsedSkills)
}

func TestScoreEmptyAgentList(t *testing.T) {
	assert.Nil(t, Score(nil, Criteria{Task: "x"}))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"a", "b", "c", "d", "e"},
		Tokenize("A b,c;D/e"))
	assert.Empty(t, Tokenize("  ,;  "))
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "bare object",
			in:   `{"agent_id":"py"}`,
			want: `{"agent_id":"py"}`,
			ok:   true,
		},
		{
			name: "surrounded by prose",
			in:   "Sure! Here you go: {\"agent_id\": \"py\"} hope that helps",
			want: `{"agent_id": "py"}`,
			ok:   true,
		},
		{
			name: "nested braces",
			in:   `{"a":{"b":1},"agent_id":"x"}`,
			want: `{"a":{"b":1},"agent_id":"x"}`,
			ok:   true,
		},
		{
			name: "braces inside strings ignored",
			in:   `{"reason":"uses {curly} text","agent_id":"x"}`,
			want: `{"reason":"uses {curly} text","agent_id":"x"}`,
			ok:   true,
		},
		{
			name: "unterminated object",
			in:   `{"agent_id":"py"`,
			ok:   false,
		},
		{
			name: "no object at all",
			in:   "plain text",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// stubClient returns a canned reply or error.
type stubClient struct {
	content string
	err     error
}

func (s *stubClient) Generate(_ context.Context, _ *llm.Request) (*llm.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Content: s.content}, nil
}

func TestLLMPick(t *testing.T) {
	agents := testAgents()
	criteria := Criteria{Task: "clean data", Category: "python", Skills: []string{"pandas"}}

	t.Run("uses the model's choice", func(t *testing.T) {
		client := &stubClient{content: `The best fit: {"agent_id":"go","reason":"knows modules"}`}
		res := LLMPick(context.Background(), client, agents, Criteria{Task: "build a cli"})
		require.NotNil(t, res)
		assert.Equal(t, "go", res.Agent.ID)
		assert.Equal(t, "knows modules", res.Reason)
		assert.Equal(t, []string{"modules"}, res.UsedSkills)
	})

	t.Run("reply skills win", func(t *testing.T) {
		client := &stubClient{content: `{"agent_id":"py","skills":["pandas"]}`}
		res := LLMPick(context.Background(), client, agents, Criteria{Task: "x"})
		require.NotNil(t, res)
		assert.Equal(t, []string{"pandas"}, res.UsedSkills)
		assert.Equal(t, "Model selection", res.Reason)
	})

	t.Run("unknown agent falls back to scoring", func(t *testing.T) {
		client := &stubClient{content: `{"agent_id":"nope"}`}
		res := LLMPick(context.Background(), client, agents, criteria)
		require.NotNil(t, res)
		assert.Equal(t, "py", res.Agent.ID)
	})

	t.Run("unparsable reply falls back to scoring", func(t *testing.T) {
		client := &stubClient{content: "I cannot decide."}
		res := LLMPick(context.Background(), client, agents, criteria)
		require.NotNil(t, res)
		assert.Equal(t, "py", res.Agent.ID)
	})

	t.Run("generate error falls back to scoring", func(t *testing.T) {
		client := &stubClient{err: errors.New("boom")}
		res := LLMPick(context.Background(), client, agents, criteria)
		require.NotNil(t, res)
		assert.Equal(t, "py", res.Agent.ID)
	})

	t.Run("nil client scores directly", func(t *testing.T) {
		res := LLMPick(context.Background(), nil, agents, criteria)
		require.NotNil(t, res)
		assert.Equal(t, "py", res.Agent.ID)
	})
}
