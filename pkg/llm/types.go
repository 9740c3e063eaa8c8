// Package llm drives model conversations for sub-agent runs, with
// streaming, retries and run event reporting.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a model conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// argument string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is one generation request.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Result is the model's reply to one request.
type Result struct {
	Content   string
	ToolCalls []ToolCall
	Truncated bool
}

// Client generates model replies.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}
