package models

import "time"

// TransportType selects how an MCP server connection is established.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// Valid reports whether t is a known transport.
func (t TransportType) Valid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	}
	return false
}

// McpServerConfig is one configured MCP tool server.
type McpServerConfig struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Transport   TransportType `json:"transport"`
	Command     string        `json:"command,omitempty"`
	Args        []string      `json:"args,omitempty"`
	EndpointURL string        `json:"endpoint_url,omitempty"`
	HeadersJSON string        `json:"headers_json,omitempty"`
	Enabled     bool          `json:"enabled"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ModelConfig is one LLM endpoint entry in the model_configs setting.
type ModelConfig struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	APIKey           string `json:"api_key,omitempty"`
	BaseURL          string `json:"base_url,omitempty"`
	Model            string `json:"model"`
	ReasoningEnabled bool   `json:"reasoning_enabled,omitempty"`
	ResponsesEnabled bool   `json:"responses_enabled,omitempty"`
}

// RuntimeConfig overrides execution caps persistently. Zero fields keep the
// process-level defaults.
type RuntimeConfig struct {
	CommandTimeoutMS      int64 `json:"command_timeout_ms,omitempty"`
	CommandMaxOutputBytes int64 `json:"command_max_output_bytes,omitempty"`
	AITimeoutMS           int64 `json:"ai_timeout_ms,omitempty"`
	AIMaxOutputBytes      int64 `json:"ai_max_output_bytes,omitempty"`
	AIToolMaxTurns        int   `json:"ai_tool_max_turns,omitempty"`
	AIMaxRetries          int   `json:"ai_max_retries,omitempty"`
}

// MarketplaceRecord is one stored marketplace document.
type MarketplaceRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	JSON        string    `json:"json"`
	PluginCount int       `json:"plugin_count"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
