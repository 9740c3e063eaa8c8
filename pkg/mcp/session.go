// Package mcp bridges sub-agent runs to external MCP tool servers. A run
// opens one ToolSession spanning every server its agent references; the
// session namespaces tool names per server, filters them against the run's
// allow prefixes, and serializes call results to JSON for the model.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/version"
)

// defaultSchema is used when a server advertises a tool without an input schema.
const defaultSchema = `{"type":"object"}`

// Tool is one callable tool exposed to the model, namespaced by server.
type Tool struct {
	Name        string          // prefixed name the model calls
	Description string
	InputSchema json.RawMessage
	ServerID    string
	ServerName  string
	RawName     string // name on the originating server
}

// ToolSession is the set of live MCP connections backing one sub-agent run.
// Servers that fail to connect are recorded and skipped; the run proceeds
// with whatever tools the remaining servers offer.
type ToolSession struct {
	mu            sync.Mutex
	sessions      map[string]*mcpsdk.ClientSession
	configs       map[string]models.McpServerConfig
	failed        map[string]string
	tools         []Tool
	byName        map[string]int
	allowPrefixes []string
}

// OpenSession connects to each enabled server and collects its tools.
// Connection failures never abort the session as a whole.
func OpenSession(ctx context.Context, configs []models.McpServerConfig, allowPrefixes []string) *ToolSession {
	s := &ToolSession{
		sessions:      make(map[string]*mcpsdk.ClientSession),
		configs:       make(map[string]models.McpServerConfig),
		failed:        make(map[string]string),
		byName:        make(map[string]int),
		allowPrefixes: allowPrefixes,
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			slog.Debug("Skipping disabled MCP server", "server", cfg.Name)
			continue
		}
		if err := s.addServer(ctx, cfg); err != nil {
			slog.Warn("MCP server unavailable", "server", cfg.Name, "error", err)
			s.mu.Lock()
			s.failed[cfg.ID] = err.Error()
			s.mu.Unlock()
		}
	}
	return s
}

func (s *ToolSession) addServer(ctx context.Context, cfg models.McpServerConfig) error {
	session, err := connectServer(ctx, cfg)
	if err != nil {
		return err
	}
	tools, err := listServerTools(ctx, session)
	if err != nil {
		_ = session.Close()
		return err
	}

	s.mu.Lock()
	s.sessions[cfg.ID] = session
	s.configs[cfg.ID] = cfg
	s.mu.Unlock()

	s.registerTools(cfg, tools)
	slog.Info("Connected MCP server", "server", cfg.Name, "tools", len(tools))
	return nil
}

func connectServer(ctx context.Context, cfg models.McpServerConfig) (*mcpsdk.ClientSession, error) {
	transport, err := createTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return session, nil
}

func listServerTools(ctx context.Context, session *mcpsdk.ClientSession) ([]*mcpsdk.Tool, error) {
	listCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

// registerTools namespaces and filters a server's tools. Names already
// carrying the mcp_ prefix are kept as-is so servers can publish stable
// cross-server names. On a name collision the first registration wins.
func (s *ToolSession) registerTools(cfg models.McpServerConfig, tools []*mcpsdk.Tool) {
	prefix := "mcp_" + ident.ToolSlug(cfg.Name) + "_"

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tool := range tools {
		name := tool.Name
		if !strings.HasPrefix(name, "mcp_") {
			name = prefix + tool.Name
		}
		if !s.allowed(name) {
			slog.Debug("Tool filtered by allow prefixes", "tool", name)
			continue
		}
		if _, exists := s.byName[name]; exists {
			slog.Warn("Duplicate tool name, keeping first", "tool", name, "server", cfg.Name)
			continue
		}
		s.tools = append(s.tools, Tool{
			Name:        name,
			Description: tool.Description,
			InputSchema: marshalSchema(tool.InputSchema),
			ServerID:    cfg.ID,
			ServerName:  cfg.Name,
			RawName:     tool.Name,
		})
		s.byName[name] = len(s.tools) - 1
	}
}

func (s *ToolSession) allowed(name string) bool {
	if len(s.allowPrefixes) == 0 {
		return true
	}
	for _, p := range s.allowPrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(defaultSchema)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(defaultSchema)
	}
	return data
}

// Tools returns the registered tools in registration order.
func (s *ToolSession) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// FailedServers returns server ID to error message for servers that could
// not be connected when the session was opened.
func (s *ToolSession) FailedServers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// Call invokes a tool by its prefixed name and returns the result envelope
// as JSON. Transport failures are classified and retried once, possibly on
// a fresh session; if the retry also fails the error is reported inside the
// envelope rather than as a Go error, so the model always sees a result.
// A Go error is returned only for an unknown tool or unparsable arguments.
func (s *ToolSession) Call(ctx context.Context, name, argsJSON string) (string, error) {
	s.mu.Lock()
	idx, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	tool := s.tools[idx]
	session := s.sessions[tool.ServerID]
	s.mu.Unlock()

	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := s.callOnce(ctx, session, tool, args)
	if err != nil {
		action := ClassifyError(err)
		if action == NoRetry || ctx.Err() != nil {
			return errorResultJSON(tool, err), nil
		}
		slog.Warn("Tool call failed, retrying", "tool", name, "error", err)
		sleepBackoff(ctx)
		if action == RetryNewSession {
			session, err = s.reconnect(ctx, tool.ServerID)
			if err != nil {
				return errorResultJSON(tool, err), nil
			}
		}
		result, err = s.callOnce(ctx, session, tool, args)
		if err != nil {
			return errorResultJSON(tool, err), nil
		}
	}
	return callResultJSON(tool, result), nil
}

func (s *ToolSession) callOnce(ctx context.Context, session *mcpsdk.ClientSession, tool Tool, args map[string]any) (*mcpsdk.CallToolResult, error) {
	if session == nil {
		return nil, fmt.Errorf("no session for server %s", tool.ServerName)
	}
	callCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      tool.RawName,
		Arguments: args,
	})
}

func (s *ToolSession) reconnect(ctx context.Context, serverID string) (*mcpsdk.ClientSession, error) {
	s.mu.Lock()
	cfg, ok := s.configs[serverID]
	old := s.sessions[serverID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no config for server %s", serverID)
	}
	if old != nil {
		_ = old.Close()
	}

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()
	session, err := connectServer(reinitCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect: %w", err)
	}

	s.mu.Lock()
	s.sessions[serverID] = session
	s.mu.Unlock()
	slog.Info("Reconnected MCP server", "server", cfg.Name)
	return session, nil
}

func sleepBackoff(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(RetryBackoffMax - RetryBackoffMin)))
	select {
	case <-time.After(RetryBackoffMin + jitter):
	case <-ctx.Done():
	}
}

// Close shuts down every live server session. The first close error is
// returned after all sessions have been attempted.
func (s *ToolSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, session := range s.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close session for server %s: %w", id, err)
		}
	}
	s.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

// callResult is the JSON envelope handed back to the model after a tool call.
type callResult struct {
	OK         bool   `json:"ok"`
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Tool       string `json:"tool"`
	Content    string `json:"content,omitempty"`
	Structured any    `json:"structured,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Error      string `json:"error,omitempty"`
}

func callResultJSON(tool Tool, result *mcpsdk.CallToolResult) string {
	return marshalResult(callResult{
		OK:         !result.IsError,
		ServerID:   tool.ServerID,
		ServerName: tool.ServerName,
		Tool:       tool.RawName,
		Content:    extractTextContent(result.Content),
		Structured: result.StructuredContent,
		IsError:    result.IsError,
	})
}

func errorResultJSON(tool Tool, err error) string {
	return marshalResult(callResult{
		OK:         false,
		ServerID:   tool.ServerID,
		ServerName: tool.ServerName,
		Tool:       tool.RawName,
		IsError:    true,
		Error:      err.Error(),
	})
}

func marshalResult(r callResult) string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":"failed to encode tool result"}`
	}
	return string(data)
}

// extractTextContent concatenates the text blocks of a tool result.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
