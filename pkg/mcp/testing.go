package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// NewTestSession returns an empty ToolSession for tests. Servers are added
// with InjectServer, bypassing transport creation.
func NewTestSession(allowPrefixes []string) *ToolSession {
	return &ToolSession{
		sessions:      make(map[string]*mcpsdk.ClientSession),
		configs:       make(map[string]models.McpServerConfig),
		failed:        make(map[string]string),
		byName:        make(map[string]int),
		allowPrefixes: allowPrefixes,
	}
}

// InjectServer registers a pre-connected session under cfg, listing and
// namespacing its tools exactly as OpenSession would. Used by tests that
// wire in-memory transports directly.
func (s *ToolSession) InjectServer(ctx context.Context, cfg models.McpServerConfig, session *mcpsdk.ClientSession) error {
	tools, err := listServerTools(ctx, session)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[cfg.ID] = session
	s.configs[cfg.ID] = cfg
	s.mu.Unlock()

	s.registerTools(cfg, tools)
	return nil
}
