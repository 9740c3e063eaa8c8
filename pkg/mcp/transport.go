package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// createTransport builds an MCP SDK transport from a server config.
func createTransport(cfg models.McpServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case models.TransportStdio, "":
		return createStdioTransport(cfg)
	case models.TransportHTTP:
		return createHTTPTransport(cfg)
	case models.TransportSSE:
		return createSSETransport(cfg)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

func createStdioTransport(cfg models.McpServerConfig) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func createHTTPTransport(cfg models.McpServerConfig) (*mcpsdk.StreamableClientTransport, error) {
	if cfg.EndpointURL == "" {
		return nil, fmt.Errorf("HTTP transport requires endpoint url")
	}
	transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.EndpointURL}
	headers, err := parseHeaders(cfg.HeadersJSON)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		transport.HTTPClient = buildHTTPClient(headers)
	}
	return transport, nil
}

func createSSETransport(cfg models.McpServerConfig) (*mcpsdk.SSEClientTransport, error) {
	if cfg.EndpointURL == "" {
		return nil, fmt.Errorf("SSE transport requires endpoint url")
	}
	transport := &mcpsdk.SSEClientTransport{Endpoint: cfg.EndpointURL}
	headers, err := parseHeaders(cfg.HeadersJSON)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		transport.HTTPClient = buildHTTPClient(headers)
	}
	return transport, nil
}

// parseHeaders decodes the stored headers JSON object.
func parseHeaders(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("invalid headers JSON: %w", err)
	}
	return headers, nil
}

func buildHTTPClient(headers map[string]string) *http.Client {
	return &http.Client{
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			headers: headers,
		},
	}
}

// headerTransport wraps an http.RoundTripper to add fixed request headers.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
