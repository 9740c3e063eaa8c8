package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// McpServerService manages the configured MCP tool servers.
type McpServerService struct {
	db *sql.DB
}

// NewMcpServerService creates a new McpServerService
func NewMcpServerService(db *sql.DB) *McpServerService {
	return &McpServerService{db: db}
}

func validateServer(cfg *models.McpServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return NewValidationError("name", "required")
	}
	if cfg.Transport == "" {
		cfg.Transport = models.TransportStdio
	}
	if !cfg.Transport.Valid() {
		return NewValidationError("transport", fmt.Sprintf("unknown transport %q", cfg.Transport))
	}
	switch cfg.Transport {
	case models.TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return NewValidationError("command", "required for stdio transport")
		}
	case models.TransportHTTP, models.TransportSSE:
		if cfg.EndpointURL == "" {
			return NewValidationError("endpoint_url", "required for "+string(cfg.Transport)+" transport")
		}
		u, err := url.Parse(cfg.EndpointURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewValidationError("endpoint_url", "must be an absolute URL")
		}
	}
	if cfg.HeadersJSON != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(cfg.HeadersJSON), &headers); err != nil {
			return NewValidationError("headers_json", "must be a JSON object of string values")
		}
	}
	return nil
}

// Create validates and stores a new MCP server entry. Names are unique.
func (s *McpServerService) Create(ctx context.Context, cfg models.McpServerConfig) (*models.McpServerConfig, error) {
	if err := validateServer(&cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = ident.NewID()
	}
	if existing, err := s.getByName(ctx, cfg.Name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, ErrAlreadyExists)
	}

	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	args, err := json.Marshal(argsOrEmpty(cfg.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (id, name, command, args_json, enabled, transport, endpoint_url, headers_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.Command, string(args), boolToInt(cfg.Enabled),
		string(cfg.Transport), cfg.EndpointURL, cfg.HeadersJSON,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp server: %w", err)
	}
	return &cfg, nil
}

// Update replaces an existing entry identified by cfg.ID.
func (s *McpServerService) Update(ctx context.Context, cfg models.McpServerConfig) (*models.McpServerConfig, error) {
	if cfg.ID == "" {
		return nil, NewValidationError("id", "required")
	}
	if err := validateServer(&cfg); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if other, err := s.getByName(ctx, cfg.Name); err != nil {
		return nil, err
	} else if other != nil && other.ID != cfg.ID {
		return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, ErrAlreadyExists)
	}

	cfg.CreatedAt = current.CreatedAt
	cfg.UpdatedAt = time.Now()
	args, err := json.Marshal(argsOrEmpty(cfg.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET name = ?, command = ?, args_json = ?, enabled = ?,
		 transport = ?, endpoint_url = ?, headers_json = ?, updated_at = ? WHERE id = ?`,
		cfg.Name, cfg.Command, string(args), boolToInt(cfg.Enabled),
		string(cfg.Transport), cfg.EndpointURL, cfg.HeadersJSON,
		cfg.UpdatedAt.UnixMilli(), cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update mcp server: %w", err)
	}
	return &cfg, nil
}

// SetEnabled toggles one server without touching its other fields.
func (s *McpServerService) SetEnabled(ctx context.Context, id string, enabled bool) (*models.McpServerConfig, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("mcp server %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Delete removes one server entry.
func (s *McpServerService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mcp server %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one server entry by ID.
func (s *McpServerService) Get(ctx context.Context, id string) (*models.McpServerConfig, error) {
	row := s.db.QueryRowContext(ctx, serverSelect+` WHERE id = ?`, id)
	cfg, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mcp server %s: %w", id, ErrNotFound)
	}
	return cfg, err
}

func (s *McpServerService) getByName(ctx context.Context, name string) (*models.McpServerConfig, error) {
	row := s.db.QueryRowContext(ctx, serverSelect+` WHERE name = ?`, name)
	cfg, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cfg, err
}

// List returns all server entries in insertion order.
func (s *McpServerService) List(ctx context.Context) ([]models.McpServerConfig, error) {
	return s.list(ctx, serverSelect+` ORDER BY created_at, rowid`)
}

// Enabled returns the enabled server entries in insertion order.
func (s *McpServerService) Enabled(ctx context.Context) ([]models.McpServerConfig, error) {
	return s.list(ctx, serverSelect+` WHERE enabled = 1 ORDER BY created_at, rowid`)
}

func (s *McpServerService) list(ctx context.Context, query string) ([]models.McpServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer rows.Close()

	var configs []models.McpServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

const serverSelect = `SELECT id, name, command, args_json, enabled, transport, endpoint_url, headers_json, created_at, updated_at FROM mcp_servers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*models.McpServerConfig, error) {
	var (
		cfg       models.McpServerConfig
		argsJSON  string
		enabled   int
		transport string
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Command, &argsJSON, &enabled,
		&transport, &cfg.EndpointURL, &cfg.HeadersJSON, &createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &cfg.Args); err != nil {
			return nil, fmt.Errorf("failed to decode args for %s: %w", cfg.ID, err)
		}
	}
	cfg.Enabled = enabled != 0
	cfg.Transport = models.TransportType(transport)
	cfg.CreatedAt = time.UnixMilli(createdMS)
	cfg.UpdatedAt = time.UnixMilli(updatedMS)
	return &cfg, nil
}

func argsOrEmpty(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
