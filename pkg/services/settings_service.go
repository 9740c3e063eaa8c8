package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// Setting keys used by the router. Every value is a JSON document.
const (
	KeyModelConfigs  = "model_configs"
	KeyActiveModelID = "active_model_id"
	KeyRuntimeConfig = "runtime_config"
	KeyAllowPrefixes = "allow_prefixes"
	KeySelectorMode  = "selector_mode"
)

// Agent-selection modes. Deterministic scoring is the default; the LLM mode
// asks the active model to pick and falls back to scoring on any failure.
const (
	SelectorModeDeterministic = "deterministic"
	SelectorModeLLM           = "llm"
)

// SettingsService manages the settings table and its typed views.
type SettingsService struct {
	db *sql.DB
}

// NewSettingsService creates a new SettingsService
func NewSettingsService(db *sql.DB) *SettingsService {
	return &SettingsService{db: db}
}

// Get returns the raw JSON value stored under key, or "" when unset.
func (s *SettingsService) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// Set stores a raw JSON value under key, overwriting any previous value.
func (s *SettingsService) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return NewValidationError("key", "required")
	}
	if !json.Valid([]byte(value)) {
		return NewValidationError("value", "must be valid JSON")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// Delete removes a setting key. Deleting an absent key is a no-op.
func (s *SettingsService) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}

// Keys lists all present setting keys in lexical order.
func (s *SettingsService) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SettingsService) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// ModelConfigs returns the configured model list, empty when unset.
func (s *SettingsService) ModelConfigs(ctx context.Context) ([]models.ModelConfig, error) {
	raw, err := s.Get(ctx, KeyModelConfigs)
	if err != nil || raw == "" {
		return nil, err
	}
	var configs []models.ModelConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("failed to decode model configs: %w", err)
	}
	return configs, nil
}

// SaveModelConfig inserts or replaces one model config by ID. A missing ID is
// generated and the base URL is normalized before storage.
func (s *SettingsService) SaveModelConfig(ctx context.Context, mc models.ModelConfig) (*models.ModelConfig, error) {
	if mc.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if mc.Model == "" {
		return nil, NewValidationError("model", "required")
	}
	if mc.ID == "" {
		mc.ID = ident.NewID()
	}
	mc.BaseURL = NormalizeBaseURL(mc.BaseURL)

	configs, err := s.ModelConfigs(ctx)
	if err != nil {
		return nil, err
	}
	replaced := false
	for i := range configs {
		if configs[i].ID == mc.ID {
			configs[i] = mc
			replaced = true
			break
		}
	}
	if !replaced {
		configs = append(configs, mc)
	}
	if err := s.setJSON(ctx, KeyModelConfigs, configs); err != nil {
		return nil, err
	}
	return &mc, nil
}

// DeleteModelConfig removes one model config. If the active pointer referred
// to it the pointer is cleared.
func (s *SettingsService) DeleteModelConfig(ctx context.Context, id string) error {
	configs, err := s.ModelConfigs(ctx)
	if err != nil {
		return err
	}
	kept := configs[:0]
	found := false
	for _, mc := range configs {
		if mc.ID == id {
			found = true
			continue
		}
		kept = append(kept, mc)
	}
	if !found {
		return fmt.Errorf("model config %s: %w", id, ErrNotFound)
	}
	if err := s.setJSON(ctx, KeyModelConfigs, kept); err != nil {
		return err
	}
	activeID, err := s.activeModelID(ctx)
	if err != nil {
		return err
	}
	if activeID == id {
		return s.Delete(ctx, KeyActiveModelID)
	}
	return nil
}

// SetActiveModel points the active model at an existing config ID.
func (s *SettingsService) SetActiveModel(ctx context.Context, id string) error {
	configs, err := s.ModelConfigs(ctx)
	if err != nil {
		return err
	}
	for _, mc := range configs {
		if mc.ID == id {
			return s.setJSON(ctx, KeyActiveModelID, id)
		}
	}
	return fmt.Errorf("model config %s: %w", id, ErrNotFound)
}

func (s *SettingsService) activeModelID(ctx context.Context) (string, error) {
	raw, err := s.Get(ctx, KeyActiveModelID)
	if err != nil || raw == "" {
		return "", err
	}
	var id string
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return "", nil
	}
	return id, nil
}

// ActiveModel resolves the active model config. It falls back to the first
// configured model when the pointer is unset or dangling, and returns nil
// when no models are configured at all.
func (s *SettingsService) ActiveModel(ctx context.Context) (*models.ModelConfig, error) {
	configs, err := s.ModelConfigs(ctx)
	if err != nil || len(configs) == 0 {
		return nil, err
	}
	id, err := s.activeModelID(ctx)
	if err != nil {
		return nil, err
	}
	if id != "" {
		for i := range configs {
			if configs[i].ID == id {
				return &configs[i], nil
			}
		}
	}
	return &configs[0], nil
}

// RuntimeConfig returns persisted cap overrides, zero-valued when unset.
func (s *SettingsService) RuntimeConfig(ctx context.Context) (models.RuntimeConfig, error) {
	var rc models.RuntimeConfig
	raw, err := s.Get(ctx, KeyRuntimeConfig)
	if err != nil || raw == "" {
		return rc, err
	}
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return rc, fmt.Errorf("failed to decode runtime config: %w", err)
	}
	return rc, nil
}

// SetRuntimeConfig persists cap overrides.
func (s *SettingsService) SetRuntimeConfig(ctx context.Context, rc models.RuntimeConfig) error {
	return s.setJSON(ctx, KeyRuntimeConfig, rc)
}

// AllowPrefixes returns the stored tool-name allow list, empty when unset.
func (s *SettingsService) AllowPrefixes(ctx context.Context) ([]string, error) {
	raw, err := s.Get(ctx, KeyAllowPrefixes)
	if err != nil || raw == "" {
		return nil, err
	}
	var prefixes []string
	if err := json.Unmarshal([]byte(raw), &prefixes); err != nil {
		return nil, fmt.Errorf("failed to decode allow prefixes: %w", err)
	}
	return prefixes, nil
}

// SetAllowPrefixes persists the tool-name allow list.
func (s *SettingsService) SetAllowPrefixes(ctx context.Context, prefixes []string) error {
	for _, p := range prefixes {
		if strings.TrimSpace(p) == "" {
			return NewValidationError("allow_prefixes", "entries must be non-empty")
		}
	}
	return s.setJSON(ctx, KeyAllowPrefixes, prefixes)
}

// EffectiveAllowPrefixes returns the stored allow list, or derives one from
// the enabled MCP servers when nothing is stored: mcp_<slug(server name)>_
// per server, order preserved, duplicates dropped.
func (s *SettingsService) EffectiveAllowPrefixes(ctx context.Context, servers []models.McpServerConfig) ([]string, error) {
	stored, err := s.AllowPrefixes(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored, nil
	}
	seen := map[string]bool{}
	var derived []string
	for _, srv := range servers {
		p := "mcp_" + ident.ToolSlug(srv.Name) + "_"
		if !seen[p] {
			seen[p] = true
			derived = append(derived, p)
		}
	}
	return derived, nil
}

// SelectorMode returns the stored agent-selection mode, "" when unset.
func (s *SettingsService) SelectorMode(ctx context.Context) (string, error) {
	raw, err := s.Get(ctx, KeySelectorMode)
	if err != nil || raw == "" {
		return "", err
	}
	var mode string
	if err := json.Unmarshal([]byte(raw), &mode); err != nil {
		return "", nil
	}
	return mode, nil
}

// SetSelectorMode persists the agent-selection mode.
func (s *SettingsService) SetSelectorMode(ctx context.Context, mode string) error {
	return s.setJSON(ctx, KeySelectorMode, mode)
}

var versionSegment = regexp.MustCompile(`^v\d+[a-z]*$`)

// NormalizeBaseURL strips trailing slashes and appends /v1 when the URL path
// does not already end in a version segment (v1, v2, v1beta, ...). Empty
// input stays empty.
func NormalizeBaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	for strings.HasSuffix(s, "/") {
		s = strings.TrimSuffix(s, "/")
	}
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if versionSegment.MatchString(segs[len(segs)-1]) {
			return s
		}
	}
	return s + "/v1"
}
