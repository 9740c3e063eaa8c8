package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// MarketplaceService stores marketplace documents and maintains the effective
// marketplace file: the merge of every active marketplace, consumed by the
// catalog loader.
type MarketplaceService struct {
	db       *sql.DB
	filePath string
}

// NewMarketplaceService creates a MarketplaceService writing the effective
// merge to filePath.
func NewMarketplaceService(db *sql.DB, filePath string) *MarketplaceService {
	return &MarketplaceService{db: db, filePath: filePath}
}

// FilePath returns the effective marketplace file location.
func (s *MarketplaceService) FilePath() string {
	return s.filePath
}

// rawManifest decodes a marketplace document while keeping plugin entries
// byte-for-byte so the merged file preserves fields we do not model.
type rawManifest struct {
	Name    string            `json:"name,omitempty"`
	Plugins []json.RawMessage `json:"plugins"`
}

type pluginKeyProbe struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Save validates and upserts a marketplace document. The record ID is the
// slug of its name, so saving the same name again replaces the document.
// The effective file is rewritten afterwards.
func (s *MarketplaceService) Save(ctx context.Context, name, rawJSON string) (*models.MarketplaceRecord, error) {
	if strings.TrimSpace(name) == "" {
		return nil, NewValidationError("name", "required")
	}
	var manifest rawManifest
	if err := json.Unmarshal([]byte(rawJSON), &manifest); err != nil {
		return nil, NewValidationError("json", "must be a marketplace document: "+err.Error())
	}

	now := time.Now()
	rec := models.MarketplaceRecord{
		ID:          ident.Slug(name),
		Name:        name,
		JSON:        rawJSON,
		PluginCount: len(manifest.Plugins),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.ID == "" {
		return nil, NewValidationError("name", "must contain at least one word character")
	}

	existing, err := s.getByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		rec.Active = existing.Active
		rec.CreatedAt = existing.CreatedAt
		_, err = s.db.ExecContext(ctx,
			`UPDATE marketplaces SET name = ?, json = ?, plugin_count = ?, updated_at = ? WHERE id = ?`,
			rec.Name, rec.JSON, rec.PluginCount, now.UnixMilli(), rec.ID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO marketplaces (id, name, json, plugin_count, active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			rec.ID, rec.Name, rec.JSON, rec.PluginCount, now.UnixMilli(), now.UnixMilli())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save marketplace: %w", err)
	}
	if err := s.EnsureMarketplaceFile(ctx); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Activate toggles one marketplace and rewrites the effective file.
func (s *MarketplaceService) Activate(ctx context.Context, id string, active bool) (*models.MarketplaceRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE marketplaces SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle marketplace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("marketplace %s: %w", id, ErrNotFound)
	}
	if err := s.EnsureMarketplaceFile(ctx); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes one marketplace and rewrites the effective file.
func (s *MarketplaceService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM marketplaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete marketplace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("marketplace %s: %w", id, ErrNotFound)
	}
	return s.EnsureMarketplaceFile(ctx)
}

// Get returns one marketplace record by ID.
func (s *MarketplaceService) Get(ctx context.Context, id string) (*models.MarketplaceRecord, error) {
	row := s.db.QueryRowContext(ctx, marketplaceSelect+` WHERE id = ?`, id)
	rec, err := scanMarketplace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("marketplace %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *MarketplaceService) getByID(ctx context.Context, id string) (*models.MarketplaceRecord, error) {
	row := s.db.QueryRowContext(ctx, marketplaceSelect+` WHERE id = ?`, id)
	rec, err := scanMarketplace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// List returns all marketplace records in creation order. Creation order is
// also the merge precedence for the effective file; rowid breaks same-
// millisecond ties in insertion order.
func (s *MarketplaceService) List(ctx context.Context) ([]models.MarketplaceRecord, error) {
	rows, err := s.db.QueryContext(ctx, marketplaceSelect+` ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list marketplaces: %w", err)
	}
	defer rows.Close()

	var records []models.MarketplaceRecord
	for rows.Next() {
		rec, err := scanMarketplace(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// EnsureMarketplaceFile rewrites the effective marketplace file from all
// active records. Plugins are merged first-occurrence-wins: a plugin key
// (source, else name, else the canonical JSON of the entry) seen in an
// earlier marketplace shadows the same key in later ones.
func (s *MarketplaceService) EnsureMarketplaceFile(ctx context.Context) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	merged := rawManifest{Plugins: []json.RawMessage{}}
	for _, rec := range records {
		if !rec.Active {
			continue
		}
		var manifest rawManifest
		if err := json.Unmarshal([]byte(rec.JSON), &manifest); err != nil {
			slog.Warn("Skipping unparsable marketplace during merge", "marketplace", rec.Name, "error", err)
			continue
		}
		for _, plugin := range manifest.Plugins {
			key := pluginKey(plugin)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged.Plugins = append(merged.Plugins, plugin)
		}
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode merged marketplace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create marketplace directory: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write marketplace file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace marketplace file: %w", err)
	}
	return nil
}

func pluginKey(raw json.RawMessage) string {
	var probe pluginKeyProbe
	if err := json.Unmarshal(raw, &probe); err == nil {
		if probe.Source != "" {
			return "source:" + probe.Source
		}
		if probe.Name != "" {
			return "name:" + probe.Name
		}
	}
	// Canonical form: unmarshal/remarshal sorts object keys.
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			return "raw:" + string(canon)
		}
	}
	return "raw:" + string(raw)
}

const marketplaceSelect = `SELECT id, name, json, plugin_count, active, created_at, updated_at FROM marketplaces`

func scanMarketplace(row rowScanner) (*models.MarketplaceRecord, error) {
	var (
		rec       models.MarketplaceRecord
		active    int
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.JSON, &rec.PluginCount, &active, &createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	rec.Active = active != 0
	rec.CreatedAt = time.UnixMilli(createdMS)
	rec.UpdatedAt = time.UnixMilli(updatedMS)
	return &rec, nil
}
