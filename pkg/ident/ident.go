// Package ident generates entity identifiers and resolves the on-disk state
// layout shared by every server in the suite.
//
// Identifiers are UUIDv4 strings with a short type prefix (job_, evt_, ses_,
// run_) so a bare ID in a log line is self-describing. Slug converts free-form
// display names into the lowercase token form used for tool-name prefixes and
// catalog entry IDs.
package ident

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewJobID returns a fresh job identifier, e.g. "job_6f1c...".
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// NewEventID returns a fresh job-event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// NewSessionID returns a generated caller-session identifier, used when the
// host CLI does not supply one.
func NewSessionID() string {
	return "ses_" + uuid.NewString()
}

// NewRunID returns a generated run identifier for a single server process.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewID returns a bare UUIDv4 for records that carry no type prefix
// (model configs, MCP server entries, marketplaces).
func NewID() string {
	return uuid.NewString()
}

// Slug normalizes a display name into the token form used for catalog entry
// IDs: lowercase, every run of characters outside [a-z0-9_-] collapsed into a
// single "-", leading and trailing "-" trimmed. Slug is idempotent.
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// ToolSlug normalizes an MCP server name for use inside tool names, where
// underscores are the conventional separator: lowercase, every run of
// characters outside [a-z0-9] collapsed into a single "_", edges trimmed.
// "Task Manager" becomes "task_manager". ToolSlug is idempotent.
func ToolSlug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// StateRoot resolves the root directory for all persistent state.
//
// Resolution order: $MCP_STATE_ROOT, $SUBAGENT_STATE_ROOT, the legacy
// ~/.mcp_servers if it already exists, else ~/.mcp-servers. The directory is
// created on first use.
func StateRoot() (string, error) {
	if v := os.Getenv("MCP_STATE_ROOT"); v != "" {
		return ensureDir(v)
	}
	if v := os.Getenv("SUBAGENT_STATE_ROOT"); v != "" {
		return ensureDir(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	legacy := filepath.Join(home, ".mcp_servers")
	if info, err := os.Stat(legacy); err == nil && info.IsDir() {
		return legacy, nil
	}
	return ensureDir(filepath.Join(home, ".mcp-servers"))
}

// ServerDir resolves (and creates) the per-server state directory
// <root>/<name> that holds the SQLite database, the effective marketplace
// file and diagnostic logs.
func ServerDir(name string) (string, error) {
	root, err := StateRoot()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(root, name))
}

func ensureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
