package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// RegistryFileName is the local agent registry inside the state directory.
const RegistryFileName = "subagents.json"

// registryFile is the on-disk shape of the local registry.
type registryFile struct {
	Agents []models.Agent `json:"agents"`
}

// loadRegistry reads the local registry. A missing file is an empty
// registry; an unparsable one is logged and treated as empty.
func loadRegistry(path string) []models.Agent {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("Ignoring unparsable agent registry", "path", path, "error", err)
		return nil
	}
	return file.Agents
}

// saveRegistry writes the registry atomically via a temp file rename.
func saveRegistry(path string, agents []models.Agent) error {
	if agents == nil {
		agents = []models.Agent{}
	}
	raw, err := json.MarshalIndent(registryFile{Agents: agents}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write agent registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace agent registry: %w", err)
	}
	return nil
}
