package config

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// MergeRuntimeConfig overlays persisted runtime settings onto the startup
// defaults. Fields set in override win; zero fields keep the default.
func MergeRuntimeConfig(defaults, override models.RuntimeConfig) (models.RuntimeConfig, error) {
	merged := defaults
	if err := mergo.Merge(&merged, override, mergo.WithOverride); err != nil {
		return defaults, fmt.Errorf("failed to merge runtime config: %w", err)
	}
	return merged, nil
}
