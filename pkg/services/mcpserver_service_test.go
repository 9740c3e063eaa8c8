package services

import (
	"context"
	"testing"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMcpServerService_CRUD(t *testing.T) {
	svc := NewMcpServerService(newTestDB(t))
	ctx := context.Background()

	created, err := svc.Create(ctx, models.McpServerConfig{
		Name:    "Task Manager",
		Command: "npx",
		Args:    []string{"-y", "task-manager-mcp"},
		Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.TransportStdio, created.Transport, "transport defaults to stdio")

	t.Run("get", func(t *testing.T) {
		got, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Task Manager", got.Name)
		assert.Equal(t, []string{"-y", "task-manager-mcp"}, got.Args)
		assert.True(t, got.Enabled)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		_, err := svc.Create(ctx, models.McpServerConfig{Name: "Task Manager", Command: "other"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("update", func(t *testing.T) {
		got, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		got.Command = "uvx"
		got.Args = nil
		updated, err := svc.Update(ctx, *got)
		require.NoError(t, err)
		assert.Equal(t, "uvx", updated.Command)

		reread, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "uvx", reread.Command)
		assert.Empty(t, reread.Args)
	})

	t.Run("toggle and enabled listing", func(t *testing.T) {
		other, err := svc.Create(ctx, models.McpServerConfig{Name: "files", Command: "mcp-files", Enabled: true})
		require.NoError(t, err)

		_, err = svc.SetEnabled(ctx, other.ID, false)
		require.NoError(t, err)

		enabled, err := svc.Enabled(ctx)
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		assert.Equal(t, created.ID, enabled[0].ID)

		all, err := svc.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, created.ID))
		_, err := svc.Get(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, svc.Delete(ctx, created.ID), ErrNotFound)
	})
}

func TestMcpServerService_Validation(t *testing.T) {
	svc := NewMcpServerService(newTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  models.McpServerConfig
	}{
		{"missing name", models.McpServerConfig{Command: "x"}},
		{"stdio without command", models.McpServerConfig{Name: "a", Transport: models.TransportStdio}},
		{"unknown transport", models.McpServerConfig{Name: "b", Transport: "grpc", Command: "x"}},
		{"http without endpoint", models.McpServerConfig{Name: "c", Transport: models.TransportHTTP}},
		{"http with relative endpoint", models.McpServerConfig{Name: "d", Transport: models.TransportHTTP, EndpointURL: "/mcp"}},
		{"bad headers json", models.McpServerConfig{Name: "e", Transport: models.TransportHTTP, EndpointURL: "http://h/mcp", HeadersJSON: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.cfg)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "want validation error, got %v", err)
		})
	}

	t.Run("http with endpoint and headers accepted", func(t *testing.T) {
		created, err := svc.Create(ctx, models.McpServerConfig{
			Name:        "remote",
			Transport:   models.TransportHTTP,
			EndpointURL: "https://tools.example.com/mcp",
			HeadersJSON: `{"Authorization":"Bearer tok"}`,
			Enabled:     true,
		})
		require.NoError(t, err)
		assert.Equal(t, models.TransportHTTP, created.Transport)
	})
}
