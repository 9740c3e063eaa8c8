package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

func TestSettingsRawRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/settings/greeting", map[string]any{"value": map[string]string{"hello": "world"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settings/greeting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	decode(t, rec, &got)
	assert.Equal(t, "greeting", got.Key)
	assert.JSONEq(t, `{"hello":"world"}`, string(got.Value))

	rec = f.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Keys []string `json:"keys"`
	}
	decode(t, rec, &list)
	assert.Equal(t, []string{"greeting"}, list.Keys)

	rec = f.do(t, http.MethodDelete, "/api/v1/settings/greeting", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settings/greeting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var absent struct {
		Value any `json:"value"`
	}
	decode(t, rec, &absent)
	assert.Nil(t, absent.Value)
}

func TestSettingsMissingValueIs400(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/settings/greeting", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelConfigLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/models", models.ModelConfig{
		Name:    "kimi",
		Model:   "kimi-k2",
		BaseURL: "https://api.moonshot.cn/",
		APIKey:  "sk-test",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var saved models.ModelConfig
	decode(t, rec, &saved)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "https://api.moonshot.cn/v1", saved.BaseURL, "base URL is normalized")

	rec = f.do(t, http.MethodPost, "/api/v1/models", models.ModelConfig{Name: "gpt", Model: "gpt-4o"})
	require.Equal(t, http.StatusOK, rec.Code)
	var second models.ModelConfig
	decode(t, rec, &second)

	rec = f.do(t, http.MethodPost, "/api/v1/models/"+second.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Models        []models.ModelConfig `json:"models"`
		ActiveModelID string               `json:"active_model_id"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Models, 2)
	assert.Equal(t, second.ID, list.ActiveModelID)

	rec = f.do(t, http.MethodDelete, "/api/v1/models/"+saved.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/models/"+saved.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "second delete maps ErrNotFound")
}

func TestModelConfigValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/models", models.ModelConfig{Model: "m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/models/missing/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/runtime", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var initial models.RuntimeConfig
	decode(t, rec, &initial)
	assert.Zero(t, initial.CommandTimeoutMS)

	rec = f.do(t, http.MethodPut, "/api/v1/runtime", models.RuntimeConfig{
		CommandTimeoutMS: 5000,
		AIToolMaxTurns:   7,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/runtime", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.RuntimeConfig
	decode(t, rec, &got)
	assert.EqualValues(t, 5000, got.CommandTimeoutMS)
	assert.Equal(t, 7, got.AIToolMaxTurns)
}
