package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultOllamaURL, cfg.OllamaURL)
	assert.Equal(t, DefaultChatModel, cfg.ChatModel)
	assert.Equal(t, 15, cfg.ReconcileInterval)
	assert.Equal(t, 250, cfg.PullProgressEvery)
}

func TestLoadMergesSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureDataDir())
	settings := `{
  "WHARF_PORT": 9999,
  "WHARF_OLLAMA_URL": "http://127.0.0.1:12345",
  "WHARF_CHAT_MODEL": "qwen2.5:7b",
  "WHARF_RECONCILE_INTERVAL_SECS": 30,
  "WHARF_AUTH_ENABLED": true,
  "unknown_key": "ignored"
}`
	require.NoError(t, os.WriteFile(SettingsPath(), []byte(settings), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "http://127.0.0.1:12345", cfg.OllamaURL)
	assert.Equal(t, "qwen2.5:7b", cfg.ChatModel)
	assert.Equal(t, 30, cfg.ReconcileInterval)
	assert.True(t, cfg.AuthEnabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultChatModel, Default().ChatModel)
	assert.Equal(t, 4, cfg.MaxConns)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestLoadMalformedFileReturnsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureDataDir())
	require.NoError(t, os.WriteFile(SettingsPath(), []byte("{broken"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestEnsureAllCreatesSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureAll())

	assert.DirExists(t, filepath.Join(home, ".wharf"))
	assert.FileExists(t, SettingsPath())

	// Existing settings are left alone.
	require.NoError(t, os.WriteFile(SettingsPath(), []byte(`{"WHARF_PORT": 1}`), 0o600))
	require.NoError(t, EnsureAll())

	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"WHARF_PORT": 1}`, string(data))
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "30s", cfg.RequestTimeoutDuration().String())
	assert.Equal(t, "15s", cfg.ReconcileIntervalDuration().String())
	assert.Equal(t, "250ms", cfg.PullProgressInterval().String())
}
