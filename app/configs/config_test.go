package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewManagerWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")

	mgr, err := NewManager(path)
	require.NoError(t, err)

	cfg := mgr.Get()
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "gpt-4o-mini", cfg.Completer.Model)
	require.Equal(t, 50, cfg.Triage.SnapshotMembers)
	require.Equal(t, 25, cfg.Realtime.HeartbeatSec)

	// The default config is materialized on disk for the operator to edit.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestNewManagerLoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
completer:
  model: test-model
triage:
  auto_approve: true
`), 0644))

	mgr, err := NewManager(path)
	require.NoError(t, err)

	cfg := mgr.Get()
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "test-model", cfg.Completer.Model)
	require.True(t, cfg.Triage.AutoApprove)
	// Unset fields still get defaults.
	require.Equal(t, 45, cfg.Completer.TimeoutSec)
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	mgr, err := NewManager(path)
	require.NoError(t, err)

	updated, err := mgr.Update(func(cfg *Config) {
		cfg.Server.Port = 7070
		cfg.Triage.AutoApprove = true
	})
	require.NoError(t, err)
	require.Equal(t, 7070, updated.Server.Port)

	// A second manager on the same path sees the written values.
	fresh, err := NewManager(path)
	require.NoError(t, err)
	cfg := fresh.Get()
	require.Equal(t, 7070, cfg.Server.Port)
	require.True(t, cfg.Triage.AutoApprove)
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	mgr, err := NewManager(path)
	require.NoError(t, err)
	require.Equal(t, 8080, mgr.Get().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 6060\n"), 0644))
	cfg, err := mgr.Reload()
	require.NoError(t, err)
	require.Equal(t, 6060, cfg.Server.Port)
	require.Equal(t, 6060, mgr.Get().Server.Port)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	t.Setenv("OPSDESK_PORT", "4242")
	t.Setenv("OPSDESK_MODEL", "env-model")
	t.Setenv("OPSDESK_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0644))

	mgr, err := NewManager(path)
	require.NoError(t, err)

	cfg := mgr.Get()
	require.Equal(t, 4242, cfg.Server.Port)
	require.Equal(t, "env-model", cfg.Completer.Model)
	require.Equal(t, "sk-test", cfg.Completer.APIKey)
}
