package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchAppliesFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	mgr, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		applied []Config
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Watch(ctx, zap.NewNop(), func(cfg Config) {
			mu.Lock()
			applied = append(applied, cfg)
			mu.Unlock()
		})
	}()

	// Give the watcher a moment to register before the write lands.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 6161\n"), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) > 0 && applied[len(applied)-1].Server.Port == 6161
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	mgr, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)
	go func() {
		_ = mgr.Watch(ctx, zap.NewNop(), func(Config) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0644))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, calls)
}
