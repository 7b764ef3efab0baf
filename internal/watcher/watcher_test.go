package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

func TestIsNoiseFiltersSuffixes(t *testing.T) {
	assert.True(t, isNoise("/mods/alpha.js.tmp"))
	assert.True(t, isNoise("/mods/alpha.js.bak"))
	assert.True(t, isNoise("/mods/.alpha.js.swp"))
	assert.True(t, isNoise("/mods/alpha.js~"))
	assert.False(t, isNoise("/mods/alpha.js"))
}

func TestIsSelfWriteIgnoresLoaderDirectory(t *testing.T) {
	assert.True(t, isSelfWrite(filepath.Join("resources", "vivaldi", "vivaldi-mods", "loader.js")))
	assert.False(t, isSelfWrite(filepath.Join("resources", "vivaldi", "window.html")))
}

func TestWatcherDebouncesAndDelivers(t *testing.T) {
	dir := t.TempDir()
	metrics := vmmmetrics.NewRegistry()
	w, err := New(vmmlog.Noop(), metrics, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WatchModsRoot(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(dir, "mod.js")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced event")
	}
}

func TestPauseStopsDelivery(t *testing.T) {
	dir := t.TempDir()
	metrics := vmmmetrics.NewRegistry()
	w, err := New(vmmlog.Noop(), metrics, 30*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WatchModsRoot(dir))
	require.NoError(t, w.Pause())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "mod.js"), []byte("v"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no events while paused, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
