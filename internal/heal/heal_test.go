package heal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/discovery"
	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Publish(event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func setupHealFixture(t *testing.T) (*manifest.Store, manifest.Installation, string) {
	t.Helper()
	modsRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modsRoot, "alpha.js"), []byte("alpha"), 0o644))

	appPath := t.TempDir()
	resourcesDir := filepath.Join(appPath, "resources", "vivaldi")
	require.NoError(t, os.MkdirAll(resourcesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resourcesDir, "window.html"), []byte("<html></html>\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(resourcesDir, "browser.html"), []byte("<html></html>\n"), 0o644))

	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	store, err := manifest.Bootstrap(manifestPath, modsRoot, vmmlog.Noop())
	require.NoError(t, err)

	inst := manifest.Installation{
		ID:              "inst-1",
		ApplicationPath: appPath,
		IsManaged:       true,
		IsActive:        true,
	}
	require.NoError(t, store.Mutate(func(m *manifest.Manifest) error {
		m.Settings.AutoHealEnabled = true
		m.Settings.ModsRootPath = modsRoot
		m.Mods = append(m.Mods, manifest.ModEntry{ID: "a", Filename: "alpha.js", Enabled: true, Order: 1})
		m.Installations = append(m.Installations, inst)
		return nil
	}))

	return store, inst, modsRoot
}

func TestHealSuccessUpdatesManifestAndPublishesEvent(t *testing.T) {
	store, inst, _ := setupHealFixture(t)
	inj := injector.New(vmmlog.Noop())
	metrics := vmmmetrics.NewRegistry()
	sink := &recordingSink{}

	s := New(store, discovery.New(vmmlog.Noop()), inj, metrics, vmmlog.Noop(),
		WithEventSink(sink), WithCooldown(0), WithStabilizationMaxWait(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	s.Enqueue(inst.ID, ReasonManual)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, sink.snapshot(), "InjectionCompleted")

	snap := store.Snapshot()
	updated, ok := snap.FindInstallation(inst.ID)
	require.True(t, ok)
	assert.Equal(t, "Success", updated.LastInjectionStatus)
	assert.NotEmpty(t, updated.InjectionFingerprint)
	require.Len(t, snap.HealHistory, 1)
	assert.True(t, snap.HealHistory[0].Success)
}

func TestHealSkippedWhenSafeModeActive(t *testing.T) {
	store, inst, _ := setupHealFixture(t)
	require.NoError(t, store.Mutate(func(m *manifest.Manifest) error {
		m.Settings.SafeModeActive = true
		return nil
	}))

	inj := injector.New(vmmlog.Noop())
	metrics := vmmmetrics.NewRegistry()
	sink := &recordingSink{}

	s := New(store, discovery.New(vmmlog.Noop()), inj, metrics, vmmlog.Noop(),
		WithEventSink(sink), WithCooldown(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(inst.ID, ReasonManual)
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, sink.snapshot())
	snap := store.Snapshot()
	updated, _ := snap.FindInstallation(inst.ID)
	assert.Empty(t, updated.LastInjectionStatus)
}

func TestHealRetriesThenFailsAfterMaxRetries(t *testing.T) {
	store, inst, modsRoot := setupHealFixture(t)
	require.NoError(t, os.Remove(filepath.Join(modsRoot, "alpha.js"))) // force loader.Write's copy step to fail

	inj := injector.New(vmmlog.Noop())
	metrics := vmmmetrics.NewRegistry()
	sink := &recordingSink{}

	s := New(store, discovery.New(vmmlog.Noop()), inj, metrics, vmmlog.Noop(),
		WithEventSink(sink), WithCooldown(0), WithMaxRetries(1),
		WithBackoff([]time.Duration{10 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(inst.ID, ReasonManual)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, sink.snapshot(), "InjectionFailed")
	snap := store.Snapshot()
	require.Len(t, snap.HealHistory, 1)
	assert.False(t, snap.HealHistory[0].Success)
}
