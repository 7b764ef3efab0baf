package safemode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
)

func TestActivateRemovesInjectionAndSetsFlag(t *testing.T) {
	appPath := t.TempDir()
	resourcesDir := filepath.Join(appPath, "resources", "vivaldi")
	require.NoError(t, os.MkdirAll(resourcesDir, 0o755))
	target := filepath.Join(resourcesDir, "window.html")
	require.NoError(t, os.WriteFile(target, []byte("<html>original</html>\n"), 0o644))

	inj := injector.New(vmmlog.Noop())
	loaderPath := filepath.Join(resourcesDir, "vivaldi-mods", "loader.js")
	_, err := inj.Inject(map[string]string{"window": target}, loaderPath,
		"a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9")
	require.NoError(t, err)

	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	store, err := manifest.Bootstrap(manifestPath, t.TempDir(), vmmlog.Noop())
	require.NoError(t, err)
	require.NoError(t, store.Mutate(func(m *manifest.Manifest) error {
		m.Installations = append(m.Installations, manifest.Installation{ID: "inst-1", ApplicationPath: appPath, IsManaged: true})
		return nil
	}))

	mgr := New(store, inj, vmmlog.Noop())
	require.NoError(t, mgr.Activate())

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "<html>original</html>\n", string(content))
	assert.True(t, store.Snapshot().Settings.SafeModeActive)
}

func TestDeactivateReturnsManagedInstallationCount(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	store, err := manifest.Bootstrap(manifestPath, t.TempDir(), vmmlog.Noop())
	require.NoError(t, err)
	require.NoError(t, store.Mutate(func(m *manifest.Manifest) error {
		m.Settings.SafeModeActive = true
		m.Installations = []manifest.Installation{
			{ID: "a", IsManaged: true},
			{ID: "b", IsManaged: true},
			{ID: "c", IsManaged: false},
		}
		return nil
	}))

	mgr := New(store, injector.New(vmmlog.Noop()), vmmlog.Noop())
	count, err := mgr.Deactivate()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.False(t, store.Snapshot().Settings.SafeModeActive)
}
