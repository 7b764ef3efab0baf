package integrity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/loader"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

type fakeStore struct{ snap *manifest.Manifest }

func (f fakeStore) Snapshot() *manifest.Manifest { return f.snap }

func setupInstallation(t *testing.T) (manifest.Installation, string) {
	t.Helper()
	appPath := t.TempDir()
	resourcesDir := filepath.Join(appPath, "resources", "vivaldi")
	require.NoError(t, os.MkdirAll(resourcesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resourcesDir, "window.html"), []byte("<html></html>\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(resourcesDir, "browser.html"), []byte("<html></html>\n"), 0o644))

	modsRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modsRoot, "alpha.js"), []byte("alpha"), 0o644))

	inst := manifest.Installation{
		ID:              "inst-1",
		ApplicationPath: appPath,
		IsManaged:       true,
	}
	return inst, modsRoot
}

func TestCheckOneCleanInstallationHasNoViolation(t *testing.T) {
	inst, modsRoot := setupInstallation(t)
	inj := injector.New(vmmlog.Noop())

	targets := map[string]string{
		"window":  filepath.Join(inst.ApplicationPath, "resources", "vivaldi", "window.html"),
		"browser": filepath.Join(inst.ApplicationPath, "resources", "vivaldi", "browser.html"),
	}
	loaderPath := loader.ExpectedPath(filepath.Join(inst.ApplicationPath, "resources", "vivaldi"))
	status, err := inj.Inject(targets, loaderPath, "f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1")
	require.NoError(t, err)
	inst.InjectionFingerprint = "f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1"
	require.True(t, status.IsFullyIntact)

	require.NoError(t, os.MkdirAll(filepath.Dir(loaderPath), 0o755))
	require.NoError(t, os.WriteFile(loaderPath, []byte("// loader\n"), 0o644))

	snap := &manifest.Manifest{
		Settings:      manifest.Settings{AutoHealEnabled: true, ModsRootPath: modsRoot},
		Mods:          []manifest.ModEntry{{ID: "a", Filename: "alpha.js", Enabled: true}},
		Installations: []manifest.Installation{inst},
	}

	metrics := vmmmetrics.NewRegistry()
	var captured []Violation
	c := New(fakeStore{snap: snap}, inj, metrics, vmmlog.Noop(), WithViolationHandler(func(v Violation) {
		captured = append(captured, v)
	}))

	c.checkOne(snap, inst)
	assert.Empty(t, captured)
}

func TestCheckOneReportsMissingModAndIncrementsConsecutiveFailures(t *testing.T) {
	inst, modsRoot := setupInstallation(t)
	_ = os.Remove(filepath.Join(modsRoot, "alpha.js"))

	inj := injector.New(vmmlog.Noop())
	metrics := vmmmetrics.NewRegistry()

	snap := &manifest.Manifest{
		Settings:      manifest.Settings{AutoHealEnabled: true, ModsRootPath: modsRoot},
		Mods:          []manifest.ModEntry{{ID: "a", Filename: "alpha.js", Enabled: true}},
		Installations: []manifest.Installation{inst},
	}

	var captured []Violation
	c := New(fakeStore{snap: snap}, inj, metrics, vmmlog.Noop(), WithViolationHandler(func(v Violation) {
		captured = append(captured, v)
	}))

	c.checkOne(snap, inst)
	require.Len(t, captured, 1)
	assert.Equal(t, 1, captured[0].ConsecutiveFailures)
	assert.Contains(t, captured[0].Descriptions, "mod source missing: alpha.js")

	c.checkOne(snap, inst)
	require.Len(t, captured, 2)
	assert.Equal(t, 2, captured[1].ConsecutiveFailures)
}

func TestTickSkipsWhenSafeModeActive(t *testing.T) {
	inst, _ := setupInstallation(t)
	inj := injector.New(vmmlog.Noop())
	metrics := vmmmetrics.NewRegistry()

	snap := &manifest.Manifest{
		Settings:      manifest.Settings{AutoHealEnabled: true, SafeModeActive: true},
		Installations: []manifest.Installation{inst},
	}

	called := false
	c := New(fakeStore{snap: snap}, inj, metrics, vmmlog.Noop(), WithInterval(time.Millisecond), WithViolationHandler(func(v Violation) {
		called = true
	}))

	c.tick(nil)
	assert.False(t, called)
}
