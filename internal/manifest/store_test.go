package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/vmmerr"
	"vivaldi-mod-manager/internal/vmmlog"
)

func TestBootstrapAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	s, err := Bootstrap(path, filepath.Join(dir, "mods"), vmmlog.Noop())
	require.NoError(t, err)
	require.True(t, Exists(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Snapshot().SchemaVersion, reloaded.SchemaVersion)
	assert.True(t, reloaded.Settings.AutoHealEnabled)
	assert.True(t, reloaded.Settings.MonitoringEnabled)
	assert.False(t, reloaded.Settings.SafeModeActive)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, vmmerr.Is(err, vmmerr.NotFound))
}

func TestLoadCorruptedFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	s, err := Bootstrap(path, dir, vmmlog.Noop())
	require.NoError(t, err)

	// Force a second persisted version so path.backup holds the first.
	require.NoError(t, s.Mutate(func(m *Manifest) error {
		m.Mods = append(m.Mods, ModEntry{ID: "a", Filename: "a.js", Enabled: true})
		return nil
	}))
	require.FileExists(t, path+backupSuffix)

	// Corrupt the primary.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	recovered, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, recovered.Mods, "backup predates the mutation that added mod 'a'")
}

func TestLoadCorruptedWithNoBackupIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, vmmerr.Is(err, vmmerr.Corrupted))
}

func TestLoadSchemaUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":999}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, vmmerr.Is(err, vmmerr.SchemaUnsupported))
}

func TestMutateRejectsDuplicateModIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	s, err := Bootstrap(path, dir, vmmlog.Noop())
	require.NoError(t, err)

	before := s.Snapshot()

	err = s.Mutate(func(m *Manifest) error {
		m.Mods = append(m.Mods,
			ModEntry{ID: "dup", Filename: "a.js"},
			ModEntry{ID: "dup", Filename: "b.js"},
		)
		return nil
	})
	require.Error(t, err)

	after := s.Snapshot()
	assert.Equal(t, before.Mods, after.Mods, "failed mutation must not change in-memory state")
}

func TestMutateFnErrorLeavesStateUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	s, err := Bootstrap(path, dir, vmmlog.Noop())
	require.NoError(t, err)

	sentinel := assert.AnError
	err = s.Mutate(func(m *Manifest) error {
		m.Settings.SafeModeActive = true
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.False(t, s.Snapshot().Settings.SafeModeActive)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	s, err := Bootstrap(path, dir, vmmlog.Noop())
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Mods = append(snap.Mods, ModEntry{ID: "mutated-outside", Filename: "x.js"})

	assert.Empty(t, s.Snapshot().Mods, "mutating a snapshot must not affect the store")
}

func TestManifestEnabledModIDsInOrder(t *testing.T) {
	m := &Manifest{
		Mods: []ModEntry{
			{ID: "c", Enabled: true, Order: 2},
			{ID: "a", Enabled: true, Order: 1},
			{ID: "b", Enabled: true, Order: 1},
			{ID: "disabled", Enabled: false, Order: 0},
		},
	}
	assert.Equal(t, []string{"a", "b", "c"}, m.EnabledModIDsInOrder())
}

func TestReloadPicksUpExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	s, err := Bootstrap(path, dir, vmmlog.Noop())
	require.NoError(t, err)

	require.NoError(t, s.Mutate(func(m *Manifest) error {
		m.Settings.SafeModeActive = true
		return nil
	}))

	// Simulate another process-local writer round-trip by loading fresh.
	fresh, err := Load(path)
	require.NoError(t, err)
	assert.True(t, fresh.Settings.SafeModeActive)

	require.NoError(t, s.Reload())
	assert.True(t, s.Snapshot().Settings.SafeModeActive)
}
