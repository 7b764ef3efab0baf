package injector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/vmmlog"
)

const testFingerprint = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
const otherFingerprint = "f9e8d7c6b5a4039281726354f9e8d7c6b5a4039281726354f9e8d7c6b5a4039"

func writeHTML(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestInjectFreshTargetAndIdempotentReinject(t *testing.T) {
	dir := t.TempDir()
	target := writeHTML(t, dir, "index.html", "<html><body>hi</body></html>\n")
	loaderPath := filepath.Join(dir, "vivaldi-mods", "loader.js")

	inj := New(vmmlog.Noop())
	status, err := inj.Inject(map[string]string{"index": target}, loaderPath, testFingerprint)
	require.NoError(t, err)
	assert.True(t, status.IsFullyIntact)
	assert.Equal(t, Valid, status.OverallValidation)

	backups, err := listBackups(target)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// Re-inject with the same fingerprint must be a no-op: no new backup.
	status2, err := inj.Inject(map[string]string{"index": target}, loaderPath, testFingerprint)
	require.NoError(t, err)
	assert.True(t, status2.IsFullyIntact)

	backupsAfter, err := listBackups(target)
	require.NoError(t, err)
	assert.Len(t, backupsAfter, 1, "idempotent re-inject must not create a second backup")
}

func TestInjectUpdatesStubOnFingerprintChange(t *testing.T) {
	dir := t.TempDir()
	target := writeHTML(t, dir, "index.html", "<html><body>hi</body></html>\n")
	loaderPath := filepath.Join(dir, "vivaldi-mods", "loader.js")

	inj := New(vmmlog.Noop())
	_, err := inj.Inject(map[string]string{"index": target}, loaderPath, testFingerprint)
	require.NoError(t, err)

	status, err := inj.Inject(map[string]string{"index": target}, loaderPath, otherFingerprint)
	require.NoError(t, err)
	assert.Equal(t, otherFingerprint, status.TargetFiles["index"].FingerprintFound)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(content), otherFingerprint)
	assert.Contains(t, string(content), "hi")
}

func TestInjectRollsBackAllTargetsOnSingleFailure(t *testing.T) {
	dir := t.TempDir()
	good := writeHTML(t, dir, "good.html", "<html>good</html>\n")
	badDir := t.TempDir() // bad names a file that does not exist here, forcing a read failure
	bad := filepath.Join(badDir, "missing.html")
	loaderPath := filepath.Join(dir, "vivaldi-mods", "loader.js")

	inj := New(vmmlog.Noop())
	status, err := inj.Inject(map[string]string{"a_good": good, "z_bad": bad}, loaderPath, testFingerprint)
	require.Error(t, err)

	// "a_good" sorts before "z_bad" so it was injected first, then rolled back.
	content, rerr := os.ReadFile(good)
	require.NoError(t, rerr)
	assert.Equal(t, "<html>good</html>\n", string(content), "earlier target must be rolled back on later failure")
	assert.Equal(t, NotInjected, status.TargetFiles["z_bad"].Validation)

	backups, _ := listBackups(good)
	assert.Len(t, backups, 1, "rollback restores content but backup files remain for forensic purposes")
}

func TestGetInjectionStatusReportsStates(t *testing.T) {
	dir := t.TempDir()
	notInjected := writeHTML(t, dir, "plain.html", "<html></html>\n")
	loaderPath := filepath.Join(dir, "vivaldi-mods", "loader.js")

	inj := New(vmmlog.Noop())
	_, err := inj.Inject(map[string]string{"plain": notInjected}, loaderPath, testFingerprint)
	require.NoError(t, err)

	status := inj.GetInjectionStatus(map[string]string{
		"plain":   notInjected,
		"missing": filepath.Join(dir, "does-not-exist.html"),
	}, testFingerprint)

	assert.Equal(t, Valid, status.TargetFiles["plain"].Validation)
	assert.Equal(t, NotInjected, status.TargetFiles["missing"].Validation)
	assert.Equal(t, Partial, status.OverallValidation)
	assert.False(t, status.IsFullyIntact)

	mismatchStatus := inj.GetInjectionStatus(map[string]string{"plain": notInjected}, otherFingerprint)
	assert.Equal(t, FingerprintMismatch, mismatchStatus.TargetFiles["plain"].Validation)
}

func TestRemoveInjectionRestoresBackupContent(t *testing.T) {
	dir := t.TempDir()
	original := "<html><body>original content</body></html>\n"
	target := writeHTML(t, dir, "index.html", original)
	loaderPath := filepath.Join(dir, "vivaldi-mods", "loader.js")

	inj := New(vmmlog.Noop())
	_, err := inj.Inject(map[string]string{"index": target}, loaderPath, testFingerprint)
	require.NoError(t, err)

	statuses, err := inj.RemoveInjection(map[string]string{"index": target})
	require.NoError(t, err)
	assert.Equal(t, NotInjected, statuses["index"].Validation)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, string(content))
}

func TestRemoveInjectionOnUntouchedTargetIsNoop(t *testing.T) {
	dir := t.TempDir()
	target := writeHTML(t, dir, "index.html", "<html>untouched</html>\n")

	inj := New(vmmlog.Noop())
	statuses, err := inj.RemoveInjection(map[string]string{"index": target})
	require.NoError(t, err)
	assert.Equal(t, NotInjected, statuses["index"].Validation)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "<html>untouched</html>\n", string(content))
}
