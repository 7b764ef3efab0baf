package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vivaldi-mod-manager/internal/manifest"
)

func mods() []manifest.ModEntry {
	return []manifest.ModEntry{
		{ID: "a", Filename: "alpha.js", Enabled: true, Order: 1},
		{ID: "b", Filename: "beta.js", Enabled: true, Order: 2},
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	p1, err := Generate(mods())
	require.NoError(t, err)
	p2, err := Generate(mods())
	require.NoError(t, err)

	assert.Equal(t, p1.Script, p2.Script)
	assert.Equal(t, p1.ContentHash, p2.ContentHash)
	assert.Equal(t, p1.Fingerprint, p2.Fingerprint)
}

func TestGenerateOrderSensitive(t *testing.T) {
	reordered := []manifest.ModEntry{mods()[1], mods()[0]}
	p1, err := Generate(mods())
	require.NoError(t, err)
	p2, err := Generate(reordered)
	require.NoError(t, err)

	assert.NotEqual(t, p1.Fingerprint, p2.Fingerprint)
}

func TestGenerateEmbedsFingerprintOnFirstLine(t *testing.T) {
	p, err := Generate(mods())
	require.NoError(t, err)

	fp, ok := ParseFingerprint(p.Script)
	require.True(t, ok)
	assert.Equal(t, p.Fingerprint, fp)
}

func TestWriteCreatesLoaderAndModCopies(t *testing.T) {
	modsRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modsRoot, "alpha.js"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modsRoot, "beta.js"), []byte("beta"), 0o644))

	resourcesDir := t.TempDir()
	p, err := Generate(mods())
	require.NoError(t, err)

	loaderPath, err := Write(p, resourcesDir, modsRoot)
	require.NoError(t, err)
	assert.FileExists(t, loaderPath)

	for _, name := range []string{"alpha.js", "beta.js"} {
		copied := filepath.Join(resourcesDir, DirName, "mods", name)
		require.FileExists(t, copied)
	}
}

func TestParseFingerprintMissingMarker(t *testing.T) {
	_, ok := ParseFingerprint([]byte("// no fingerprint here\n"))
	assert.False(t, ok)
}
