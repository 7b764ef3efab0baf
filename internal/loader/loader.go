// Package loader implements C4: generating the loader script from the
// enabled-mod set and copying each enabled mod's source into the sibling
// mods/ directory the loader imports from, per spec.md §4.4 and §6.
package loader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"vivaldi-mod-manager/internal/hashutil"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmerr"
)

// DirName is the directory, co-located inside the browser's resources
// directory, that holds the generated loader and its mods/ copies.
const DirName = "vivaldi-mods"

// scriptTemplate renders the loader's deterministic body. Go's text/template
// always produces the same output for the same input data, which is the
// determinism requirement of spec.md §4.4 — identical inputs, identical
// bytes, identical hash, identical fingerprint.
var scriptTemplate = template.Must(template.New("loader").Parse(
	`// vmm-loader fingerprint={{.Fingerprint}} tool={{.ToolVersion}}
{{range .Mods -}}
import("./mods/{{.Filename}}");
{{end -}}
`))

type templateData struct {
	Fingerprint string
	ToolVersion string
	Mods        []manifest.ModEntry
}

// Plan is the deterministic output of Generate: the loader's bytes, the hash
// of those bytes, and the fingerprint. The fingerprint is derived from the
// hash of the script's import body, not from ContentHash.
type Plan struct {
	Script      []byte
	ContentHash string
	Fingerprint string
	EnabledMods []manifest.ModEntry
}

// toolVersion is stamped into the loader's first-line comment per spec.md
// §6's literal loader format.
const toolVersion = "1.0.0"

// Generate computes the deterministic loader script for the given enabled
// mods (already in their (order, id) load order). The output depends only
// on the mods' ids and filenames and the tool version; the target browser
// version is not an input and does not appear in the script.
func Generate(enabledMods []manifest.ModEntry) (Plan, error) {
	// Fingerprint is computed from a two-pass render: first render the body
	// without a fingerprint to hash it, then render again with the
	// fingerprint folded into the first-line comment — the fingerprint
	// itself is never part of its own preimage.
	bodyHash, err := contentHashOf(enabledMods)
	if err != nil {
		return Plan{}, err
	}

	ids := make([]string, len(enabledMods))
	for i, m := range enabledMods {
		ids[i] = m.ID
	}
	fingerprint := hashutil.Fingerprint(bodyHash, ids)

	var buf strings.Builder
	if err := scriptTemplate.Execute(&buf, templateData{
		Fingerprint: fingerprint,
		ToolVersion: toolVersion,
		Mods:        enabledMods,
	}); err != nil {
		return Plan{}, vmmerr.Wrap(vmmerr.IO, "rendering loader script", err)
	}

	script := []byte(buf.String())
	return Plan{
		Script:      script,
		ContentHash: hashutil.Bytes(script),
		Fingerprint: fingerprint,
		EnabledMods: enabledMods,
	}, nil
}

// contentHashOf hashes just the import-statement body (mod filenames in
// order), which is the part of the loader whose content actually determines
// the fingerprint per spec.md §4.1 ("loader_content_hash").
func contentHashOf(enabledMods []manifest.ModEntry) (string, error) {
	var buf strings.Builder
	for _, m := range enabledMods {
		fmt.Fprintf(&buf, "import(\"./mods/%s\");\n", m.Filename)
	}
	return hashutil.Bytes([]byte(buf.String())), nil
}

// Write renders the loader into <resourcesDir>/vivaldi-mods/loader.js and
// copies every enabled mod's source file from modsRoot into
// <resourcesDir>/vivaldi-mods/mods/<filename>, per spec.md §4.4/§6.
func Write(plan Plan, resourcesDir, modsRoot string) (loaderPath string, err error) {
	targetDir := filepath.Join(resourcesDir, DirName)
	modsDir := filepath.Join(targetDir, "mods")
	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return "", vmmerr.Wrap(vmmerr.IO, "creating "+modsDir, err)
	}

	loaderPath = filepath.Join(targetDir, "loader.js")
	if err := writeAtomic(loaderPath, plan.Script, 0o644); err != nil {
		return "", err
	}

	for _, mod := range plan.EnabledMods {
		src := filepath.Join(modsRoot, mod.Filename)
		dst := filepath.Join(modsDir, mod.Filename)
		if err := copyFile(src, dst); err != nil {
			return "", vmmerr.Wrap(vmmerr.IO, "copying mod "+mod.Filename, err)
		}
	}

	return loaderPath, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return vmmerr.Wrap(vmmerr.IO, "writing "+tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return vmmerr.Wrap(vmmerr.IO, "renaming "+tmp+" into place", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// ExpectedPath returns the absolute path Write places the loader script at,
// given an installation's resources directory, for callers (C7) that only
// need to check existence rather than regenerate it.
func ExpectedPath(resourcesDir string) string {
	return filepath.Join(resourcesDir, DirName, "loader.js")
}

// ParseFingerprint extracts the fingerprint from a loader's first-line
// comment, per spec.md §6's literal format.
func ParseFingerprint(script []byte) (string, bool) {
	firstLine := script
	if idx := strings.IndexByte(string(script), '\n'); idx >= 0 {
		firstLine = script[:idx]
	}
	const marker = "fingerprint="
	i := strings.Index(string(firstLine), marker)
	if i < 0 {
		return "", false
	}
	rest := string(firstLine[i+len(marker):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}
