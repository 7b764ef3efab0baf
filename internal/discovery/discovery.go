// Package discovery implements C3: finding Vivaldi installations on disk,
// locating their HTML injection targets, and reading their version, per
// spec.md §4.3.
package discovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
)

// versionRe extracts a Vivaldi --version style banner's dotted version
// number, e.g. "Vivaldi 6.7.3329.49".
var versionRe = regexp.MustCompile(`(\d+(?:\.\d+){1,3})`)

// injectionTargetNames are the HTML entrypoints under an installation's
// resources/vivaldi directory that C5 must keep stubbed, per spec.md §4.3.
var injectionTargetNames = map[string]string{
	"window":  "window.html",
	"browser": "browser.html",
}

// ResourcesSubpath is the path, relative to an installation's application
// directory, holding the injection targets and the loader's vivaldi-mods/
// directory.
const ResourcesSubpath = "resources/vivaldi"

// Candidate is a filesystem location worth probing, discovered via
// host-specific conventions. Probing candidates is decoupled from building
// Installations so tests can supply fixed candidate lists.
type Candidate struct {
	Name             string
	InstallationPath string
	ApplicationPath  string // directory containing resources/vivaldi and the executable
	Executable       string
	Kind             manifest.InstallationKind
}

// Diagnostic records a non-fatal problem encountered while probing one
// candidate; spec.md §4.3 requires discovery failures to be per-installation
// and non-fatal to the overall scan.
type Diagnostic struct {
	Candidate string
	Err       error
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %v", d.Candidate, d.Err)
}

// Discoverer probes the host for Vivaldi installations.
type Discoverer struct {
	log        vmmlog.Logger
	candidates func() []Candidate
	versionCmd func(ctx context.Context, executable string) ([]byte, error)
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithCandidates overrides the host-probe function; tests use this to avoid
// touching the real filesystem layout of /Applications, Program Files, etc.
func WithCandidates(fn func() []Candidate) Option {
	return func(d *Discoverer) { d.candidates = fn }
}

// New constructs a Discoverer using the host's default candidate probes.
func New(log vmmlog.Logger, opts ...Option) *Discoverer {
	if log == nil {
		log = vmmlog.Noop()
	}
	d := &Discoverer{
		log:        log,
		candidates: defaultCandidates,
		versionCmd: runVersionCommand,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect enumerates installations per spec.md §4.3's `detect()` contract:
// failures are collected as diagnostics rather than aborting the scan, so
// one broken installation never hides the others.
func (d *Discoverer) Detect(ctx context.Context) ([]manifest.Installation, []Diagnostic) {
	candidates := d.candidates()

	results := make([]manifest.Installation, len(candidates))
	errs := make([]error, len(candidates))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		eg.Go(func() error {
			inst, err := d.probe(egCtx, c)
			if err != nil {
				errs[i] = err
				return nil // per-installation failure, not fatal to the group
			}
			results[i] = inst
			return nil
		})
	}
	_ = eg.Wait() // probe never returns a group-fatal error; nothing to propagate

	var (
		installations []manifest.Installation
		diagnostics   []Diagnostic
	)
	for i, c := range candidates {
		if errs[i] != nil {
			diagnostics = append(diagnostics, Diagnostic{Candidate: c.Name, Err: errs[i]})
			d.log.Warnf("discovery: skipping candidate %s: %v", c.Name, errs[i])
			continue
		}
		installations = append(installations, results[i])
	}
	return installations, diagnostics
}

func (d *Discoverer) probe(ctx context.Context, c Candidate) (manifest.Installation, error) {
	if _, err := os.Stat(c.ApplicationPath); err != nil {
		return manifest.Installation{}, fmt.Errorf("application path %s: %w", c.ApplicationPath, err)
	}

	version, err := d.getVersion(ctx, c.Executable)
	if err != nil {
		d.log.Warnf("discovery: version lookup failed for %s: %v", c.Name, err)
		version = ""
	}

	return manifest.Installation{
		ID:               installationID(c),
		Name:             c.Name,
		InstallationPath: c.InstallationPath,
		ApplicationPath:  c.ApplicationPath,
		Version:          version,
		InstallationType: c.Kind,
		IsManaged:        false,
		IsActive:         true,
		DetectedAt:       time.Now().UTC(),
	}, nil
}

func installationID(c Candidate) string {
	return strings.ToLower(strings.ReplaceAll(c.Name, " ", "-"))
}

// getVersion runs the installation's executable with --version and parses
// its dotted version number, per spec.md §4.3's `get_version` contract.
// A failure to determine the version is reported as ("", err) rather than
// treated as fatal by callers.
func (d *Discoverer) getVersion(ctx context.Context, executable string) (string, error) {
	if executable == "" {
		return "", fmt.Errorf("no executable configured")
	}
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := d.versionCmd(runCtx, executable)
	if err != nil {
		return "", fmt.Errorf("running %q --version: %w", executable, err)
	}

	match := versionRe.FindStringSubmatch(string(output))
	if len(match) < 2 {
		return "", fmt.Errorf("could not parse version from output: %q", strings.TrimSpace(string(output)))
	}
	return match[1], nil
}

func runVersionCommand(ctx context.Context, executable string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, executable, "--version")
	return cmd.CombinedOutput()
}

// FindInjectionTargets returns the absolute paths of install's HTML
// injection targets, keyed by logical name, per spec.md §4.3. Missing
// target files are omitted from the result rather than causing an error;
// callers (the injector, C7) treat a missing target as NotInjected/a
// violation on their own terms.
func FindInjectionTargets(install manifest.Installation) map[string]string {
	resourcesDir := filepath.Join(install.ApplicationPath, filepath.FromSlash(ResourcesSubpath))
	targets := make(map[string]string, len(injectionTargetNames))
	for logical, filename := range injectionTargetNames {
		path := filepath.Join(resourcesDir, filename)
		if _, err := os.Stat(path); err == nil {
			targets[logical] = path
		}
	}
	return targets
}

// ResourcesDir returns the absolute resources/vivaldi directory for install,
// the same directory FindInjectionTargets and the loader generator use.
func ResourcesDir(install manifest.Installation) string {
	return filepath.Join(install.ApplicationPath, filepath.FromSlash(ResourcesSubpath))
}

// ResourcesTargetNames returns the full set of logical injection target
// names this build knows about, regardless of whether each currently exists
// on disk — used by callers (C7) that need to report a target as missing
// rather than silently omit it.
func ResourcesTargetNames() map[string]string {
	out := make(map[string]string, len(injectionTargetNames))
	for k, v := range injectionTargetNames {
		out[k] = v
	}
	return out
}

// IsCompatible reports whether install's version satisfies minVersion under
// semver precedence (major.minor.patch; missing components treated as 0),
// per spec.md §4.3's `is_compatible` contract.
func IsCompatible(install manifest.Installation, minVersion string) bool {
	if install.Version == "" || minVersion == "" {
		return false
	}
	got, err := semver.NewVersion(normalizeSemver(install.Version))
	if err != nil {
		return false
	}
	want, err := semver.NewVersion(normalizeSemver(minVersion))
	if err != nil {
		return false
	}
	return got.Compare(want) >= 0
}

// normalizeSemver pads a dotted version string with missing trailing
// components so "6" and "6.7" parse the same as "6.0.0" and "6.7.0" would,
// and keeps only the first three components of a longer version such as
// "6.7.3329.49", so precedence is decided by major.minor.patch.
func normalizeSemver(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return strings.Join(parts, ".")
}

// defaultCandidates returns the host's conventional Vivaldi installation
// locations. Only the current OS's convention is probed; the others are
// harmless no-ops since their ApplicationPath won't exist.
func defaultCandidates() []Candidate {
	switch runtime.GOOS {
	case "darwin":
		return darwinCandidates()
	case "windows":
		return windowsCandidates()
	default:
		return linuxCandidates()
	}
}

func darwinCandidates() []Candidate {
	base := "/Applications/Vivaldi.app/Contents"
	return []Candidate{{
		Name:             "Vivaldi",
		InstallationPath: "/Applications/Vivaldi.app",
		ApplicationPath:  filepath.Join(base, "Resources"),
		Executable:       filepath.Join(base, "MacOS", "Vivaldi"),
		Kind:             manifest.KindStandard,
	}}
}

func windowsCandidates() []Candidate {
	programFiles := os.Getenv("ProgramFiles")
	localAppData := os.Getenv("LOCALAPPDATA")
	var out []Candidate
	if programFiles != "" {
		base := filepath.Join(programFiles, "Vivaldi", "Application")
		out = append(out, Candidate{
			Name:             "Vivaldi",
			InstallationPath: filepath.Join(programFiles, "Vivaldi"),
			ApplicationPath:  base,
			Executable:       filepath.Join(base, "vivaldi.exe"),
			Kind:             manifest.KindStandard,
		})
	}
	if localAppData != "" {
		base := filepath.Join(localAppData, "Vivaldi", "Application")
		out = append(out, Candidate{
			Name:             "Vivaldi (per-user)",
			InstallationPath: filepath.Join(localAppData, "Vivaldi"),
			ApplicationPath:  base,
			Executable:       filepath.Join(base, "vivaldi.exe"),
			Kind:             manifest.KindStandard,
		})
	}
	return out
}

func linuxCandidates() []Candidate {
	home, _ := os.UserHomeDir()
	var out []Candidate
	out = append(out, Candidate{
		Name:             "Vivaldi",
		InstallationPath: "/opt/vivaldi",
		ApplicationPath:  "/opt/vivaldi",
		Executable:       "/usr/bin/vivaldi",
		Kind:             manifest.KindStandard,
	})
	if home != "" {
		snap := filepath.Join(home, "snap", "vivaldi", "current", "opt", "vivaldi")
		out = append(out, Candidate{
			Name:             "Vivaldi (snap)",
			InstallationPath: snap,
			ApplicationPath:  snap,
			Executable:       filepath.Join(snap, "vivaldi-bin"),
			Kind:             manifest.KindSnapshot,
		})
	}
	return out
}
