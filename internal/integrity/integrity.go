// Package integrity implements C7: a periodic, per-installation check of
// injection-target, loader, and mod-source health, per spec.md §4.7.
package integrity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vivaldi-mod-manager/internal/discovery"
	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/loader"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

// DefaultInterval is the periodic tick spec.md §4.7 names.
const DefaultInterval = 60 * time.Second

// staggerMinInstallations is the threshold spec.md §4.7 names for spacing
// checks evenly across the interval instead of running them all at once.
const staggerMinInstallations = 3

// Violation is one installation's failed check, per spec.md §4.7.
type Violation struct {
	InstallationID      string
	Descriptions        []string
	ConsecutiveFailures int
}

// Store is the subset of *manifest.Store the checker needs; narrowed to an
// interface so tests can supply a fake.
type Store interface {
	Snapshot() *manifest.Manifest
}

// Checker runs the periodic integrity sweep described in spec.md §4.7.
type Checker struct {
	store   Store
	inj     *injector.Injector
	metrics *vmmmetrics.Registry
	log     vmmlog.Logger
	interval time.Duration

	onViolation func(Violation)
}

// Option configures a Checker.
type Option func(*Checker)

// WithInterval overrides the default 60s tick.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) { c.interval = d }
}

// WithViolationHandler registers the callback invoked for each violating
// installation found on a tick (C8's heal-request enqueue point).
func WithViolationHandler(fn func(Violation)) Option {
	return func(c *Checker) { c.onViolation = fn }
}

// New constructs a Checker.
func New(store Store, inj *injector.Injector, metrics *vmmmetrics.Registry, log vmmlog.Logger, opts ...Option) *Checker {
	if log == nil {
		log = vmmlog.Noop()
	}
	c := &Checker{
		store:    store,
		inj:      inj,
		metrics:  metrics,
		log:      log,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run ticks every c.interval until ctx is cancelled, per spec.md §5's
// single-integrity-timer scheduling model.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	snap := c.store.Snapshot()
	if snap.Settings.SafeModeActive || !snap.Settings.AutoHealEnabled {
		c.log.Debug("integrity: skipping tick (safe mode active or auto-heal disabled)")
		return
	}

	installations := snap.Installations
	stagger := len(installations) >= staggerMinInstallations
	var perInstallationDelay time.Duration
	if stagger {
		perInstallationDelay = c.interval / time.Duration(len(installations))
	}

	for i, inst := range installations {
		if !inst.IsManaged {
			continue
		}
		if stagger && i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(perInstallationDelay):
			}
		}
		c.checkOne(snap, inst)
	}
}

func (c *Checker) checkOne(snap *manifest.Manifest, inst manifest.Installation) {
	descriptions := c.violations(snap, inst)

	key := inst.ID
	if len(descriptions) == 0 {
		if c.metrics != nil {
			c.metrics.ConsecutiveFailures.WithLabelValues(key).Set(0)
		}
		return
	}

	var consecutive float64
	if c.metrics != nil {
		consecutive = c.metrics.ConsecutiveFailuresFor(key) + 1
		c.metrics.ConsecutiveFailures.WithLabelValues(key).Set(consecutive)
	} else {
		consecutive = 1
	}

	v := Violation{InstallationID: inst.ID, Descriptions: descriptions, ConsecutiveFailures: int(consecutive)}
	c.logViolation(v)
	if c.onViolation != nil {
		c.onViolation(v)
	}
}

// logViolation escalates log level with consecutive failure count, per
// spec.md §4.7: warn at 1-3, error at 4+.
func (c *Checker) logViolation(v Violation) {
	logFn := c.log.Warnf
	if v.ConsecutiveFailures >= 4 {
		logFn = c.log.Errorf
	}
	logFn("integrity: installation %s failed check (%d consecutive): %v", v.InstallationID, v.ConsecutiveFailures, v.Descriptions)
}

// violations performs the per-installation checks spec.md §4.7 names:
// injection target presence/stub/fingerprint, loader existence, and mod
// source existence.
func (c *Checker) violations(snap *manifest.Manifest, inst manifest.Installation) []string {
	var descriptions []string

	targets := discovery.FindInjectionTargets(inst)
	for name := range discovery.ResourcesTargetNames() {
		if _, ok := targets[name]; !ok {
			descriptions = append(descriptions, fmt.Sprintf("target %s: file missing", name))
		}
	}
	status := c.inj.GetInjectionStatus(targets, inst.InjectionFingerprint)
	for name, ts := range status.TargetFiles {
		switch ts.Validation {
		case injector.Valid:
			// healthy
		case injector.NotInjected:
			descriptions = append(descriptions, fmt.Sprintf("target %s: not injected", name))
		case injector.FingerprintMismatch:
			descriptions = append(descriptions, fmt.Sprintf("Fingerprint mismatch in %s", filepath.Base(ts.Path)))
		default:
			descriptions = append(descriptions, fmt.Sprintf("target %s: %s", name, ts.Validation))
		}
	}

	resourcesDir := discovery.ResourcesDir(inst)
	loaderPath := loader.ExpectedPath(resourcesDir)
	if _, err := os.Stat(loaderPath); err != nil {
		descriptions = append(descriptions, "loader file missing at "+loaderPath)
	}

	for _, mod := range snap.EnabledMods() {
		modPath := filepath.Join(snap.Settings.ModsRootPath, mod.Filename)
		if _, err := os.Stat(modPath); err != nil {
			descriptions = append(descriptions, "mod source missing: "+mod.Filename)
		}
	}

	return descriptions
}
