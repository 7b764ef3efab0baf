// Package safemode implements C10: atomically disabling or re-enabling
// injection across every managed installation, per spec.md §4.10.
package safemode

import (
	"fmt"

	"vivaldi-mod-manager/internal/discovery"
	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
)

// Manager toggles the manifest's safe-mode flag and drives C5's
// remove_injection across every managed installation when entering it.
type Manager struct {
	store *manifest.Store
	inj   *injector.Injector
	log   vmmlog.Logger
}

// New constructs a Manager.
func New(store *manifest.Store, inj *injector.Injector, log vmmlog.Logger) *Manager {
	if log == nil {
		log = vmmlog.Noop()
	}
	return &Manager{store: store, inj: inj, log: log}
}

// Activate removes the injection from every managed installation
// (best-effort: a failure is logged and the remaining installations are
// still processed), then sets settings.safe_mode_active and persists, per
// spec.md §4.10. The per-target statuses RemoveInjection returns are not
// stored. Safe mode never deletes mod files or manifest entries.
func (m *Manager) Activate() error {
	snap := m.store.Snapshot()

	for _, inst := range snap.Installations {
		if !inst.IsManaged {
			continue
		}
		targets := discovery.FindInjectionTargets(inst)
		if _, err := m.inj.RemoveInjection(targets); err != nil {
			m.log.Warnf("safemode: remove_injection for %s had errors: %v", inst.ID, err)
		}
	}

	return m.store.Mutate(func(working *manifest.Manifest) error {
		working.Settings.SafeModeActive = true
		return nil
	})
}

// Deactivate clears settings.safe_mode_active, persists, and returns the
// count of managed installations that now need healing — the heal
// supervisor is expected to re-enqueue each of them, per spec.md §4.10.
func (m *Manager) Deactivate() (int, error) {
	var needsHeal int
	err := m.store.Mutate(func(working *manifest.Manifest) error {
		working.Settings.SafeModeActive = false
		for _, inst := range working.Installations {
			if inst.IsManaged {
				needsHeal++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deactivating safe mode: %w", err)
	}
	return needsHeal, nil
}
