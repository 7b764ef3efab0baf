// Package service wires C2-C10 into one resident process: it owns the
// manifest store, discovery, loader/injector, watcher, integrity checker,
// heal supervisor, IPC endpoint, and safe-mode manager, and runs them under
// a single shutdown signal per spec.md §5.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vivaldi-mod-manager/internal/discovery"
	"vivaldi-mod-manager/internal/heal"
	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/integrity"
	"vivaldi-mod-manager/internal/ipc"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/safemode"
	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
	"vivaldi-mod-manager/internal/watcher"
)

// Config bundles the file paths and tunables a Service needs to start,
// corresponding to spec.md §6's filesystem layout and §4.7/§4.8's defaults.
type Config struct {
	ManifestPath         string
	ModsRootPath         string
	IPCSocketPath        string
	IntegrityInterval    time.Duration
	WatcherDebounce      time.Duration
	HealCooldown         time.Duration
	HealMaxRetries       int
	StabilizationMaxWait time.Duration
}

// Service is the assembled daemon: every component of spec.md §2 wired
// together and ready to Run.
type Service struct {
	cfg Config
	log vmmlog.Logger

	store   *manifest.Store
	disc    *discovery.Discoverer
	inj     *injector.Injector
	metrics *vmmmetrics.Registry
	watch   *watcher.Watcher
	check   *integrity.Checker
	supervisor *heal.Supervisor
	ipcServer  *ipc.Server
	safe       *safemode.Manager

	startedAt time.Time

	mu            sync.Mutex
	lastOperation string
}

// New bootstraps or opens the manifest and constructs every component, but
// does not yet start any background task — call Run for that.
func New(cfg Config, log vmmlog.Logger) (*Service, error) {
	if log == nil {
		log = vmmlog.Noop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.ManifestPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ModsRootPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating mods root directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.IPCSocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating ipc socket directory: %w", err)
	}

	var store *manifest.Store
	var err error
	if manifest.Exists(cfg.ManifestPath) {
		store, err = manifest.Open(cfg.ManifestPath, log)
	} else {
		store, err = manifest.Bootstrap(cfg.ManifestPath, cfg.ModsRootPath, log)
	}
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}

	metrics := vmmmetrics.NewRegistry()
	disc := discovery.New(log)
	inj := injector.New(log)
	safe := safemode.New(store, inj, log)

	watch, err := watcher.New(log, metrics, cfg.WatcherDebounce)
	if err != nil {
		return nil, fmt.Errorf("constructing watcher: %w", err)
	}

	ipcServer := ipc.New(cfg.IPCSocketPath, log, metrics)

	var healOpts []heal.Option
	if cfg.HealCooldown > 0 {
		healOpts = append(healOpts, heal.WithCooldown(cfg.HealCooldown))
	}
	if cfg.HealMaxRetries > 0 {
		healOpts = append(healOpts, heal.WithMaxRetries(cfg.HealMaxRetries))
	}
	if cfg.StabilizationMaxWait > 0 {
		healOpts = append(healOpts, heal.WithStabilizationMaxWait(cfg.StabilizationMaxWait))
	}
	healOpts = append(healOpts, heal.WithEventSink(ipcServer))
	supervisor := heal.New(store, disc, inj, metrics, log, healOpts...)

	var checkOpts []integrity.Option
	if cfg.IntegrityInterval > 0 {
		checkOpts = append(checkOpts, integrity.WithInterval(cfg.IntegrityInterval))
	}

	svc := &Service{
		cfg:        cfg,
		log:        log,
		store:      store,
		disc:       disc,
		inj:        inj,
		metrics:    metrics,
		watch:      watch,
		supervisor: supervisor,
		ipcServer:  ipcServer,
		safe:       safe,
		startedAt:  time.Now(),
	}

	checkOpts = append(checkOpts, integrity.WithViolationHandler(svc.onViolation))
	svc.check = integrity.New(store, inj, metrics, log, checkOpts...)

	svc.registerHandlers()
	return svc, nil
}

// Run starts every background task and blocks until ctx is cancelled, per
// spec.md §5's "single shutdown signal cancels all tasks" model.
func (s *Service) Run(ctx context.Context) error {
	snap := s.store.Snapshot()
	if err := s.watch.WatchModsRoot(snap.Settings.ModsRootPath); err != nil {
		s.log.Warnf("service: failed to watch mods root: %v", err)
	}
	for _, inst := range snap.Installations {
		if inst.IsManaged {
			if err := s.watch.WatchInstallation(inst.ID, discovery.ResourcesDir(inst)); err != nil {
				s.log.Warnf("service: failed to watch installation %s: %v", inst.ID, err)
			}
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { s.watch.Run(egCtx); return nil })
	eg.Go(func() error { s.drainWatcherEvents(egCtx); return nil })
	eg.Go(func() error {
		if snap.Settings.MonitoringEnabled {
			s.check.Run(egCtx)
		}
		return nil
	})
	eg.Go(func() error { s.supervisor.Run(egCtx); return nil })
	eg.Go(func() error { return s.ipcServer.ListenAndServe(egCtx) })

	return eg.Wait()
}

// drainWatcherEvents turns every event from an installation's resources
// tree into a "VivaldiUpdate" HealRequest (spec.md §4.8) and a
// VivaldiUpdateDetected broadcast. Events are not checked for a new version
// directory; mods-root events are not forwarded.
func (s *Service) drainWatcherEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watch.Events():
			if !ok {
				return
			}
			if ev.InstallationID != "" {
				s.supervisor.Enqueue(ev.InstallationID, heal.ReasonVivaldiUpdate)
				s.ipcServer.Broadcast("VivaldiUpdateDetected", map[string]any{
					"installationId": ev.InstallationID,
					"path":           ev.Path,
				})
			}
		}
	}
}

func (s *Service) onViolation(v integrity.Violation) {
	s.ipcServer.Broadcast("IntegrityViolation", map[string]any{
		"installationId":      v.InstallationID,
		"descriptions":        v.Descriptions,
		"consecutiveFailures": v.ConsecutiveFailures,
	})
	s.supervisor.Enqueue(v.InstallationID, heal.ReasonIntegrityViolation)
}

func (s *Service) setLastOperation(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOperation = op
}

func (s *Service) getLastOperation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOperation
}

// jsonParams unmarshals a command's raw parameters into dst, tolerating a
// nil/empty payload for commands that take none.
func jsonParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
