// Package watcher implements C6: a single recursive filesystem watcher over
// the mods root and every managed installation's resources directory, with
// debounced delivery and noise filtering, per spec.md §4.6.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vivaldi-mod-manager/internal/loader"
	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

// DefaultDebounce is the periodic drain interval spec.md §4.6 names.
const DefaultDebounce = 2000 * time.Millisecond

// noiseSuffixes are filename suffixes spec.md §4.6 says to ignore.
var noiseSuffixes = []string{".tmp", ".bak", ".swp", "~"}

// Event is one logical (post-debounce) filesystem change, per spec.md §4.6.
type Event struct {
	Path           string
	Timestamp      time.Time
	InstallationID string // empty for mods-root events
}

// Watcher debounces and filters raw fsnotify events from the mods root and
// every managed installation's resources tree into a single logical stream.
type Watcher struct {
	log     vmmlog.Logger
	metrics *vmmmetrics.Registry
	debounce time.Duration

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	paused   bool
	pending  map[string]pendingEvent
	watchDir map[string]string // watched root dir -> installation id ("" for mods root)

	events chan Event
}

type pendingEvent struct {
	arrivedAt      time.Time
	installationID string
}

// New constructs a Watcher. Call Run to begin delivering events on the
// Events channel; call Close to release OS watch handles.
func New(log vmmlog.Logger, metrics *vmmmetrics.Registry, debounce time.Duration) (*Watcher, error) {
	if log == nil {
		log = vmmlog.Noop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		log:      log,
		metrics:  metrics,
		debounce: debounce,
		fsw:      fsw,
		pending:  make(map[string]pendingEvent),
		watchDir: make(map[string]string),
		events:   make(chan Event, 256),
	}, nil
}

// Events returns the channel logical (debounced, filtered) events are
// delivered on.
func (w *Watcher) Events() <-chan Event { return w.events }

// WatchModsRoot recursively adds modsRoot to the watch set.
func (w *Watcher) WatchModsRoot(modsRoot string) error {
	return w.addTree(modsRoot, "")
}

// WatchInstallation recursively adds an installation's resources directory
// to the watch set, tagging its events with installationID.
func (w *Watcher) WatchInstallation(installationID, resourcesDir string) error {
	return w.addTree(resourcesDir, installationID)
}

func (w *Watcher) addTree(root, installationID string) error {
	dirs, err := listDirsRecursive(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range dirs {
		if err := w.fsw.Add(d); err != nil {
			return err
		}
		w.watchDir[d] = installationID
	}
	if w.metrics != nil {
		w.metrics.ActiveWatchers.Set(float64(len(w.watchDir)))
	}
	return nil
}

// Run drains raw fsnotify events into the debounce buffer and periodically
// flushes matured entries onto the Events channel, until ctx is cancelled.
// It is meant to run in its own goroutine, per spec.md §5's one-watcher-task
// scheduling model.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			w.recordRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			w.log.Warnf("watcher: fsnotify error: %v", err)
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *Watcher) recordRaw(ev fsnotify.Event) {
	if isNoise(ev.Name) {
		return
	}
	if isSelfWrite(ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		return
	}
	installationID := w.watchDir[filepath.Dir(ev.Name)]
	w.pending[ev.Name] = pendingEvent{arrivedAt: time.Now(), installationID: installationID}
}

func (w *Watcher) drain() {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	var ready []Event
	for path, pe := range w.pending {
		if now.Sub(pe.arrivedAt) < w.debounce {
			continue
		}
		ready = append(ready, Event{Path: path, Timestamp: now, InstallationID: pe.installationID})
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, e := range ready {
		if w.metrics != nil {
			w.metrics.FileChanges.Inc()
			if e.InstallationID != "" {
				w.metrics.VivaldiChanges.Inc()
			}
		}
		select {
		case w.events <- e:
		default:
			w.log.Warnf("watcher: events channel full, dropping event for %s", e.Path)
		}
	}
}

// Pause stops delivering events and releases OS watch handles, per
// spec.md §4.6's `pause()` contract.
func (w *Watcher) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	for d := range w.watchDir {
		_ = w.fsw.Remove(d)
	}
	w.watchDir = make(map[string]string)
	w.pending = make(map[string]pendingEvent)
	if w.metrics != nil {
		w.metrics.ActiveWatchers.Set(0)
	}
	return nil
}

// Resume re-establishes watches per spec.md §4.6's `resume()` contract. The
// caller supplies the current mods root and installation resources
// directories (drawn from the manifest) since the watcher holds no manifest
// reference of its own.
func (w *Watcher) Resume(modsRoot string, installations map[string]string) error {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()

	if err := w.WatchModsRoot(modsRoot); err != nil {
		return err
	}
	for id, dir := range installations {
		if err := w.WatchInstallation(id, dir); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all OS watch handles.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func isNoise(path string) bool {
	base := filepath.Base(path)
	for _, suffix := range noiseSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// isSelfWrite ignores changes under the loader's own vivaldi-mods/
// directory: the heal supervisor and loader generator write there
// themselves, and treating those as fresh violations would make the watcher
// perpetually re-trigger itself. Resolves spec.md §9's self-write ambiguity.
func isSelfWrite(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == loader.DirName {
			return true
		}
	}
	return false
}

func listDirsRecursive(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}
