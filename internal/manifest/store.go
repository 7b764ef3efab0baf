package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vivaldi-mod-manager/internal/vmmerr"
	"vivaldi-mod-manager/internal/vmmlog"
)

// ToolVersion is stamped into createdByVersion/lastUpdatedByVersion.
const ToolVersion = "1.0.0"

// backupSuffix is appended to a manifest path to form its sibling backup.
const backupSuffix = ".backup"

// Store owns the on-disk manifest file exclusively: all mutation goes
// through Mutate, which serializes writers with an internal lock and rolls
// the in-memory snapshot back to the last persisted version on save
// failure, per spec.md §2, §3 and §7.
type Store struct {
	mu      sync.Mutex
	path    string
	log     vmmlog.Logger
	current *Manifest
}

// Exists reports whether a manifest file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateDefault builds a fresh manifest with sensible default settings, per
// spec.md §3's "Manifest created on first start (default values)".
func CreateDefault(modsRootPath string) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		SchemaVersion:        CurrentSchemaVersion,
		CreatedAt:            now,
		LastUpdated:          now,
		CreatedByVersion:     ToolVersion,
		LastUpdatedByVersion: ToolVersion,
		Settings: Settings{
			AutoHealEnabled:     true,
			MonitoringEnabled:   true,
			BackupRetentionDays: 30,
			LogLevel:            "info",
			ModsRootPath:        modsRootPath,
			SafeModeActive:      false,
		},
		Mods:          []ModEntry{},
		Installations: []Installation{},
		HealHistory:   []HealHistoryEntry{},
	}
}

// Load reads and parses the manifest at path, falling back to its sibling
// .backup if the primary file is corrupted, per spec.md §4.2/§7.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmmerr.Wrap(vmmerr.NotFound, "manifest not found at "+path, err)
		}
		return nil, vmmerr.Wrap(vmmerr.IO, "reading manifest "+path, err)
	}

	m, parseErr := parseManifest(data)
	if parseErr == nil {
		return m, nil
	}
	if vmmerr.Is(parseErr, vmmerr.SchemaUnsupported) {
		return nil, parseErr
	}

	// Primary is corrupted; attempt the sibling backup before giving up.
	backupData, berr := os.ReadFile(path + backupSuffix)
	if berr != nil {
		return nil, vmmerr.Wrap(vmmerr.Corrupted, "manifest corrupted and no usable backup at "+path+backupSuffix, parseErr)
	}
	bm, bParseErr := parseManifest(backupData)
	if bParseErr != nil {
		return nil, vmmerr.Wrap(vmmerr.Corrupted, "manifest and backup both corrupted", parseErr)
	}
	return bm, nil
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vmmerr.Wrap(vmmerr.Corrupted, "parsing manifest JSON", err)
	}
	if m.SchemaVersion == 0 {
		return nil, vmmerr.New(vmmerr.Corrupted, "manifest missing schema_version")
	}
	if m.SchemaVersion > CurrentSchemaVersion {
		return nil, vmmerr.New(vmmerr.SchemaUnsupported, fmt.Sprintf("schema version %d is newer than this build supports (%d)", m.SchemaVersion, CurrentSchemaVersion))
	}
	return &m, nil
}

// Open loads the manifest at path into a new Store. If no manifest exists,
// Open does not create one — callers should check Exists first and call
// Bootstrap for first-run.
func Open(path string, log vmmlog.Logger) (*Store, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, log: log, current: m}, nil
}

// Bootstrap creates, persists, and wraps a fresh default manifest. Used on
// first start when Exists(path) is false.
func Bootstrap(path, modsRootPath string, log vmmlog.Logger) (*Store, error) {
	s := &Store{path: path, log: log, current: CreateDefault(modsRootPath)}
	if err := s.persist(s.current); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns a deep copy of the last loaded/persisted manifest. Other
// components read this rather than the live Store, per spec.md §9's
// "readers load immutable snapshots".
func (s *Store) Snapshot() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(s.current)
}

// Path returns the manifest file path this Store owns.
func (s *Store) Path() string { return s.path }

// Reload re-reads the manifest from disk into the in-memory snapshot,
// discarding any unpersisted state. Used by the IPC ReloadManifest command.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current = m
	return nil
}

// Mutate applies fn to a copy of the current snapshot, validates and
// persists the result, and only then swaps it in as the new current
// snapshot. If fn, validation, or persistence fails, the in-memory state is
// left untouched — the rollback-to-last-persisted-version policy of
// spec.md §7. Mutate serializes all writers through s.mu; it must not be
// called while already holding s.mu (no reentrant mutation).
func (s *Store) Mutate(fn func(*Manifest) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := deepCopy(s.current)
	if err := fn(working); err != nil {
		return err
	}
	if err := validate(working); err != nil {
		return err
	}
	working.LastUpdated = time.Now().UTC()
	working.LastUpdatedByVersion = ToolVersion

	if err := s.persist(working); err != nil {
		return err
	}
	s.current = working
	return nil
}

// validate enforces the save-time invariants of spec.md §4.2: unique mod
// ids, unique installation ids, schema_version set.
func validate(m *Manifest) error {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	seen := make(map[string]struct{}, len(m.Mods))
	for _, mod := range m.Mods {
		if _, dup := seen[mod.ID]; dup {
			return vmmerr.New(vmmerr.Corrupted, "duplicate mod id "+mod.ID)
		}
		seen[mod.ID] = struct{}{}
	}
	seenInst := make(map[string]struct{}, len(m.Installations))
	for _, inst := range m.Installations {
		if _, dup := seenInst[inst.ID]; dup {
			return vmmerr.New(vmmerr.Corrupted, "duplicate installation id "+inst.ID)
		}
		seenInst[inst.ID] = struct{}{}
	}
	return nil
}

// persist writes m to disk atomically: the existing committed file (if any)
// is first copied to the sibling .backup, then the new content is written
// to a temp file in the same directory, fsynced, and renamed over the
// target. persist does not mutate s.current; callers do that themselves
// once persist succeeds.
func (s *Store) persist(m *Manifest) error {
	dir := filepath.Dir(s.path)

	if existing, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+backupSuffix, existing, 0o600); err != nil {
			if s.log != nil {
				s.log.Warnf("failed to refresh manifest backup: %v", err)
			}
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return vmmerr.Wrap(vmmerr.IO, "marshalling manifest", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return vmmerr.Wrap(vmmerr.IO, "creating temp manifest file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "writing temp manifest file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "fsyncing temp manifest file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "closing temp manifest file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "renaming temp manifest file into place", err)
	}
	return nil
}

// deepCopy round-trips m through JSON to produce an independent copy. The
// manifest is a small document refreshed at most a few times a minute, so
// the marshal/unmarshal cost is immaterial next to the simplicity of never
// having to hand-maintain a deep-copy function as fields are added.
func deepCopy(m *Manifest) *Manifest {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		// Marshalling our own struct back to JSON cannot fail in practice;
		// fall back to a shallow copy rather than panicking a live daemon.
		cp := *m
		return &cp
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *m
		return &cp
	}
	return &out
}
