// Package manifest implements C2: the manifest store that owns the single
// persistent state document described in spec.md §3 and §6.
package manifest

import "time"

// CurrentSchemaVersion is the schema_version this build writes and the
// highest version it can load.
const CurrentSchemaVersion = 1

// InstallationKind enumerates the installation variants spec.md §3 names.
type InstallationKind string

const (
	KindStandard InstallationKind = "Standard"
	KindPortable InstallationKind = "Portable"
	KindSnapshot InstallationKind = "Snapshot"
)

// ModEntry is the unit of user intent (spec.md §3), carrying the full field
// set of the on-disk schema in spec.md §6.
type ModEntry struct {
	ID                         string    `json:"id"`
	Filename                   string    `json:"filename"`
	Enabled                    bool      `json:"enabled"`
	Order                      int       `json:"order"`
	Notes                      string    `json:"notes,omitempty"`
	Checksum                   string    `json:"checksum"`
	LastModified               time.Time `json:"lastModified"`
	Version                    string    `json:"version,omitempty"`
	URLScopes                  []string  `json:"urlScopes,omitempty"`
	LastKnownCompatibleVivaldi string    `json:"lastKnownCompatibleVivaldi,omitempty"`
	CreatedAt                  time.Time `json:"createdAt"`
	UpdatedAt                  time.Time `json:"updatedAt"`
	FileSize                   int64     `json:"fileSize"`
	IsValidated                bool      `json:"isValidated"`
}

// Installation is one browser on disk (spec.md §3).
type Installation struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	InstallationPath     string            `json:"installationPath"`
	UserDataPath         string            `json:"userDataPath"`
	ApplicationPath      string            `json:"applicationPath"`
	Version              string            `json:"version"`
	InstallationType     InstallationKind  `json:"installationType"`
	IsManaged            bool              `json:"isManaged"`
	IsActive             bool              `json:"isActive"`
	DetectedAt           time.Time         `json:"detectedAt"`
	LastVerifiedAt       time.Time         `json:"lastVerifiedAt,omitempty"`
	LastInjectionAt      time.Time         `json:"lastInjectionAt,omitempty"`
	LastInjectionStatus  string            `json:"lastInjectionStatus,omitempty"`
	InjectionFingerprint string            `json:"injectionFingerprint,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Settings holds the manifest's global toggles (spec.md §3).
type Settings struct {
	AutoHealEnabled     bool   `json:"autoHealEnabled"`
	MonitoringEnabled   bool   `json:"monitoringEnabled"`
	BackupRetentionDays int    `json:"backupRetentionDays"`
	LogLevel            string `json:"logLevel"`
	ModsRootPath        string `json:"modsRootPath"`
	SafeModeActive      bool   `json:"safeModeActive"`
}

// HealHistoryEntry is one rolling-log record of a completed heal attempt
// (spec.md §3, §4.8). Entries are prepended (newest first) and the list is
// truncated to HistoryMaxEntries.
type HealHistoryEntry struct {
	InstallationID string    `json:"installationId"`
	TriggerReason  string    `json:"triggerReason"`
	Success        bool      `json:"success"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMS     int64     `json:"durationMs"`
	Error          string    `json:"error,omitempty"`
}

// HistoryMaxEntries is the default bound on HealHistory length (spec.md §3).
const HistoryMaxEntries = 50

// Manifest is the single persistent document described in spec.md §3/§6.
type Manifest struct {
	SchemaVersion        int                `json:"schemaVersion"`
	LastUpdated          time.Time          `json:"lastUpdated"`
	CreatedAt            time.Time          `json:"createdAt"`
	CreatedByVersion     string             `json:"createdByVersion"`
	LastUpdatedByVersion string             `json:"lastUpdatedByVersion"`
	Settings             Settings           `json:"settings"`
	Mods                 []ModEntry         `json:"mods"`
	Installations        []Installation     `json:"installations"`
	HealHistory          []HealHistoryEntry `json:"healHistory,omitempty"`
}

// EnabledModIDsInOrder returns the ids of enabled mods ordered by (order,
// id) per spec.md §3's ordering invariant.
func (m *Manifest) EnabledModIDsInOrder() []string {
	type entry struct {
		id    string
		order int
	}
	var entries []entry
	for _, mod := range m.Mods {
		if mod.Enabled {
			entries = append(entries, entry{id: mod.ID, order: mod.Order})
		}
	}
	// Stable insertion sort keeps this deterministic without importing sort
	// for what is typically a handful of entries; ties break on id.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && less(entries[j], entries[j-1]) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func less(a, b struct {
	id    string
	order int
}) bool {
	if a.order != b.order {
		return a.order < b.order
	}
	return a.id < b.id
}

// FindMod returns the mod with the given id, if present.
func (m *Manifest) FindMod(id string) (*ModEntry, bool) {
	for i := range m.Mods {
		if m.Mods[i].ID == id {
			return &m.Mods[i], true
		}
	}
	return nil, false
}

// FindInstallation returns the installation with the given id, if present.
func (m *Manifest) FindInstallation(id string) (*Installation, bool) {
	for i := range m.Installations {
		if m.Installations[i].ID == id {
			return &m.Installations[i], true
		}
	}
	return nil, false
}

// EnabledMods returns the enabled mods sorted by (order, id), i.e. the same
// sequence EnabledModIDsInOrder draws ids from.
func (m *Manifest) EnabledMods() []ModEntry {
	ids := m.EnabledModIDsInOrder()
	out := make([]ModEntry, 0, len(ids))
	for _, id := range ids {
		if mod, ok := m.FindMod(id); ok {
			out = append(out, *mod)
		}
	}
	return out
}
