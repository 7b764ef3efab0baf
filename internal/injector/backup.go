package injector

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vivaldi-mod-manager/internal/hashutil"
	"vivaldi-mod-manager/internal/vmmerr"
)

// backupTimestampLayout is lexicographically sortable so Glob'd backups can
// be ordered newest-first by filename alone.
const backupTimestampLayout = "20060102T150405.000000000Z"

func backupGlobPattern(targetPath string) string {
	return targetPath + ".vmm-backup-*"
}

func newBackupPath(targetPath string) string {
	return targetPath + ".vmm-backup-" + time.Now().UTC().Format(backupTimestampLayout)
}

// listBackups returns every backup file for targetPath, newest first.
func listBackups(targetPath string) ([]string, error) {
	matches, err := filepath.Glob(backupGlobPattern(targetPath))
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.IO, "globbing backups for "+targetPath, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// latestBackup returns the most recent backup's path and content, if any.
func latestBackup(targetPath string) (path string, content []byte, ok bool, err error) {
	backups, err := listBackups(targetPath)
	if err != nil || len(backups) == 0 {
		return "", nil, false, err
	}
	data, err := os.ReadFile(backups[0])
	if err != nil {
		return "", nil, false, vmmerr.Wrap(vmmerr.IO, "reading backup "+backups[0], err)
	}
	return backups[0], data, true, nil
}

// ensureBackup reuses an existing backup whose content hash matches
// preStubContent, or creates a new one, per spec.md §4.5 step 3.
func ensureBackup(targetPath string, preStubContent []byte) (backupPath string, err error) {
	wantHash := hashutil.Bytes(preStubContent)

	backups, err := listBackups(targetPath)
	if err != nil {
		return "", err
	}
	for _, b := range backups {
		data, rerr := os.ReadFile(b)
		if rerr != nil {
			continue
		}
		if hashutil.Bytes(data) == wantHash {
			return b, nil
		}
	}

	newPath := newBackupPath(targetPath)
	if err := os.WriteFile(newPath, preStubContent, 0o600); err != nil {
		return "", vmmerr.Wrap(vmmerr.IO, "writing backup "+newPath, err)
	}
	return newPath, nil
}

// restoreFromContent atomically overwrites targetPath with content,
// preserving targetPath's existing permissions where possible.
func restoreFromContent(targetPath string, content []byte) error {
	perm := os.FileMode(0o644)
	if fi, err := os.Stat(targetPath); err == nil {
		perm = fi.Mode().Perm()
	}
	return writeAtomicSameDir(targetPath, content, perm)
}

func writeAtomicSameDir(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vmm-inject-*.tmp")
	if err != nil {
		return vmmerr.Wrap(vmmerr.IO, "creating temp file for "+path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "writing temp file for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "closing temp file for "+path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "preserving permissions for "+path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return vmmerr.Wrap(vmmerr.IO, "renaming temp file into "+path, err)
	}
	return nil
}

// PruneBackups removes backup files older than retentionDays, by the
// timestamp embedded in their filename. Retention is advisory per spec.md
// §9: it never removes the single most-recent backup for a target, so
// Inject's single-backup-reuse rule in §4.5 always has something to
// compare against.
func PruneBackups(targetPaths []string, retentionDays int) (removed int, err error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var errs []error
	for _, target := range targetPaths {
		backups, lerr := listBackups(target)
		if lerr != nil {
			errs = append(errs, lerr)
			continue
		}
		for i, b := range backups {
			if i == 0 {
				continue // always keep the newest
			}
			ts := strings.TrimPrefix(filepath.Base(b), filepath.Base(target)+".vmm-backup-")
			t, perr := time.Parse(backupTimestampLayout, ts)
			if perr != nil {
				continue // unparsable name, leave it alone
			}
			if t.Before(cutoff) {
				if rerr := os.Remove(b); rerr != nil {
					errs = append(errs, rerr)
					continue
				}
				removed++
			}
		}
	}
	if len(errs) > 0 {
		return removed, vmmerr.Wrap(vmmerr.IO, "pruning backups", errs[0])
	}
	return removed, nil
}
