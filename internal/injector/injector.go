package injector

import (
	"os"
	"path/filepath"
	"sort"

	"vivaldi-mod-manager/internal/hashutil"
	"vivaldi-mod-manager/internal/vmmerr"
	"vivaldi-mod-manager/internal/vmmlog"
)

// Injector performs the per-target inject/remove/verify algorithm of
// spec.md §4.5. It is stateless aside from logging — all durable state
// lives on disk (the target files and their backups).
type Injector struct {
	log vmmlog.Logger
}

// New constructs an Injector.
func New(log vmmlog.Logger) *Injector {
	if log == nil {
		log = vmmlog.Noop()
	}
	return &Injector{log: log}
}

// sortedNames returns targets' keys in a stable order so multi-target
// operations behave deterministically regardless of map iteration order.
func sortedNames(targets map[string]string) []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type modifiedTarget struct {
	path           string
	restoreContent []byte
}

// Inject ensures every target in targets carries a stub with fingerprint,
// per spec.md §4.5. loaderPath is the absolute path to the generated
// loader.js; the stub's <script src> is computed relative to each target's
// directory. On any target's failure, every target modified earlier in
// this same call is restored from backup before Inject returns an error —
// the transactional rule of §4.5.
func (inj *Injector) Inject(targets map[string]string, loaderPath, fingerprint string) (InjectionStatus, error) {
	status := InjectionStatus{TargetFiles: map[string]TargetStatus{}}
	var modified []modifiedTarget

	for _, name := range sortedNames(targets) {
		path := targets[name]
		ts, mt, err := inj.injectOne(path, loaderPath, fingerprint)
		status.TargetFiles[name] = ts
		if err != nil {
			inj.log.Warnf("injection failed for target %s (%s): %v; rolling back %d modified target(s)", name, path, err, len(modified))
			for _, m := range modified {
				if rerr := restoreFromContent(m.path, m.restoreContent); rerr != nil {
					inj.log.Errorf("rollback of %s failed: %v", m.path, rerr)
				}
			}
			status.OverallValidation = overallValidation(status.TargetFiles)
			status.IsFullyIntact = false
			return status, err
		}
		if mt != nil {
			modified = append(modified, *mt)
		}
	}

	status.OverallValidation = overallValidation(status.TargetFiles)
	status.IsFullyIntact = isFullyIntact(status.TargetFiles)
	return status, nil
}

// injectOne runs the single-target algorithm of spec.md §4.5 steps 1-6. It
// returns a non-nil *modifiedTarget only when it actually rewrote the file
// (used by Inject for its own rollback bookkeeping); a no-op (stub already
// valid) returns (status, nil, nil).
func (inj *Injector) injectOne(path, loaderPath, fingerprint string) (TargetStatus, *modifiedTarget, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		validation := ValidationFailed
		if os.IsNotExist(err) {
			validation = NotInjected
		}
		return TargetStatus{Path: path, Validation: validation}, nil,
			vmmerr.Wrap(vmmerr.IO, "reading target "+path, err)
	}

	info := detectStub(original)
	if info.Present && !info.Malformed && info.Fingerprint == fingerprint {
		return TargetStatus{Path: path, IsInjected: true, FingerprintFound: fingerprint, Validation: Valid}, nil, nil
	}

	preStubContent := stripStub(original, info)

	backupPath, err := ensureBackup(path, preStubContent)
	if err != nil {
		return TargetStatus{Path: path, Validation: ValidationFailed}, nil, err
	}

	relImport, err := relativeImport(path, loaderPath)
	if err != nil {
		return TargetStatus{Path: path, Validation: ValidationFailed}, nil, err
	}

	newContent := withStub(preStubContent, fingerprint, relImport)

	perm := os.FileMode(0o644)
	if fi, statErr := os.Stat(path); statErr == nil {
		perm = fi.Mode().Perm()
	}
	if err := writeAtomicSameDir(path, newContent, perm); err != nil {
		return TargetStatus{Path: path, Validation: ValidationFailed}, nil, err
	}

	// Step 6: re-read and verify.
	reread, err := os.ReadFile(path)
	if err != nil {
		_ = restoreFromContent(path, preStubContent)
		return TargetStatus{Path: path, Validation: ValidationFailed}, nil,
			vmmerr.Wrap(vmmerr.ValidationFailed, "re-reading "+path+" after injection", err)
	}
	rereadInfo := detectStub(reread)
	if !rereadInfo.Present || rereadInfo.Malformed || rereadInfo.Fingerprint != fingerprint {
		_ = restoreFromContent(path, preStubContent)
		return TargetStatus{Path: path, Validation: Invalid}, nil,
			vmmerr.New(vmmerr.ValidationFailed, "stub missing or malformed after write to "+path)
	}
	// Compare the raw pre-stub bytes actually on disk against preStubContent
	// directly, not through stripStub again: stripStub normalizes trailing
	// newlines, and preStubContent itself may be unnormalized raw content
	// (a fresh target with no prior stub), so re-normalizing only one side
	// would fail this check for any target not already ending in "\n".
	if hashutil.Bytes(reread[:rereadInfo.BeginIdx]) != hashutil.Bytes(preStubContent) {
		_ = restoreFromContent(path, preStubContent)
		return TargetStatus{Path: path, Validation: ValidationFailed}, nil,
			vmmerr.New(vmmerr.ValidationFailed, "pre-stub content hash mismatch after write to "+path)
	}

	backupContent, berr := os.ReadFile(backupPath)
	if berr != nil {
		backupContent = preStubContent
	}

	return TargetStatus{Path: path, IsInjected: true, FingerprintFound: fingerprint, Validation: Valid},
		&modifiedTarget{path: path, restoreContent: backupContent}, nil
}

// relativeImport computes the <script src> value for targetPath's stub,
// relative to targetPath's own directory, using forward slashes regardless
// of host OS since the value is an HTML/URL path, not a filesystem one.
func relativeImport(targetPath, loaderPath string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(targetPath), loaderPath)
	if err != nil {
		return "", vmmerr.Wrap(vmmerr.IO, "computing relative loader import", err)
	}
	return filepath.ToSlash(rel), nil
}

// RemoveInjection strips the stub from every target and restores its most
// recent backup's content (or, lacking a backup, just the stub-stripped
// content), per spec.md §4.10's "best effort, recording per-installation
// status". Errors for individual targets are collected but do not stop
// processing of the rest.
func (inj *Injector) RemoveInjection(targets map[string]string) (map[string]TargetStatus, error) {
	result := make(map[string]TargetStatus, len(targets))
	var firstErr error

	for _, name := range sortedNames(targets) {
		path := targets[name]
		ts, err := inj.removeOne(path)
		result[name] = ts
		if err != nil {
			inj.log.Warnf("remove_injection failed for %s: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return result, firstErr
}

func (inj *Injector) removeOne(path string) (TargetStatus, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TargetStatus{Path: path, Validation: NotInjected}, nil
		}
		return TargetStatus{Path: path, Validation: ValidationFailed}, vmmerr.Wrap(vmmerr.IO, "reading "+path, err)
	}

	info := detectStub(original)
	if !info.Present {
		return TargetStatus{Path: path, Validation: NotInjected}, nil
	}

	if _, backupContent, ok, berr := latestBackup(path); berr == nil && ok {
		if err := restoreFromContent(path, backupContent); err != nil {
			return TargetStatus{Path: path, Validation: ValidationFailed}, err
		}
		return TargetStatus{Path: path, Validation: NotInjected}, nil
	}

	stripped := stripStub(original, info)
	if err := restoreFromContent(path, stripped); err != nil {
		return TargetStatus{Path: path, Validation: ValidationFailed}, err
	}
	return TargetStatus{Path: path, Validation: NotInjected}, nil
}

// GetInjectionStatus reports the current state of every target without
// modifying anything, per spec.md §4.5.
func (inj *Injector) GetInjectionStatus(targets map[string]string, expectedFingerprint string) InjectionStatus {
	status := InjectionStatus{TargetFiles: map[string]TargetStatus{}}

	for name, path := range targets {
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				status.TargetFiles[name] = TargetStatus{Path: path, Validation: NotInjected}
			} else {
				status.TargetFiles[name] = TargetStatus{Path: path, Validation: ValidationFailed}
			}
			continue
		}

		info := detectStub(content)
		switch {
		case !info.Present:
			status.TargetFiles[name] = TargetStatus{Path: path, Validation: NotInjected}
		case info.Malformed:
			status.TargetFiles[name] = TargetStatus{Path: path, IsInjected: true, Validation: Invalid}
		case info.Fingerprint == expectedFingerprint:
			status.TargetFiles[name] = TargetStatus{Path: path, IsInjected: true, FingerprintFound: info.Fingerprint, Validation: Valid}
		default:
			status.TargetFiles[name] = TargetStatus{Path: path, IsInjected: true, FingerprintFound: info.Fingerprint, Validation: FingerprintMismatch}
		}
	}

	status.OverallValidation = overallValidation(status.TargetFiles)
	status.IsFullyIntact = isFullyIntact(status.TargetFiles)
	return status
}
