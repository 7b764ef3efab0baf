package cmd

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPathsShareTheSameStateDir(t *testing.T) {
	dir := defaultStateDir()
	if dir == "" {
		t.Fatal("defaultStateDir returned empty string")
	}

	manifest := defaultManifestPath()
	mods := defaultModsRootPath()
	socket := defaultSocketPath()

	for _, p := range []string{manifest, mods, socket} {
		if filepath.Dir(p) != dir {
			t.Errorf("path %q is not under state dir %q", p, dir)
		}
	}

	if filepath.Base(manifest) != "manifest.json" {
		t.Errorf("manifest path = %q; want to end in manifest.json", manifest)
	}
	if filepath.Base(socket) != "vmmd.sock" {
		t.Errorf("socket path = %q; want to end in vmmd.sock", socket)
	}
}

func TestBuildServiceConfigCopiesEveryField(t *testing.T) {
	cfg := CLIConfig{
		ManifestPath:      "/tmp/manifest.json",
		ModsRootPath:      "/tmp/mods",
		SocketPath:        "/tmp/vmmd.sock",
		IntegrityInterval: 90 * time.Second,
		WatcherDebounce:   3 * time.Second,
		HealCooldown:      45 * time.Second,
		HealMaxRetries:    7,
	}
	svcCfg := buildServiceConfig(cfg)

	if svcCfg.ManifestPath != cfg.ManifestPath {
		t.Errorf("ManifestPath = %q; want %q", svcCfg.ManifestPath, cfg.ManifestPath)
	}
	if svcCfg.ModsRootPath != cfg.ModsRootPath {
		t.Errorf("ModsRootPath = %q; want %q", svcCfg.ModsRootPath, cfg.ModsRootPath)
	}
	if svcCfg.IPCSocketPath != cfg.SocketPath {
		t.Errorf("IPCSocketPath = %q; want %q", svcCfg.IPCSocketPath, cfg.SocketPath)
	}
	if svcCfg.IntegrityInterval != cfg.IntegrityInterval {
		t.Errorf("IntegrityInterval = %s; want %s", svcCfg.IntegrityInterval, cfg.IntegrityInterval)
	}
	if svcCfg.WatcherDebounce != cfg.WatcherDebounce {
		t.Errorf("WatcherDebounce = %s; want %s", svcCfg.WatcherDebounce, cfg.WatcherDebounce)
	}
	if svcCfg.HealCooldown != cfg.HealCooldown {
		t.Errorf("HealCooldown = %s; want %s", svcCfg.HealCooldown, cfg.HealCooldown)
	}
	if svcCfg.HealMaxRetries != cfg.HealMaxRetries {
		t.Errorf("HealMaxRetries = %d; want %d", svcCfg.HealMaxRetries, cfg.HealMaxRetries)
	}
}
