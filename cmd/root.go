package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vivaldi-mod-manager/internal/service"
	"vivaldi-mod-manager/internal/vmmlog"
)

// CLIConfig is the fully resolved set of inputs every subcommand needs,
// following the teacher's flag-resolution CLIConfig shape.
type CLIConfig struct {
	ManifestPath      string
	ModsRootPath      string
	SocketPath        string
	LogLevel          string
	IntegrityInterval time.Duration
	WatcherDebounce   time.Duration
	HealCooldown      time.Duration
	HealMaxRetries    int
}

var rootCmd = &cobra.Command{
	Use:   "vmmd",
	Short: "Resident manager for Vivaldi mod installations",
	Long:  `vmmd maintains a manifest of desired mods, injects a loader into Vivaldi's HTML entrypoints, and heals the injection after every browser update.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// Execute initializes the root command tree and delegates to Cobra for
// argument parsing and subcommand dispatch.
// Why: isolates Cobra init and TTY detection from the business logic, the
// way the teacher's Execute does.
func Execute() {
	if !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("NO_COLOR") != "" {
		pterm.DisableStyling()
		pterm.RawOutput = true
	}
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("manifest-path", defaultManifestPath(), "Absolute path to the manifest JSON document")
	rootCmd.PersistentFlags().String("mods-root", defaultModsRootPath(), "Path to the directory holding managed mod files")
	rootCmd.PersistentFlags().String("socket-path", defaultSocketPath(), "Path to the IPC Unix domain socket")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Duration("integrity-interval", 0, "Override the integrity checker's poll interval (0 = built-in default)")
	rootCmd.PersistentFlags().Duration("watcher-debounce", 0, "Override the filesystem watcher's debounce window (0 = built-in default)")
	rootCmd.PersistentFlags().Duration("heal-cooldown", 0, "Override the heal supervisor's per-installation cooldown (0 = built-in default)")
	rootCmd.PersistentFlags().Int("heal-max-retries", 0, "Override the heal supervisor's max retry count (0 = built-in default)")
}

func parseConfig(cmd *cobra.Command) CLIConfig {
	cfg := CLIConfig{}
	cfg.ManifestPath, _ = cmd.Flags().GetString("manifest-path")
	cfg.ModsRootPath, _ = cmd.Flags().GetString("mods-root")
	cfg.SocketPath, _ = cmd.Flags().GetString("socket-path")
	cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	cfg.IntegrityInterval, _ = cmd.Flags().GetDuration("integrity-interval")
	cfg.WatcherDebounce, _ = cmd.Flags().GetDuration("watcher-debounce")
	cfg.HealCooldown, _ = cmd.Flags().GetDuration("heal-cooldown")
	cfg.HealMaxRetries, _ = cmd.Flags().GetInt("heal-max-retries")
	return cfg
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "vivaldi-mod-manager")
	}
	return filepath.Join(os.TempDir(), "vivaldi-mod-manager")
}

func defaultManifestPath() string { return filepath.Join(defaultStateDir(), "manifest.json") }
func defaultModsRootPath() string { return filepath.Join(defaultStateDir(), "mods") }
func defaultSocketPath() string   { return filepath.Join(defaultStateDir(), "vmmd.sock") }

func buildServiceConfig(cfg CLIConfig) service.Config {
	return service.Config{
		ManifestPath:      cfg.ManifestPath,
		ModsRootPath:      cfg.ModsRootPath,
		IPCSocketPath:     cfg.SocketPath,
		IntegrityInterval: cfg.IntegrityInterval,
		WatcherDebounce:   cfg.WatcherDebounce,
		HealCooldown:      cfg.HealCooldown,
		HealMaxRetries:    cfg.HealMaxRetries,
	}
}

func buildLogger(cfg CLIConfig) vmmlog.Logger {
	return vmmlog.New(vmmlog.Config{Level: cfg.LogLevel})
}
