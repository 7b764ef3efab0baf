package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"vivaldi-mod-manager/internal/ipc"
)

const clientCallTimeout = 5 * time.Second

// callDaemon dials the IPC socket, sends one command, and pretty-prints the
// JSON payload it gets back. Every client subcommand shares this path.
func callDaemon(cmd *cobra.Command, command string, params any) error {
	cfg := parseConfig(cmd)

	client, err := ipc.Dial(cfg.SocketPath, clientCallTimeout)
	if err != nil {
		return fmt.Errorf("is vmmd running? %w", err)
	}
	defer client.Close()

	data, err := client.Call(command, params, clientCallTimeout)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		pterm.Success.Println("ok")
		return nil
	}

	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err != nil {
		pterm.Println(string(data))
		return nil
	}
	encoded, _ := json.MarshalIndent(pretty, "", "  ")
	pterm.Println(string(encoded))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running daemon's service status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "GetServiceStatus", nil)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the running daemon's health check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "GetHealthCheck", nil)
	},
}

var monitoringCmd = &cobra.Command{
	Use:   "monitoring",
	Short: "Print the running daemon's monitoring status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "GetMonitoringStatus", nil)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the filesystem watcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "PauseMonitoring", nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the filesystem watcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "ResumeMonitoring", nil)
	},
}

var healCmd = &cobra.Command{
	Use:   "heal INSTALLATION_ID",
	Short: "Trigger an immediate heal for one installation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "TriggerAutoHeal", map[string]string{"installation_id": args[0]})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Force the manifest to be re-read from disk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "ReloadManifest", nil)
	},
}

var safeModeCmd = &cobra.Command{
	Use:   "safe-mode",
	Short: "Enable or disable safe mode",
}

var safeModeOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Enable safe mode, removing injection from every managed installation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "EnableSafeMode", nil)
	},
}

var safeModeOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Disable safe mode and re-queue affected installations for healing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, "DisableSafeMode", nil)
	},
}

func init() {
	safeModeCmd.AddCommand(safeModeOnCmd, safeModeOffCmd)
	rootCmd.AddCommand(statusCmd, healthCmd, monitoringCmd, pauseCmd, resumeCmd, healCmd, reloadCmd, safeModeCmd)
}
