package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"vivaldi-mod-manager/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resident manager in the foreground (the default command)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func runServe(cmd *cobra.Command) error {
	cfg := parseConfig(cmd)
	log := buildLogger(cfg)

	svc, err := service.New(buildServiceConfig(cfg), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("vmmd listening on %s", cfg.SocketPath)
	return svc.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
