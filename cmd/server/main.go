package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"accredit/internal/app"
	"accredit/internal/platform/config"
	"accredit/internal/platform/logger"
)

// main loads configuration, assembles the service and runs it until
// SIGINT or SIGTERM.
func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "accredit-server",
		Short:         "Certificate lifecycle and credential awarding service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("ACCREDIT_CONFIG_FILE"), "path to a TOML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	a, err := app.Build(ctx, config.NewHolder(cfg), log)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer a.Close()

	log.Info("starting accredit", "addr", cfg.Server.Addr, "persistent", a.Persistent())
	if err := a.Run(ctx); err != nil {
		log.Error("service stopped", "error", err)
		return err
	}
	log.Info("service stopped")
	return nil
}
