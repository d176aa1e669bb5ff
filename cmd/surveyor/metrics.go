package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Metrics commands",
}

var metricsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the fatal error flag",
	Long: `Clear the fatal error flag after the cause of a critical failure has been
fixed by hand. While the flag is set every run refuses to start.`,
	Args: cobra.NoArgs,
	RunE: runMetricsReset,
}

func init() {
	metricsCmd.AddCommand(metricsResetCmd)
	rootCmd.AddCommand(metricsCmd)
}

func runMetricsReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Metrics.TextfileDir == "" {
		return fmt.Errorf("metrics.textfile_dir is not configured")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	gate := metrics.NewFatalGate(cfg.Metrics.TextfileDir, cfg.Metrics.EnvPrefix, cfg.Metrics.JobName, logger)
	if err := gate.Reset(); err != nil {
		return fmt.Errorf("failed to reset fatal error flag: %w", err)
	}
	fmt.Printf("Fatal error flag cleared: %s\n", gate.Path())
	return nil
}
