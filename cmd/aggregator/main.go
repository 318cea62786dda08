package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "aggregator",
		Short: "Maintains per-user completion aggregates over course content trees",
		Long: `aggregator ingests leaf completions, keeps per-container aggregates
up to date through a stale-work queue, and serves progress reads.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			slog.SetDefault(logger)
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "aggregator.yaml", "Path to configuration file")
}
