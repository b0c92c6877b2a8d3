// Package commands implements the kubeboot CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/config"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/telemetry"
)

var (
	// Global flags
	configPath    string
	inventoryPath string
	verbose       bool
	jsonOutput    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kubeboot",
		Short: "kubeboot - Kubernetes cluster bootstrap orchestrator",
		Long: `kubeboot converges a set of hosts into a Kubernetes cluster over SSH:
it prepares every node, initializes the control plane, captures the join
credentials, and joins the workers, idempotently, so re-running against a
healthy cluster changes nothing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kubeboot.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "inventory.yaml", "inventory file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadAll loads the configuration, the inventory, and a logger honoring the
// global flags.
func loadAll() (config.Config, *inventory.Inventory, *telemetry.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	inv, err := inventory.Load(inventoryPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	format := cfg.Log.Format
	if jsonOutput {
		format = "json"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: format,
	})
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	return cfg, inv, logger, nil
}
