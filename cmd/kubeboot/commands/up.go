package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/bootstrap"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/config"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/engine"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/stores"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/telemetry"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

func newUpCommand() *cobra.Command {
	var forks int

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Converge the hosts into a Kubernetes cluster",
		Long: `Converge the inventory hosts into a Kubernetes cluster.

This command:
  - Prepares every cluster node (runtime, packages, kernel settings)
  - Initializes the control plane and persists the join artifact
  - Joins each worker behind the control-phase barrier
  - Reports every task outcome per host and a run-level summary`,
		Example: `  # Bootstrap the cluster described by kubeboot.yaml and inventory.yaml
  kubeboot up

  # Converge up to 10 hosts at a time
  kubeboot up --forks 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, inv, logger, err := loadAll()
			if err != nil {
				return err
			}
			if forks > 0 {
				cfg.Forks = forks
			}

			dialer := &transport.SSHDialer{
				User:           cfg.SSH.User,
				KeyPath:        cfg.SSH.KeyPath,
				KnownHostsPath: cfg.SSH.KnownHostsPath,
				StrictHostKey:  cfg.SSH.StrictHostKey,
			}
			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       cfg.Metrics.Enabled,
				ListenAddress: cfg.Metrics.ListenAddress,
				Path:          cfg.Metrics.Path,
			})
			if err != nil {
				return err
			}
			if cfg.Metrics.Enabled {
				metricsErr := make(chan error, 1)
				metrics.StartMetricsServer(metricsErr)
				go func() {
					if err := <-metricsErr; err != nil {
						logger.WithError(err).Warn("metrics server stopped")
					}
				}()
				logger.WithField("address", cfg.Metrics.ListenAddress).Info("serving metrics")
			}
			eng := engine.New(inv, dialer, engine.Options{
				Forks:       cfg.Forks,
				TaskTimeout: cfg.TaskTimeout,
				Logger:      logger,
				Metrics:     metrics,
			})

			coord := bootstrap.NewCoordinator(cfg, inv, eng, logger)
			report, runErr := coord.Run(cmd.Context())

			if report != nil {
				if err := persistHistory(cmd.Context(), cfg, logger, report); err != nil {
					logger.WithError(err).Warn("failed to record run history")
				}
				renderReport(report)
			}
			if runErr != nil {
				return runErr
			}
			if report.State() == engine.StatePartialFailure {
				return fmt.Errorf("run partially failed on %d host(s)", len(report.FailedHosts()))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&forks, "forks", 0, "max hosts converged in parallel (overrides config)")

	return cmd
}

func renderReport(report *engine.Report) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	report.Render(os.Stdout)
}

func persistHistory(ctx context.Context, cfg config.Config, logger *telemetry.Logger, report *engine.Report) error {
	if cfg.HistoryPath == "" {
		return nil
	}
	store, err := stores.NewSQLiteStore(cfg.HistoryPath)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close history store")
		}
	}()
	return store.SaveReport(ctx, report)
}
