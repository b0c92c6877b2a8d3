package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/bootstrap"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// pingResult is one host's preflight outcome.
type pingResult struct {
	Host      string `json:"host"`
	Address   string `json:"address"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
	RTT       string `json:"rtt,omitempty"`
}

func newPingCommand() *cobra.Command {
	var (
		group   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check SSH reachability of the inventory hosts",
		Long: `Connect to every host in a group and run a no-op command, reporting
which hosts are reachable before a real run is attempted.`,
		Example: `  # Check the whole cluster
  kubeboot ping

  # Check only the workers
  kubeboot ping --group workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, inv, _, err := loadAll()
			if err != nil {
				return err
			}

			hosts, err := inv.Resolve(group)
			if err != nil {
				return err
			}

			dialer := &transport.SSHDialer{
				User:           cfg.SSH.User,
				KeyPath:        cfg.SSH.KeyPath,
				KnownHostsPath: cfg.SSH.KnownHostsPath,
				StrictHostKey:  cfg.SSH.StrictHostKey,
			}

			forks := cfg.Forks
			if forks <= 0 {
				forks = 5
			}

			results := make([]pingResult, len(hosts))
			var g errgroup.Group
			g.SetLimit(forks)
			var mu sync.Mutex

			for i, host := range hosts {
				i, host := i, host
				g.Go(func() error {
					result := pingHost(cmd.Context(), dialer, host, timeout)
					mu.Lock()
					results[i] = result
					mu.Unlock()
					return nil
				})
			}
			_ = g.Wait()

			unreachable := 0
			for _, r := range results {
				if !r.Reachable {
					unreachable++
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(results)
			} else {
				for _, r := range results {
					if r.Reachable {
						fmt.Printf("  ok        %-24s %s (%s)\n", r.Host, r.Address, r.RTT)
					} else {
						fmt.Printf("  failed    %-24s %s: %s\n", r.Host, r.Address, r.Error)
					}
				}
			}

			if unreachable > 0 {
				return fmt.Errorf("%d of %d host(s) unreachable", unreachable, len(hosts))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", bootstrap.GroupCluster, "host group to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "per-host connection timeout")

	return cmd
}

func pingHost(ctx context.Context, dialer transport.Dialer, host inventory.Host, timeout time.Duration) pingResult {
	result := pingResult{Host: host.Name, Address: host.Address}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	runner, err := dialer.Dial(dctx, host)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer runner.Close()

	cmdResult, err := runner.Run(dctx, "true", false)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if cmdResult.ExitCode != 0 {
		result.Error = fmt.Sprintf("no-op command exited with code %d", cmdResult.ExitCode)
		return result
	}

	result.Reachable = true
	result.RTT = time.Since(start).Round(time.Millisecond).String()
	return result
}
