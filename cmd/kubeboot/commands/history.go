package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past run outcomes",
		Long: `List recorded runs, or, given a run id, every task outcome of that run.
Requires history_path to be set in the configuration.`,
		Example: `  # List the last runs
  kubeboot history

  # Show one run's task outcomes
  kubeboot history 2f1c9c4e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := loadAll()
			if err != nil {
				return err
			}
			if cfg.HistoryPath == "" {
				return fmt.Errorf("history_path is not configured")
			}

			store, err := stores.NewSQLiteStore(cfg.HistoryPath)
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd, store, args[0])
			}
			return listRuns(cmd, store, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")

	return cmd
}

func listRuns(cmd *cobra.Command, store *stores.SQLiteStore, limit int) error {
	runs, err := store.ListRuns(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATE\tCHANGED\tFAILED HOSTS\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			run.ID,
			run.State,
			run.Changed,
			run.FailedHosts,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.CompletedAt.Sub(run.StartedAt).Round(time.Second),
		)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, store *stores.SQLiteStore, runID string) error {
	run, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	records, err := store.ListTaskResults(cmd.Context(), runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Run     *stores.Run          `json:"run"`
			Results []*stores.TaskRecord `json:"results"`
		}{run, records})
	}

	fmt.Printf("run %s: %s, %d change(s), %d failed host(s)\n\n", run.ID, run.State, run.Changed, run.FailedHosts)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLAY\tHOST\tTASK\tOUTCOME\tERROR")
	for _, rec := range records {
		task := rec.Task
		if rec.Handler {
			task = "handler: " + task
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.Play, rec.Host, task, rec.Outcome, rec.Error)
	}
	return w.Flush()
}
