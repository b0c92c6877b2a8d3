package engine

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// RunState is the run-level convergence verdict.
type RunState string

const (
	// StateConvergedNoChanges means every task was already in its desired
	// state; nothing was modified anywhere.
	StateConvergedNoChanges RunState = "converged-no-changes"

	// StateConverged means the run completed cleanly and modified at
	// least one target.
	StateConverged RunState = "converged"

	// StatePartialFailure means at least one host failed; surviving hosts
	// completed normally.
	StatePartialFailure RunState = "partially-failed"
)

// Report is the user-visible record of a run: every task outcome per host
// plus the run-level summary.
type Report struct {
	RunID       string       `json:"run_id"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Plays       []PlayResult `json:"plays"`
}

// Recap holds per-host outcome counts.
type Recap struct {
	OK      int `json:"ok"`
	Changed int `json:"changed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`
}

// HostRecap returns outcome counts per host across all plays.
func (r *Report) HostRecap() map[string]Recap {
	recap := make(map[string]Recap)
	for _, play := range r.Plays {
		for _, host := range play.Hosts {
			line := recap[host.Host]
			for _, result := range host.Results {
				switch result.Outcome {
				case OutcomeOK:
					line.OK++
				case OutcomeChanged:
					line.Changed++
				case OutcomeSkipped:
					line.Skipped++
				case OutcomeFailed:
					line.Failed++
				case OutcomeAborted:
					line.Aborted++
				}
			}
			recap[host.Host] = line
		}
	}
	return recap
}

// FailedHosts returns the hosts with at least one failed task, sorted.
func (r *Report) FailedHosts() []string {
	failed := make(map[string]struct{})
	for _, play := range r.Plays {
		for _, host := range play.Hosts {
			if host.Failed {
				failed[host.Host] = struct{}{}
			}
		}
	}
	hosts := make([]string, 0, len(failed))
	for h := range failed {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// ChangedCount returns the number of changed task outcomes across the run.
func (r *Report) ChangedCount() int {
	n := 0
	for _, play := range r.Plays {
		for _, host := range play.Hosts {
			for _, result := range host.Results {
				if result.Outcome == OutcomeChanged {
					n++
				}
			}
		}
	}
	return n
}

// State returns the run-level convergence verdict.
func (r *Report) State() RunState {
	if len(r.FailedHosts()) > 0 {
		return StatePartialFailure
	}
	if r.ChangedCount() == 0 {
		return StateConvergedNoChanges
	}
	return StateConverged
}

// Render writes a human-readable recap.
func (r *Report) Render(w io.Writer) {
	for _, play := range r.Plays {
		fmt.Fprintf(w, "PLAY [%s]\n", play.Play)
		for _, host := range play.Hosts {
			for _, result := range host.Results {
				label := result.Task
				if result.Handler {
					label = "handler: " + label
				}
				if result.Error != "" {
					fmt.Fprintf(w, "  %-9s %s : %s (%s)\n", result.Outcome, host.Host, label, result.Error)
				} else {
					fmt.Fprintf(w, "  %-9s %s : %s\n", result.Outcome, host.Host, label)
				}
			}
		}
	}

	recap := r.HostRecap()
	hosts := make([]string, 0, len(recap))
	for h := range recap {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	fmt.Fprintf(w, "\nRECAP\n")
	for _, h := range hosts {
		line := recap[h]
		fmt.Fprintf(w, "  %-24s ok=%d changed=%d skipped=%d failed=%d aborted=%d\n",
			h, line.OK, line.Changed, line.Skipped, line.Failed, line.Aborted)
	}

	switch r.State() {
	case StateConvergedNoChanges:
		fmt.Fprintln(w, "\nconverged: no changes needed")
	case StateConverged:
		fmt.Fprintf(w, "\nconverged: %d changes applied\n", r.ChangedCount())
	case StatePartialFailure:
		fmt.Fprintf(w, "\npartially failed: %d host failure(s)\n", len(r.FailedHosts()))
	}
}
