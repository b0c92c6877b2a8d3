// Package stores persists run history in SQLite: one row per run plus every
// per-host task outcome, so past convergence results survive the process.
package stores

import (
	"time"
)

// Run is the stored summary of one provisioning run.
type Run struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Changed     int       `json:"changed"`
	FailedHosts int       `json:"failed_hosts"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// TaskRecord is the stored outcome of one task on one host.
type TaskRecord struct {
	ID         int64  `json:"id"`
	RunID      string `json:"run_id"`
	Play       string `json:"play"`
	Host       string `json:"host"`
	Task       string `json:"task"`
	Resource   string `json:"resource"`
	Handler    bool   `json:"handler"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
