package engine

import (
	"time"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/resources"
)

// Play is an ordered unit of work bound to one host group. Tasks execute in
// declared order on every resolved host; handlers run afterwards, once each,
// if notified by a changed task.
type Play struct {
	// Name labels the play in logs and reports.
	Name string

	// Hosts is the host group the play targets.
	Hosts string

	// Become is the default elevation for the play's tasks.
	Become bool

	// Tasks is the ordered task list.
	Tasks []Task

	// Handlers are the named deferred tasks this play may notify.
	Handlers []Handler
}

// Task is one declarative desired-state operation within a play.
type Task struct {
	// Name labels the task in logs and reports.
	Name string

	// Resource is the desired state applied through a resource controller
	// adapter.
	Resource resources.Resource

	// Notify lists handler names to raise when this task changes state.
	Notify []string

	// Become overrides the play's elevation default when set.
	Become *bool

	// Local runs the task against the orchestrating process's own host
	// instead of the resolved remote host. A target selector, used for
	// capturing output to local storage.
	Local bool

	// Timeout overrides the engine's per-task timeout when positive.
	Timeout time.Duration
}

// elevated resolves the effective elevation for a task within its play.
func (t Task) elevated(play *Play) bool {
	if t.Become != nil {
		return *t.Become
	}
	return play.Become
}

// Handler is a named task that runs only when notified, at most once per
// play execution, regardless of how many tasks notified it.
type Handler struct {
	// Name is the handler name tasks notify.
	Name string

	// Task is the deferred operation.
	Task Task
}

// Outcome is the terminal state of one task on one host.
type Outcome string

const (
	// OutcomeSkipped means the check reported the target already in the
	// desired state, so apply was not invoked.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeOK means apply ran and found nothing to do.
	OutcomeOK Outcome = "ok"

	// OutcomeChanged means apply modified the target.
	OutcomeChanged Outcome = "changed"

	// OutcomeFailed means the check or apply step failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeAborted means the task never ran because an earlier task
	// failed on the same host.
	OutcomeAborted Outcome = "aborted"
)

// TaskResult is the outcome of one task on one host.
type TaskResult struct {
	Play     string        `json:"play"`
	Host     string        `json:"host"`
	Task     string        `json:"task"`
	Resource string        `json:"resource"`
	Handler  bool          `json:"handler,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HostResult aggregates one host's results within a play.
type HostResult struct {
	Host    string       `json:"host"`
	Results []TaskResult `json:"results"`
	Failed  bool         `json:"failed"`
}

// PlayResult aggregates a play's per-host results.
type PlayResult struct {
	Play  string       `json:"play"`
	Hosts []HostResult `json:"hosts"`
}
