package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/resources"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/telemetry"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

const (
	defaultForks       = 5
	defaultTaskTimeout = 10 * time.Minute
)

// Options tunes an Engine. The zero value gets sensible defaults.
type Options struct {
	// Forks bounds how many hosts converge concurrently within a play.
	Forks int

	// TaskTimeout bounds a single task execution on a single host. Tasks
	// may override it individually.
	TaskTimeout time.Duration

	// Local is the runner used by tasks targeting the orchestrator host.
	Local transport.Runner

	// Logger receives execution logs. Nil discards them.
	Logger *telemetry.Logger

	// Metrics receives execution metrics. Nil disables recording.
	Metrics *telemetry.Metrics
}

// Engine executes plays against resolved inventory hosts.
type Engine struct {
	inv     *inventory.Inventory
	dialer  transport.Dialer
	local   transport.Runner
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	forks       int
	taskTimeout time.Duration
}

// New creates an engine over an inventory and a transport dialer.
func New(inv *inventory.Inventory, dialer transport.Dialer, opts Options) *Engine {
	e := &Engine{
		inv:         inv,
		dialer:      dialer,
		local:       opts.Local,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		forks:       opts.Forks,
		taskTimeout: opts.TaskTimeout,
	}
	if e.forks <= 0 {
		e.forks = defaultForks
	}
	if e.taskTimeout <= 0 {
		e.taskTimeout = defaultTaskTimeout
	}
	if e.local == nil {
		e.local = transport.NewLocalRunner()
	}
	if e.logger == nil {
		e.logger = telemetry.Nop()
	}
	if e.metrics == nil {
		e.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return e
}

// RunPlays executes plays in order and returns the run report. Group
// resolution and play validation happen for every play before the first
// task runs; a failure there is fatal and nothing executes. Host failures
// during execution do not produce an error return; they are recorded in
// the report.
func (e *Engine) RunPlays(ctx context.Context, plays []*Play) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := e.logger.WithRunID(report.RunID)

	// Resolve and validate everything up front so a typo in the last
	// play cannot strand a half-provisioned cluster.
	resolved := make([][]inventory.Host, len(plays))
	for i, play := range plays {
		hosts, err := e.inv.Resolve(play.Hosts)
		if err != nil {
			var unknown *inventory.UnknownGroupError
			if errors.As(err, &unknown) {
				return nil, NewResolutionError(fmt.Sprintf("play %q targets unknown group %q", play.Name, play.Hosts), err)
			}
			return nil, NewResolutionError(fmt.Sprintf("play %q: resolving group %q", play.Name, play.Hosts), err)
		}
		if err := validatePlay(play); err != nil {
			return nil, err
		}
		resolved[i] = hosts
	}

	for i, play := range plays {
		playStart := time.Now()
		logger.WithPlay(play.Name).Infof("starting play on %d host(s)", len(resolved[i]))

		result := e.runPlay(ctx, logger, play, resolved[i])
		report.Plays = append(report.Plays, result)

		e.metrics.RecordPlay(play.Name, time.Since(playStart))
		for _, host := range result.Hosts {
			if host.Failed {
				e.metrics.RecordHostFailed(play.Name)
			}
		}
	}

	report.CompletedAt = time.Now()
	e.metrics.RecordRunCompleted(string(report.State()), report.CompletedAt.Sub(report.StartedAt))
	return report, nil
}

// validatePlay rejects plays whose tasks notify handlers the play does not
// define.
func validatePlay(play *Play) error {
	defined := make(map[string]struct{}, len(play.Handlers))
	for _, h := range play.Handlers {
		defined[h.Name] = struct{}{}
	}
	for _, task := range play.Tasks {
		for _, name := range task.Notify {
			if _, ok := defined[name]; !ok {
				return NewValidationError(
					fmt.Sprintf("play %q: task %q notifies undefined handler %q", play.Name, task.Name, name), nil).
					WithTask(task.Name)
			}
		}
	}
	return nil
}

// runPlay converges every resolved host through the play's task list.
// Hosts run concurrently, bounded by forks; a failure on one host never
// affects another.
func (e *Engine) runPlay(ctx context.Context, logger *telemetry.Logger, play *Play, hosts []inventory.Host) PlayResult {
	result := PlayResult{
		Play:  play.Name,
		Hosts: make([]HostResult, len(hosts)),
	}

	var g errgroup.Group
	g.SetLimit(e.forks)
	var mu sync.Mutex

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			hr := e.runHost(ctx, logger, play, host)
			mu.Lock()
			result.Hosts[i] = hr
			mu.Unlock()
			return nil
		})
	}
	// Goroutines return nil; failures live in the host results.
	_ = g.Wait()

	return result
}

// runHost walks one host through the play: tasks in declared order, fail
// fast on the first failure, then the notified handlers in first-notified
// order. Handlers are skipped entirely when a task failed.
func (e *Engine) runHost(ctx context.Context, logger *telemetry.Logger, play *Play, host inventory.Host) HostResult {
	hlog := logger.WithPlay(play.Name).WithHost(host.Name)
	hr := HostResult{Host: host.Name}
	notified := newNotifier()

	remote, dialErr := e.dialHost(ctx, play, host)
	if remote != nil {
		defer remote.Close()
	}

	for _, task := range play.Tasks {
		if hr.Failed {
			hr.Results = append(hr.Results, e.abortedResult(play, host.Name, task, false))
			continue
		}
		if dialErr != nil && !task.Local {
			// The host is unreachable: the first remote task carries the
			// connection error, everything after it is aborted.
			tr := TaskResult{
				Play:     play.Name,
				Host:     host.Name,
				Task:     task.Name,
				Resource: string(task.Resource.Kind()),
				Outcome:  OutcomeFailed,
				Error:    dialErr.Error(),
			}
			hr.Results = append(hr.Results, tr)
			hr.Failed = true
			hlog.WithTask(task.Name).WithError(dialErr).Error("host unreachable")
			continue
		}

		runner := remote
		if task.Local {
			runner = e.local
		}

		tr := e.executeTask(ctx, hlog, play, task, runner, host.Name, false)
		hr.Results = append(hr.Results, tr)
		e.metrics.RecordTask(play.Name, tr.Resource, string(tr.Outcome), tr.Duration)

		switch tr.Outcome {
		case OutcomeChanged:
			for _, name := range task.Notify {
				notified.Notify(name)
			}
		case OutcomeFailed:
			hr.Failed = true
		}
	}

	if hr.Failed {
		return hr
	}

	// Flush notified handlers, once each, in the order they were first
	// notified. A handler failure aborts the remaining handlers.
	handlers := handlerIndex(play)
	for _, name := range notified.Drain() {
		handler := handlers[name]
		if hr.Failed {
			aborted := e.abortedResult(play, host.Name, handler.Task, true)
			aborted.Task = handler.Name
			hr.Results = append(hr.Results, aborted)
			continue
		}

		if dialErr != nil && !handler.Task.Local {
			// A local task can change state and notify a remote handler on
			// an unreachable host. The handler fails with the connection
			// error rather than running against a nil runner.
			tr := TaskResult{
				Play:     play.Name,
				Host:     host.Name,
				Task:     handler.Name,
				Resource: string(handler.Task.Resource.Kind()),
				Outcome:  OutcomeFailed,
				Error:    dialErr.Error(),
				Handler:  true,
			}
			hr.Results = append(hr.Results, tr)
			hr.Failed = true
			e.metrics.RecordHandler(play.Name, string(OutcomeFailed))
			hlog.WithTask(handler.Name).WithError(dialErr).Error("host unreachable")
			continue
		}

		runner := remote
		if handler.Task.Local {
			runner = e.local
		}
		tr := e.executeTask(ctx, hlog, play, handler.Task, runner, host.Name, true)
		tr.Task = handler.Name
		hr.Results = append(hr.Results, tr)
		e.metrics.RecordHandler(play.Name, string(tr.Outcome))

		if tr.Outcome == OutcomeFailed {
			hr.Failed = true
		}
	}

	return hr
}

// dialHost connects to the host unless every task in the play is local.
func (e *Engine) dialHost(ctx context.Context, play *Play, host inventory.Host) (transport.Runner, error) {
	remoteNeeded := false
	for _, task := range play.Tasks {
		if !task.Local {
			remoteNeeded = true
			break
		}
	}
	for _, handler := range play.Handlers {
		if !handler.Task.Local {
			remoteNeeded = true
			break
		}
	}
	if !remoteNeeded {
		return nil, nil
	}
	return e.dialer.Dial(ctx, host)
}

// executeTask runs one task's check/apply cycle against a runner and
// classifies the result.
func (e *Engine) executeTask(ctx context.Context, hlog *telemetry.Logger, play *Play, task Task, runner transport.Runner, hostName string, isHandler bool) TaskResult {
	tr := TaskResult{
		Play:     play.Name,
		Host:     hostName,
		Task:     task.Name,
		Resource: string(task.Resource.Kind()),
		Handler:  isHandler,
	}
	tlog := hlog.WithTask(task.Name)

	timeout := e.taskTimeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	elevated := task.elevated(play)
	start := time.Now()

	inSync, err := task.Resource.Check(tctx, runner, elevated)
	if err != nil {
		tr.Duration = time.Since(start)
		tr.Outcome = OutcomeFailed
		tr.Error = e.classify(tctx, NewCheckError("checking current state", err), task, hostName).Error()
		tlog.WithError(err).Error("check failed")
		return tr
	}
	if inSync {
		tr.Duration = time.Since(start)
		tr.Outcome = OutcomeSkipped
		tlog.Debug("already in desired state")
		return tr
	}

	status, err := task.Resource.Apply(tctx, runner, elevated)
	tr.Duration = time.Since(start)
	if err != nil {
		tr.Outcome = OutcomeFailed
		tr.Error = e.classify(tctx, NewApplyError("applying desired state", err), task, hostName).Error()
		tlog.WithError(err).Error("apply failed")
		return tr
	}

	switch status {
	case resources.StatusChanged:
		tr.Outcome = OutcomeChanged
		tlog.Info("changed")
	default:
		tr.Outcome = OutcomeOK
		tlog.Debug("ok")
	}
	return tr
}

// classify converts a raw task failure into a contextualized engine error,
// promoting deadline hits to the timeout kind.
func (e *Engine) classify(tctx context.Context, err *Error, task Task, hostName string) *Error {
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		err = NewTimeoutError("task deadline exceeded", err.Err)
	}
	return err.WithHost(hostName).WithTask(task.Name)
}

func (e *Engine) abortedResult(play *Play, hostName string, task Task, isHandler bool) TaskResult {
	return TaskResult{
		Play:     play.Name,
		Host:     hostName,
		Task:     task.Name,
		Resource: string(task.Resource.Kind()),
		Handler:  isHandler,
		Outcome:  OutcomeAborted,
	}
}

func handlerIndex(play *Play) map[string]Handler {
	idx := make(map[string]Handler, len(play.Handlers))
	for _, h := range play.Handlers {
		idx[h.Name] = h
	}
	return idx
}
