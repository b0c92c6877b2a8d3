package engine

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/resources"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

const testInventory = `
hosts:
  ctrl-1:
    address: 10.0.0.1
    user: admin
  worker-1:
    address: 10.0.0.2
    user: admin
  worker-2:
    address: 10.0.0.3
    user: admin
groups:
  control:
    hosts: [ctrl-1]
  workers:
    hosts: [worker-1, worker-2]
  cluster:
    union: [control, workers]
`

func testInv(t *testing.T) *inventory.Inventory {
	t.Helper()
	inv, err := inventory.Parse([]byte(testInventory))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return inv
}

// recorder collects execution events from stub resources across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// forHost returns the events whose runner name matches the host, preserving
// order.
func (r *recorder) forHost(host string) []string {
	var out []string
	for _, e := range r.all() {
		if strings.HasSuffix(e, "@"+host) {
			out = append(out, e)
		}
	}
	return out
}

// stubRunner satisfies transport.Runner without touching a real host. Its
// name identifies the host it was dialed for.
type stubRunner struct {
	name   string
	closed bool
}

func (s *stubRunner) Name() string { return s.name }

func (s *stubRunner) Run(ctx context.Context, cmd string, elevated bool) (*transport.CmdResult, error) {
	return &transport.CmdResult{}, nil
}

func (s *stubRunner) ReadFile(ctx context.Context, path string, elevated bool) ([]byte, error) {
	return nil, fmt.Errorf("stub runner has no files")
}

func (s *stubRunner) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode, elevated bool) error {
	return nil
}

func (s *stubRunner) FileExists(ctx context.Context, path string, elevated bool) (bool, error) {
	return false, nil
}

func (s *stubRunner) Close() error {
	s.closed = true
	return nil
}

// stubDialer hands out stub runners and counts dials.
type stubDialer struct {
	mu     sync.Mutex
	dials  int
	failed map[string]error
}

func (d *stubDialer) Dial(ctx context.Context, host inventory.Host) (transport.Runner, error) {
	d.mu.Lock()
	d.dials++
	err := d.failed[host.Name]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &stubRunner{name: host.Name}, nil
}

// stubResource is a scriptable resource adapter for engine tests.
type stubResource struct {
	label    string
	rec      *recorder
	inSync   bool
	status   resources.Status
	checkErr error
	applyErr error

	// block makes Check wait for the context deadline.
	block bool
}

func (s *stubResource) Kind() resources.Kind { return resources.Kind("stub") }

func (s *stubResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if s.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if s.rec != nil {
		s.rec.add("check:" + s.label + "@" + r.Name())
	}
	return s.inSync, s.checkErr
}

func (s *stubResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (resources.Status, error) {
	if s.rec != nil {
		s.rec.add("apply:" + s.label + "@" + r.Name())
	}
	return s.status, s.applyErr
}

func changed(label string, rec *recorder) *stubResource {
	return &stubResource{label: label, rec: rec, status: resources.StatusChanged}
}

func newTestEngine(t *testing.T, dialer transport.Dialer) *Engine {
	t.Helper()
	return New(testInv(t), dialer, Options{Forks: 4, TaskTimeout: 5 * time.Second})
}

func findHost(t *testing.T, play PlayResult, host string) HostResult {
	t.Helper()
	for _, h := range play.Hosts {
		if h.Host == host {
			return h
		}
	}
	t.Fatalf("host %q missing from play result", host)
	return HostResult{}
}

func TestHandlerRunsOnceWhenNotifiedTwice(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Notify: []string{"restart svc"}},
			{Name: "t2", Resource: changed("t2", rec), Notify: []string{"restart svc"}},
		},
		Handlers: []Handler{
			{Name: "restart svc", Task: Task{Name: "restart svc", Resource: changed("h1", rec)}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	runs := 0
	for _, e := range rec.all() {
		if strings.HasPrefix(e, "apply:h1@") {
			runs++
		}
	}
	if runs != 1 {
		t.Errorf("handler ran %d times, want 1", runs)
	}
	if got := report.State(); got != StateConverged {
		t.Errorf("state = %q, want %q", got, StateConverged)
	}
}

func TestHandlersFlushInFirstNotifiedOrder(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Notify: []string{"second"}},
			{Name: "t2", Resource: changed("t2", rec), Notify: []string{"first", "second"}},
		},
		Handlers: []Handler{
			{Name: "first", Task: Task{Name: "first", Resource: changed("hfirst", rec)}},
			{Name: "second", Task: Task{Name: "second", Resource: changed("hsecond", rec)}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	if _, err := eng.RunPlays(context.Background(), []*Play{play}); err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	var order []string
	for _, e := range rec.all() {
		switch {
		case strings.HasPrefix(e, "apply:hfirst@"):
			order = append(order, "first")
		case strings.HasPrefix(e, "apply:hsecond@"):
			order = append(order, "second")
		}
	}
	want := []string{"second", "first"}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("handler order = %v, want %v", order, want)
	}
}

func TestFailFastAbortsRemainingTasksAndHandlers(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Notify: []string{"h"}},
			{Name: "t2", Resource: &stubResource{label: "t2", rec: rec, applyErr: fmt.Errorf("boom")}},
			{Name: "t3", Resource: changed("t3", rec)},
		},
		Handlers: []Handler{
			{Name: "h", Task: Task{Name: "h", Resource: changed("h", rec)}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	host := findHost(t, report.Plays[0], "ctrl-1")
	if !host.Failed {
		t.Fatal("host not marked failed")
	}
	outcomes := make(map[string]Outcome)
	for _, r := range host.Results {
		outcomes[r.Task] = r.Outcome
	}
	if outcomes["t2"] != OutcomeFailed {
		t.Errorf("t2 outcome = %q, want failed", outcomes["t2"])
	}
	if outcomes["t3"] != OutcomeAborted {
		t.Errorf("t3 outcome = %q, want aborted", outcomes["t3"])
	}
	for _, e := range rec.all() {
		if strings.HasPrefix(e, "apply:h@") {
			t.Error("handler ran on failed host")
		}
		if strings.HasPrefix(e, "check:t3@") {
			t.Error("t3 ran after failure")
		}
	}
	if got := report.State(); got != StatePartialFailure {
		t.Errorf("state = %q, want %q", got, StatePartialFailure)
	}
}

func TestHostFailureDoesNotAffectOtherHosts(t *testing.T) {
	rec := &recorder{}
	fail := &stubResource{label: "t1", rec: rec}
	play := &Play{
		Name:  "test",
		Hosts: "workers",
		Tasks: []Task{
			{Name: "t1", Resource: &hostSelectiveResource{inner: fail, failHost: "worker-1"}},
			{Name: "t2", Resource: changed("t2", rec)},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	bad := findHost(t, report.Plays[0], "worker-1")
	good := findHost(t, report.Plays[0], "worker-2")
	if !bad.Failed {
		t.Error("worker-1 not marked failed")
	}
	if good.Failed {
		t.Error("worker-2 marked failed")
	}
	if got := good.Results[1].Outcome; got != OutcomeChanged {
		t.Errorf("worker-2 t2 outcome = %q, want changed", got)
	}
	if failed := report.FailedHosts(); len(failed) != 1 || failed[0] != "worker-1" {
		t.Errorf("FailedHosts = %v, want [worker-1]", failed)
	}
}

// hostSelectiveResource fails apply on one host and changes on the rest.
type hostSelectiveResource struct {
	inner    *stubResource
	failHost string
}

func (h *hostSelectiveResource) Kind() resources.Kind { return resources.Kind("stub") }

func (h *hostSelectiveResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	return false, nil
}

func (h *hostSelectiveResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (resources.Status, error) {
	if r.Name() == h.failHost {
		return resources.StatusUnchanged, fmt.Errorf("boom on %s", r.Name())
	}
	return resources.StatusChanged, nil
}

func TestTasksRunInDeclaredOrderPerHost(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "cluster",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec)},
			{Name: "t2", Resource: changed("t2", rec)},
			{Name: "t3", Resource: changed("t3", rec)},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	if _, err := eng.RunPlays(context.Background(), []*Play{play}); err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	for _, host := range []string{"ctrl-1", "worker-1", "worker-2"} {
		events := rec.forHost(host)
		want := []string{
			"check:t1@" + host, "apply:t1@" + host,
			"check:t2@" + host, "apply:t2@" + host,
			"check:t3@" + host, "apply:t3@" + host,
		}
		if len(events) != len(want) {
			t.Fatalf("%s: got %d events, want %d: %v", host, len(events), len(want), events)
		}
		for i := range want {
			if events[i] != want[i] {
				t.Errorf("%s: event[%d] = %q, want %q", host, i, events[i], want[i])
			}
		}
	}
}

func TestCheckInSyncSkipsApply(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: &stubResource{label: "t1", rec: rec, inSync: true}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	host := findHost(t, report.Plays[0], "ctrl-1")
	if got := host.Results[0].Outcome; got != OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", got)
	}
	for _, e := range rec.all() {
		if strings.HasPrefix(e, "apply:") {
			t.Errorf("apply ran for in-sync resource: %s", e)
		}
	}
	if got := report.State(); got != StateConvergedNoChanges {
		t.Errorf("state = %q, want %q", got, StateConvergedNoChanges)
	}
}

func TestLocalTaskUsesLocalRunnerOnly(t *testing.T) {
	rec := &recorder{}
	dialer := &stubDialer{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Local: true},
		},
	}

	local := &stubRunner{name: "orchestrator"}
	eng := New(testInv(t), dialer, Options{Local: local})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	if dialer.dials != 0 {
		t.Errorf("dialed %d times for an all-local play, want 0", dialer.dials)
	}
	events := rec.all()
	if len(events) != 2 || events[1] != "apply:t1@orchestrator" {
		t.Errorf("unexpected events: %v", events)
	}
	host := findHost(t, report.Plays[0], "ctrl-1")
	if got := host.Results[0].Outcome; got != OutcomeChanged {
		t.Errorf("outcome = %q, want changed", got)
	}
}

func TestTaskTimeoutClassified(t *testing.T) {
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: &stubResource{block: true}, Timeout: 25 * time.Millisecond},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	host := findHost(t, report.Plays[0], "ctrl-1")
	result := host.Results[0]
	if result.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", result.Outcome)
	}
	if !strings.Contains(result.Error, string(KindTimeout)) {
		t.Errorf("error %q does not carry the timeout kind", result.Error)
	}
}

func TestUndefinedHandlerRejectedBeforeExecution(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Notify: []string{"missing"}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	_, err := eng.RunPlays(context.Background(), []*Play{play})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !IsValidation(err) {
		t.Errorf("error kind = %v, want validation", err)
	}
	if events := rec.all(); len(events) != 0 {
		t.Errorf("tasks executed despite invalid play: %v", events)
	}
}

func TestUnknownGroupRejectedBeforeExecution(t *testing.T) {
	rec := &recorder{}
	plays := []*Play{
		{
			Name:  "ok",
			Hosts: "control",
			Tasks: []Task{{Name: "t1", Resource: changed("t1", rec)}},
		},
		{
			Name:  "typo",
			Hosts: "controll",
			Tasks: []Task{{Name: "t2", Resource: changed("t2", rec)}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	_, err := eng.RunPlays(context.Background(), plays)
	if err == nil {
		t.Fatal("expected resolution error")
	}
	if !IsResolution(err) {
		t.Errorf("error kind = %v, want resolution", err)
	}
	if events := rec.all(); len(events) != 0 {
		t.Errorf("earlier play executed despite later unknown group: %v", events)
	}
}

func TestUnreachableHostFailsOnlyThatHost(t *testing.T) {
	rec := &recorder{}
	dialer := &stubDialer{failed: map[string]error{"worker-1": fmt.Errorf("connection refused")}}
	play := &Play{
		Name:  "test",
		Hosts: "workers",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec)},
			{Name: "t2", Resource: changed("t2", rec)},
		},
	}

	eng := newTestEngine(t, dialer)
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	bad := findHost(t, report.Plays[0], "worker-1")
	if !bad.Failed {
		t.Fatal("unreachable host not marked failed")
	}
	if got := bad.Results[0].Outcome; got != OutcomeFailed {
		t.Errorf("first task outcome = %q, want failed", got)
	}
	if got := bad.Results[1].Outcome; got != OutcomeAborted {
		t.Errorf("second task outcome = %q, want aborted", got)
	}
	good := findHost(t, report.Plays[0], "worker-2")
	if good.Failed {
		t.Error("reachable host marked failed")
	}
}

func TestLocalTaskNotifyingRemoteHandlerOnUnreachableHost(t *testing.T) {
	rec := &recorder{}
	dialer := &stubDialer{failed: map[string]error{"ctrl-1": fmt.Errorf("connection refused")}}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Local: true, Notify: []string{"restart remote", "local cleanup"}},
		},
		Handlers: []Handler{
			{Name: "restart remote", Task: Task{Name: "restart remote", Resource: changed("h1", rec)}},
			{Name: "local cleanup", Task: Task{Name: "local cleanup", Resource: changed("h2", rec)}},
		},
	}

	eng := newTestEngine(t, dialer)
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	host := findHost(t, report.Plays[0], "ctrl-1")
	if !host.Failed {
		t.Fatal("host not marked failed after remote handler could not connect")
	}
	if got := host.Results[0].Outcome; got != OutcomeChanged {
		t.Errorf("local task outcome = %q, want changed", got)
	}
	outcomes := make(map[string]Outcome)
	errs := make(map[string]string)
	for _, r := range host.Results {
		if r.Handler {
			outcomes[r.Task] = r.Outcome
			errs[r.Task] = r.Error
		}
	}
	if outcomes["restart remote"] != OutcomeFailed {
		t.Errorf("remote handler outcome = %q, want failed", outcomes["restart remote"])
	}
	if !strings.Contains(errs["restart remote"], "connection refused") {
		t.Errorf("remote handler error = %q, want connection error", errs["restart remote"])
	}
	if outcomes["local cleanup"] != OutcomeAborted {
		t.Errorf("local handler outcome = %q, want aborted", outcomes["local cleanup"])
	}
	for _, e := range rec.all() {
		if strings.HasPrefix(e, "apply:h1@") {
			t.Error("remote handler ran without a connection")
		}
	}
}

func TestHandlerFailureMarksHostFailed(t *testing.T) {
	rec := &recorder{}
	play := &Play{
		Name:  "test",
		Hosts: "control",
		Tasks: []Task{
			{Name: "t1", Resource: changed("t1", rec), Notify: []string{"bad", "never"}},
		},
		Handlers: []Handler{
			{Name: "bad", Task: Task{Name: "bad", Resource: &stubResource{label: "bad", rec: rec, applyErr: fmt.Errorf("boom")}}},
			{Name: "never", Task: Task{Name: "never", Resource: changed("never", rec)}},
		},
	}

	eng := newTestEngine(t, &stubDialer{})
	report, err := eng.RunPlays(context.Background(), []*Play{play})
	if err != nil {
		t.Fatalf("RunPlays failed: %v", err)
	}

	host := findHost(t, report.Plays[0], "ctrl-1")
	if !host.Failed {
		t.Fatal("host not marked failed after handler failure")
	}
	outcomes := make(map[string]Outcome)
	for _, r := range host.Results {
		if r.Handler {
			outcomes[r.Task] = r.Outcome
		}
	}
	if outcomes["bad"] != OutcomeFailed {
		t.Errorf("bad handler outcome = %q, want failed", outcomes["bad"])
	}
	if outcomes["never"] != OutcomeAborted {
		t.Errorf("never handler outcome = %q, want aborted", outcomes["never"])
	}
	for _, e := range rec.all() {
		if strings.HasPrefix(e, "apply:never@") {
			t.Error("handler ran after an earlier handler failed")
		}
	}
}
