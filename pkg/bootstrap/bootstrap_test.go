package bootstrap

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/config"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/engine"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/telemetry"
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

const initOutput = `Your Kubernetes control-plane has initialized successfully!

To start using your cluster, you need to run the following as a regular user:

  mkdir -p $HOME/.kube

Then you can join any number of worker nodes by running the following on each as root:

kubeadm join 10.0.0.1:6443 --token abc.def \
	--discovery-token-ca-cert-hash sha256:1234567890abcdef
`

// fakeHost is the scripted state of one simulated machine, shared by every
// runner dialed for it.
type fakeHost struct {
	mu     sync.Mutex
	files  map[string][]byte
	cmds   []string
	script func(cmd string) *transport.CmdResult
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte)}
}

func (h *fakeHost) ran(substr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.cmds {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type fakeRunner struct {
	name string
	host *fakeHost
}

func (r *fakeRunner) Name() string { return r.name }

func (r *fakeRunner) Run(ctx context.Context, cmd string, elevated bool) (*transport.CmdResult, error) {
	r.host.mu.Lock()
	r.host.cmds = append(r.host.cmds, cmd)
	script := r.host.script
	r.host.mu.Unlock()
	if script != nil {
		if result := script(cmd); result != nil {
			return result, nil
		}
	}
	return &transport.CmdResult{}, nil
}

func (r *fakeRunner) ReadFile(ctx context.Context, path string, elevated bool) ([]byte, error) {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	data, ok := r.host.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (r *fakeRunner) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode, elevated bool) error {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.files[path] = append([]byte(nil), data...)
	return nil
}

func (r *fakeRunner) FileExists(ctx context.Context, path string, elevated bool) (bool, error) {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	_, ok := r.host.files[path]
	return ok, nil
}

func (r *fakeRunner) Close() error { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func newFakeDialer(names ...string) *fakeDialer {
	d := &fakeDialer{hosts: make(map[string]*fakeHost)}
	for _, n := range names {
		d.hosts[n] = newFakeHost()
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, host inventory.Host) (transport.Runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[host.Name]
	if !ok {
		h = newFakeHost()
		d.hosts[host.Name] = h
	}
	return &fakeRunner{name: host.Name, host: h}, nil
}

// converged scripts a host so every declarative adapter reports in-sync:
// packages installed, ports open, services running, swap off.
func converged(cmd string) *transport.CmdResult {
	switch {
	case strings.HasPrefix(cmd, "rpm -q"):
		return &transport.CmdResult{ExitCode: 0}
	case strings.Contains(cmd, "dnf versionlock list"):
		return &transport.CmdResult{Stdout: "kubelet\nkubeadm\nkubectl"}
	case strings.Contains(cmd, "--query-port"):
		return &transport.CmdResult{ExitCode: 0}
	case strings.Contains(cmd, "is-active"):
		return &transport.CmdResult{Stdout: "active"}
	case strings.Contains(cmd, "is-enabled"):
		return &transport.CmdResult{Stdout: "enabled"}
	case strings.Contains(cmd, "swapon"):
		return &transport.CmdResult{ExitCode: 0}
	}
	return nil
}

func testSetup(t *testing.T) (config.Config, *inventory.Inventory, *fakeDialer) {
	t.Helper()
	inv, err := inventory.Parse([]byte(testInventory))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg := config.Default()
	cfg.AdvertiseAddress = "10.0.0.1"
	cfg.PodNetworkCIDR = "10.244.0.0/16"
	cfg.TokenArtifactPath = filepath.Join(t.TempDir(), "join-artifact")
	cfg.SSH.User = "admin"

	dialer := newFakeDialer("ctrl-1", "worker-1", "worker-2")
	for _, h := range dialer.hosts {
		h.script = converged
	}
	return cfg, inv, dialer
}

func newCoordinator(cfg config.Config, inv *inventory.Inventory, dialer transport.Dialer) *Coordinator {
	eng := engine.New(inv, dialer, engine.Options{})
	return NewCoordinator(cfg, inv, eng, telemetry.Nop())
}

func TestBootstrapEndToEnd(t *testing.T) {
	cfg, inv, dialer := testSetup(t)

	ctrl := dialer.hosts["ctrl-1"]
	ctrl.script = func(cmd string) *transport.CmdResult {
		if strings.HasPrefix(cmd, "kubeadm init") {
			return &transport.CmdResult{Stdout: initOutput}
		}
		return converged(cmd)
	}

	coord := newCoordinator(cfg, inv, dialer)
	report, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if failed := report.FailedHosts(); len(failed) != 0 {
		t.Fatalf("failed hosts: %v", failed)
	}

	// The init command ran once with the configured parameters.
	if n := ctrl.ran("kubeadm init --apiserver-advertise-address=10.0.0.1 --pod-network-cidr=10.244.0.0/16"); n != 1 {
		t.Errorf("init ran %d times, want 1", n)
	}

	// The artifact was persisted and its tail is the join command.
	store := coord.Store()
	if !store.Exists() {
		t.Fatal("token artifact not persisted")
	}
	data, err := store.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	join, err := ExtractJoinCommand(data)
	if err != nil {
		t.Fatalf("ExtractJoinCommand failed: %v", err)
	}
	if !strings.HasPrefix(join, "kubeadm join 10.0.0.1:6443 --token abc.def") {
		t.Errorf("unexpected join command: %q", join)
	}

	// Each worker received the artifact and joined exactly once.
	for _, name := range []string{"worker-1", "worker-2"} {
		worker := dialer.hosts[name]
		worker.mu.Lock()
		uploaded, ok := worker.files[workerArtifactPath]
		worker.mu.Unlock()
		if !ok {
			t.Errorf("%s: artifact not uploaded", name)
		} else if strings.TrimRight(string(uploaded), "\n") != strings.TrimRight(initOutput, "\n") {
			t.Errorf("%s: uploaded artifact differs from init output", name)
		}
		if n := worker.ran("| sh"); n != 1 {
			t.Errorf("%s: join ran %d times, want 1", name, n)
		}
		if n := worker.ran("kubeadm reset --force"); n != 1 {
			t.Errorf("%s: reset ran %d times, want 1", name, n)
		}
	}

	// 1 control init success, 2 worker join successes, 0 failures.
	if got := report.State(); got != engine.StateConverged {
		t.Errorf("state = %q, want %q", got, engine.StateConverged)
	}
}

func TestControlFailureBlocksWorkerPhase(t *testing.T) {
	cfg, inv, dialer := testSetup(t)

	ctrl := dialer.hosts["ctrl-1"]
	ctrl.script = func(cmd string) *transport.CmdResult {
		if strings.HasPrefix(cmd, "kubeadm init") {
			return &transport.CmdResult{ExitCode: 1, Stderr: "preflight checks failed"}
		}
		return converged(cmd)
	}

	coord := newCoordinator(cfg, inv, dialer)
	report, err := coord.Run(context.Background())
	if err == nil {
		t.Fatal("expected dependency error")
	}
	if !engine.IsDependencyUnmet(err) {
		t.Errorf("error kind = %v, want dependency", err)
	}
	if report == nil {
		t.Fatal("report missing despite control-phase execution")
	}

	// Zero join attempts on any worker.
	for _, name := range []string{"worker-1", "worker-2"} {
		worker := dialer.hosts[name]
		if n := worker.ran("| sh"); n != 0 {
			t.Errorf("%s: join attempted %d times after control failure", name, n)
		}
		if _, ok := worker.files[workerArtifactPath]; ok {
			t.Errorf("%s: artifact uploaded after control failure", name)
		}
	}
}

func TestMissingArtifactBlocksWorkerPhase(t *testing.T) {
	cfg, inv, dialer := testSetup(t)

	// The cluster already exists, so init is skipped, but no prior run
	// left an artifact behind: there is nothing to join workers with.
	ctrl := dialer.hosts["ctrl-1"]
	ctrl.files["/etc/kubernetes/admin.conf"] = []byte("kubeconfig")
	ctrl.files["/home/admin/.kube/config"] = []byte("kubeconfig")

	coord := newCoordinator(cfg, inv, dialer)
	_, err := coord.Run(context.Background())
	if err == nil {
		t.Fatal("expected dependency error")
	}
	if !engine.IsDependencyUnmet(err) {
		t.Errorf("error kind = %v, want dependency", err)
	}
	for _, name := range []string{"worker-1", "worker-2"} {
		if n := dialer.hosts[name].ran("| sh"); n != 0 {
			t.Errorf("%s: join attempted %d times with no artifact", name, n)
		}
	}
}

func TestRerunSkipsInitAndJoin(t *testing.T) {
	cfg, inv, dialer := testSetup(t)

	ctrl := dialer.hosts["ctrl-1"]
	ctrl.script = func(cmd string) *transport.CmdResult {
		if strings.HasPrefix(cmd, "kubeadm init") {
			return &transport.CmdResult{Stdout: initOutput}
		}
		return converged(cmd)
	}

	coord := newCoordinator(cfg, inv, dialer)
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Simulate what the first run left behind on the hosts, then run again.
	ctrl.files["/etc/kubernetes/admin.conf"] = []byte("kubeconfig")
	ctrl.files["/home/admin/.kube/config"] = []byte("kubeconfig")
	for _, name := range []string{"worker-1", "worker-2"} {
		dialer.hosts[name].files["/etc/kubernetes/kubelet.conf"] = []byte("kubeconfig")
	}

	coord2 := newCoordinator(cfg, inv, dialer)
	report, err := coord2.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if failed := report.FailedHosts(); len(failed) != 0 {
		t.Fatalf("second run failed hosts: %v", failed)
	}

	if n := ctrl.ran("kubeadm init"); n != 1 {
		t.Errorf("init ran %d times across two runs, want 1", n)
	}
	for _, name := range []string{"worker-1", "worker-2"} {
		if n := dialer.hosts[name].ran("| sh"); n != 1 {
			t.Errorf("%s: join ran %d times across two runs, want 1", name, n)
		}
	}
}

func TestExtractJoinCommand(t *testing.T) {
	tests := []struct {
		name     string
		artifact string
		want     string
		wantErr  bool
	}{
		{
			name:     "valid init output",
			artifact: initOutput,
			want:     "kubeadm join 10.0.0.1:6443 --token abc.def \\\n\t--discovery-token-ca-cert-hash sha256:1234567890abcdef",
		},
		{
			name:     "empty artifact",
			artifact: "",
			wantErr:  true,
		},
		{
			name:     "single line",
			artifact: "kubeadm join 10.0.0.1:6443",
			wantErr:  true,
		},
		{
			name:     "tail is not a join command",
			artifact: "some output\nmore output\nnothing useful here",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJoinCommand([]byte(tt.artifact))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractJoinCommand failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostsBlockListsClusterMembers(t *testing.T) {
	hosts := []inventory.Host{
		{Name: "ctrl-1", Address: "10.0.0.1"},
		{Name: "worker-1", Address: "10.0.0.2"},
	}
	got := hostsBlock(hosts)
	want := "10.0.0.1 ctrl-1\n10.0.0.2 worker-1"
	if got != want {
		t.Errorf("hostsBlock = %q, want %q", got, want)
	}
}
