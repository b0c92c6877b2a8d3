package bootstrap

import (
	"fmt"
	"strings"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/config"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/engine"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/resources"
)

// Inventory group names the bootstrap plays target.
const (
	GroupControl = "control"
	GroupWorkers = "workers"
	GroupCluster = "cluster"
)

// workerArtifactPath is where the token artifact lands on each worker.
const workerArtifactPath = "/etc/kubernetes/join-artifact"

const kubernetesRepoTemplate = `[kubernetes]
name=Kubernetes
baseurl=https://pkgs.k8s.io/core:/stable:/v{{.Version}}/rpm/
enabled=1
gpgcheck=1
gpgkey=https://pkgs.k8s.io/core:/stable:/v{{.Version}}/rpm/repodata/repomd.xml.key
exclude=kubelet kubeadm kubectl cri-tools kubernetes-cni
`

const kernelModulesConf = `overlay
br_netfilter
`

const sysctlConf = `net.bridge.bridge-nf-call-iptables = 1
net.bridge.bridge-nf-call-ip6tables = 1
net.ipv4.ip_forward = 1
`

const containerdConf = `version = 2

[plugins."io.containerd.grpc.v1.cri"]
  sandbox_image = "registry.k8s.io/pause:3.9"

[plugins."io.containerd.grpc.v1.cri".containerd.runtimes.runc]
  runtime_type = "io.containerd.runc.v2"

[plugins."io.containerd.grpc.v1.cri".containerd.runtimes.runc.options]
  SystemdCgroup = true
`

// CommonPlay prepares every cluster node: package repository, kernel
// modules, sysctl settings, the container runtime, and the kubernetes
// packages, version-locked so routine upgrades cannot skew the cluster.
func CommonPlay(cfg config.Config, hosts []inventory.Host) *engine.Play {
	return &engine.Play{
		Name:   "prepare cluster nodes",
		Hosts:  GroupCluster,
		Become: true,
		Tasks: []engine.Task{
			{
				Name: "add kubernetes package repository",
				Resource: &resources.TemplateResource{
					Source: kubernetesRepoTemplate,
					Dest:   "/etc/yum.repos.d/kubernetes.repo",
					Mode:   0644,
					Data:   struct{ Version string }{Version: cfg.KubernetesVersion},
				},
			},
			{
				Name: "register cluster hosts",
				Resource: &resources.TextBlockResource{
					Path:       "/etc/hosts",
					Block:      hostsBlock(hosts),
					CreateFile: true,
				},
			},
			{
				Name: "configure kernel modules",
				Resource: &resources.TemplateResource{
					Source: kernelModulesConf,
					Dest:   "/etc/modules-load.d/kubernetes.conf",
					Mode:   0644,
				},
				Notify: []string{"load kernel modules"},
			},
			{
				Name: "configure bridge and forwarding sysctls",
				Resource: &resources.TemplateResource{
					Source: sysctlConf,
					Dest:   "/etc/sysctl.d/99-kubernetes.conf",
					Mode:   0644,
				},
				Notify: []string{"reload sysctl"},
			},
			{
				Name: "disable swap",
				Resource: &resources.CommandResource{
					Command: `if [ -n "$(swapon --noheadings 2>/dev/null)" ]; then swapoff -a; fi`,
				},
			},
			{
				Name: "install container runtime",
				Resource: &resources.PackageResource{
					Names: []string{"containerd"},
				},
			},
			{
				Name: "configure container runtime",
				Resource: &resources.TemplateResource{
					Source: containerdConf,
					Dest:   "/etc/containerd/config.toml",
					Mode:   0644,
				},
				Notify: []string{"restart containerd"},
			},
			{
				Name: "install kubernetes packages",
				Resource: &resources.PackageResource{
					Names: []string{"kubelet", "kubeadm", "kubectl"},
					State: resources.PackageHeld,
				},
			},
			{
				Name: "enable container runtime",
				Resource: &resources.ServiceResource{
					Service: "containerd",
					Enabled: true,
					State:   resources.ServiceStarted,
				},
			},
			{
				Name: "enable kubelet",
				Resource: &resources.ServiceResource{
					Service: "kubelet",
					Enabled: true,
					State:   resources.ServiceStarted,
				},
			},
		},
		Handlers: []engine.Handler{
			{
				Name: "load kernel modules",
				Task: engine.Task{
					Name: "load kernel modules",
					Resource: &resources.CommandResource{
						Command: "modprobe overlay && modprobe br_netfilter",
					},
				},
			},
			{
				Name: "reload sysctl",
				Task: engine.Task{
					Name: "reload sysctl",
					Resource: &resources.CommandResource{
						Command: "sysctl --system",
					},
				},
			},
			{
				Name: "restart containerd",
				Task: engine.Task{
					Name: "restart containerd",
					Resource: &resources.ServiceResource{
						Service: "containerd",
						Enabled: true,
						State:   resources.ServiceRestarted,
					},
				},
			},
		},
	}
}

// ControlPlay initializes the control plane: opens its ports, runs the
// cluster initialization, captures the init output into the store, persists
// it as the token artifact on the orchestrator host, stages the admin
// credentials, and applies the network add-on.
func ControlPlay(cfg config.Config, capture *outputCapture, store *ArtifactStore) *engine.Play {
	user := cfg.SSH.User
	if user == "" {
		user = "root"
	}
	home := userHome(user)

	return &engine.Play{
		Name:   "initialize control plane",
		Hosts:  GroupControl,
		Become: true,
		Tasks: []engine.Task{
			{
				Name: "open api server port",
				Resource: &resources.FirewallPortResource{
					Port:    "6443",
					Enabled: true,
				},
			},
			{
				Name: "open etcd ports",
				Resource: &resources.FirewallPortResource{
					Port:    "2379-2380",
					Enabled: true,
				},
			},
			{
				Name: "open control plane component ports",
				Resource: &resources.FirewallPortResource{
					Port:    "10250-10259",
					Enabled: true,
				},
			},
			{
				Name: "open overlay network port",
				Resource: &resources.FirewallPortResource{
					Port:     "8472",
					Protocol: "udp",
					Enabled:  true,
				},
			},
			{
				Name: "initialize cluster",
				Resource: &resources.CommandResource{
					Command: fmt.Sprintf(
						"kubeadm init --apiserver-advertise-address=%s --pod-network-cidr=%s",
						cfg.AdvertiseAddress, cfg.PodNetworkCIDR,
					),
					Creates: "/etc/kubernetes/admin.conf",
					Sink:    capture.set,
				},
			},
			{
				Name: "persist token artifact",
				Resource: &resources.TemplateResource{
					SourceFunc: capture.getOrRead(store),
					Dest:       store.Path(),
					Mode:       0600,
					Raw:        true,
				},
				Local:  true,
				Become: boolPtr(false),
			},
			{
				Name: "stage admin credentials",
				Resource: &resources.CommandResource{
					Command: fmt.Sprintf(
						"install -d -o %[1]s -g %[1]s %[2]s/.kube && install -m 600 -o %[1]s -g %[1]s /etc/kubernetes/admin.conf %[2]s/.kube/config",
						user, home,
					),
					Creates: home + "/.kube/config",
				},
			},
			{
				Name: "apply network add-on",
				Resource: &resources.CommandResource{
					Command: fmt.Sprintf(
						"kubectl --kubeconfig /etc/kubernetes/admin.conf apply -f %s",
						cfg.NetworkAddonManifest,
					),
				},
			},
		},
	}
}

// WorkerPlay joins every worker to the cluster: opens the worker ports,
// uploads the token artifact, and resets-then-joins. The reset step is what
// makes the otherwise non-idempotent join safe to repeat: a node that never
// joined resets to the same clean state it was already in, and a node with
// stale membership is wiped before rejoining. Workers that already hold a
// kubelet.conf are considered joined and skip the step entirely.
func WorkerPlay(cfg config.Config, store *ArtifactStore) *engine.Play {
	return &engine.Play{
		Name:   "join workers",
		Hosts:  GroupWorkers,
		Become: true,
		Tasks: []engine.Task{
			{
				Name: "open kubelet port",
				Resource: &resources.FirewallPortResource{
					Port:    "10250",
					Enabled: true,
				},
			},
			{
				Name: "open nodeport range",
				Resource: &resources.FirewallPortResource{
					Port:    "30000-32767",
					Enabled: true,
				},
			},
			{
				Name: "open overlay network port",
				Resource: &resources.FirewallPortResource{
					Port:     "8472",
					Protocol: "udp",
					Enabled:  true,
				},
			},
			{
				Name: "upload token artifact",
				Resource: &resources.TemplateResource{
					SourceFunc: func() (string, error) {
						data, err := store.Read()
						if err != nil {
							return "", err
						}
						return string(data), nil
					},
					Dest: workerArtifactPath,
					Mode: 0600,
					Raw:  true,
				},
			},
			{
				Name: "reset and join cluster",
				Resource: &resources.CommandResource{
					Command: fmt.Sprintf(
						"kubeadm reset --force >/dev/null 2>&1; tail -n 2 %s | sh",
						workerArtifactPath,
					),
					Creates: "/etc/kubernetes/kubelet.conf",
				},
			},
		},
	}
}

// hostsBlock renders the managed /etc/hosts region listing every cluster
// member by inventory name.
func hostsBlock(hosts []inventory.Host) string {
	var b strings.Builder
	for _, h := range hosts {
		fmt.Fprintf(&b, "%s %s\n", h.Address, h.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func boolPtr(b bool) *bool { return &b }

// userHome maps the connecting user to its home directory.
func userHome(user string) string {
	if user == "" || user == "root" {
		return "/root"
	}
	return "/home/" + user
}

// outputCapture holds the init output between the capture task on the
// control host and the local persist task. Write-once, same discipline as
// the artifact store.
type outputCapture struct {
	output string
	set    func(string) error
}

func newOutputCapture() *outputCapture {
	c := &outputCapture{}
	c.set = func(stdout string) error {
		c.output = stdout
		return nil
	}
	return c
}

// getOrRead returns the captured init output, or, when the initialization
// was skipped because the cluster already exists, the artifact persisted by
// an earlier run. A skipped init with no prior artifact is an error: there
// is nothing to join workers with.
func (c *outputCapture) getOrRead(store *ArtifactStore) func() (string, error) {
	return func() (string, error) {
		if c.output != "" {
			return c.output, nil
		}
		if store.Exists() {
			data, err := store.Read()
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
		return "", fmt.Errorf("no init output captured and no prior token artifact at %s", store.Path())
	}
}
