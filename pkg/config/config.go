// Package config loads the run configuration. All required variables are
// resolved once before any play runs; a missing variable is a fatal
// configuration error. The resulting struct is passed around by value and
// never mutated during execution.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every variable the provisioning run needs.
type Config struct {
	// AdvertiseAddress is the address the control plane advertises to the
	// cluster and the address workers join against.
	AdvertiseAddress string `yaml:"advertise_address" validate:"required,ip"`

	// PodNetworkCIDR is the pod network address range handed to the
	// cluster initialization step.
	PodNetworkCIDR string `yaml:"pod_network_cidr" validate:"required,cidr"`

	// TokenArtifactPath is where the init output (join credential and
	// cluster coordinates) is persisted on the orchestrator host.
	TokenArtifactPath string `yaml:"token_artifact_path" validate:"required"`

	// NetworkAddonManifest is the manifest URL for the network add-on
	// applied to the freshly initialized control plane.
	NetworkAddonManifest string `yaml:"network_addon_manifest"`

	// KubernetesVersion selects the package set installed on all nodes.
	KubernetesVersion string `yaml:"kubernetes_version"`

	// SSH holds the default transport settings for hosts that do not
	// override them in the inventory.
	SSH SSHConfig `yaml:"ssh"`

	// Forks bounds how many hosts are converged concurrently within a play.
	Forks int `yaml:"forks" validate:"min=0"`

	// TaskTimeout bounds a single task execution on a single host.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// HistoryPath is the SQLite database recording run history. Empty
	// disables recording.
	HistoryPath string `yaml:"history_path"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`

	// Metrics configures the Prometheus scrape endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// SSHConfig holds run-level SSH defaults.
type SSHConfig struct {
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	StrictHostKey  bool   `yaml:"strict_host_key"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig configures the optional Prometheus scrape endpoint served
// for the duration of a run.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// Default returns the configuration defaults applied before the file is read.
func Default() Config {
	return Config{
		NetworkAddonManifest: "https://raw.githubusercontent.com/flannel-io/flannel/master/Documentation/kube-flannel.yml",
		KubernetesVersion:    "1.29",
		Forks:                5,
		TaskTimeout:          10 * time.Minute,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9108",
			Path:          "/metrics",
		},
	}
}

// Load reads, merges with defaults, and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration YAML on top of the defaults and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every required variable is present and well formed.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("invalid config: task_timeout must not be negative")
	}
	return nil
}
