package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns metric collection on. When false every record call
	// is a no-op.
	Enabled bool

	// Namespace prefixes every metric name. Defaults to "kubeboot".
	Namespace string

	// ListenAddress is the address the optional metrics server binds to.
	ListenAddress string

	// Path is the HTTP path the metrics are served under.
	Path string
}

// Metrics collects Prometheus metrics for provisioning runs.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	handlerRuns   *prometheus.CounterVec

	playDuration *prometheus.HistogramVec
	hostsFailed  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled it returns a no-op instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "kubeboot"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of provisioning runs completed",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"state"},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of task executions by outcome",
			},
			[]string{"play", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"play", "resource"},
		),
		handlerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_runs_total",
				Help:      "Total number of handler executions by outcome",
			},
			[]string{"play", "outcome"},
		),

		playDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "play_duration_seconds",
				Help:      "Duration of play executions in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"play"},
		),
		hostsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_failed_total",
				Help:      "Total number of per-host failures",
			},
			[]string{"play"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.handlerRuns,
		m.playDuration,
		m.hostsFailed,
	)

	return m, nil
}

// RecordRunCompleted records a finished run with its convergence state.
func (m *Metrics) RecordRunCompleted(state string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordTask records one task execution.
func (m *Metrics) RecordTask(play, resource, outcome string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(play, outcome).Inc()
	m.taskDuration.WithLabelValues(play, resource).Observe(duration.Seconds())
}

// RecordHandler records one handler execution.
func (m *Metrics) RecordHandler(play, outcome string) {
	if m.handlerRuns == nil {
		return
	}
	m.handlerRuns.WithLabelValues(play, outcome).Inc()
}

// RecordPlay records a finished play.
func (m *Metrics) RecordPlay(play string, duration time.Duration) {
	if m.playDuration == nil {
		return
	}
	m.playDuration.WithLabelValues(play).Observe(duration.Seconds())
}

// RecordHostFailed records a host failing within a play.
func (m *Metrics) RecordHostFailed(play string) {
	if m.hostsFailed == nil {
		return
	}
	m.hostsFailed.WithLabelValues(play).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
// It returns immediately; serve errors are reported through errCh.
func (m *Metrics) StartMetricsServer(errCh chan<- error) {
	if !m.config.Enabled {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if errCh != nil {
				errCh <- err
			}
		}
	}()
}
