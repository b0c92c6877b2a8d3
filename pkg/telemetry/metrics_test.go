package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsServeRecordedSamples(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordTask("common", "package", "changed", 120*time.Millisecond)
	m.RecordTask("common", "package", "ok", 80*time.Millisecond)
	m.RecordHandler("common", "ok")
	m.RecordPlay("common", 3*time.Second)
	m.RecordHostFailed("workers")
	m.RecordRunCompleted("converged", 5*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`kubeboot_tasks_executed_total{outcome="changed",play="common"} 1`,
		`kubeboot_handler_runs_total{outcome="ok",play="common"} 1`,
		`kubeboot_hosts_failed_total{play="workers"} 1`,
		`kubeboot_runs_completed_total{state="converged"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// Record calls must not panic on the no-op instance.
	m.RecordTask("common", "package", "ok", time.Second)
	m.RecordHandler("common", "ok")
	m.RecordRunCompleted("converged", time.Second)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled scrape status = %d, want 404", rec.Code)
	}
}
