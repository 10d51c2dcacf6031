package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestInit(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := Init("test", "ciscaler")
	if m == nil {
		t.Fatal("Init returned nil")
	}
	if m.WebhookRequestsTotal == nil {
		t.Error("WebhookRequestsTotal should not be nil")
	}
	if m.ReconcilerTickDuration == nil {
		t.Error("ReconcilerTickDuration should not be nil")
	}
}

func TestGet(t *testing.T) {
	defaultMetrics = nil

	m := Get()
	if m == nil {
		t.Fatal("Get() should not return nil")
	}
	if m2 := Get(); m2 != m {
		t.Error("Get() should return the same instance on repeated calls")
	}
}

func TestRecordWebhookRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := Init("test", "webhook")
	m.RecordWebhookRequest("workflow_job", "200", 5*time.Millisecond)
	m.RecordWebhookRequest("workflow_run", "403", 1*time.Millisecond)
}

func TestRecordReconcilerTick(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := Init("test", "reconciler")
	m.RecordReconcilerTick(true, 200*time.Millisecond)
	m.RecordReconcilerTick(false, 50*time.Millisecond)
}

func TestRecordHandlerError(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := Init("test", "handler")
	m.RecordHandlerError("idle_runner_handler")
}

func TestSetServiceInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := Init("test", "info")
	m.SetServiceInfo("v0.1.0")
}

func TestRuntimeCollector(t *testing.T) {
	collector := NewRuntimeCollector("test", "runtime")

	descCh := make(chan *prometheus.Desc, 10)
	collector.Describe(descCh)
	close(descCh)

	descCount := 0
	for range descCh {
		descCount++
	}
	if descCount < 4 {
		t.Errorf("expected at least 4 descriptors, got %d", descCount)
	}

	metricCh := make(chan prometheus.Metric, 10)
	collector.Collect(metricCh)
	close(metricCh)

	metricCount := 0
	for range metricCh {
		metricCount++
	}
	if metricCount < 4 {
		t.Errorf("expected at least 4 metrics, got %d", metricCount)
	}
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("GET /metrics status = %d, want 200", rec.Code)
	}
}

func TestNewServer_Healthz(t *testing.T) {
	srv := NewServer(":0")
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("GET /healthz body = %q, want %q", rec.Body.String(), "ok")
	}
}
