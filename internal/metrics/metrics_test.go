package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/geekxflood/proteus/internal/types"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefaultMetricsConfig(t *testing.T) {
	config := DefaultMetricsConfig()

	if !config.Enabled {
		t.Error("Expected metrics to be enabled by default")
	}

	if config.ListenAddress != ":9090" {
		t.Errorf("Expected listen address ':9090', got '%s'", config.ListenAddress)
	}

	if config.MetricsPath != "/metrics" {
		t.Errorf("Expected metrics path '/metrics', got '%s'", config.MetricsPath)
	}

	if config.Namespace != "proteus" {
		t.Errorf("Expected namespace 'proteus', got '%s'", config.Namespace)
	}
}

func TestLoadMetricsConfig(t *testing.T) {
	cfg := testutil.NewConfigProvider(map[string]any{
		"metrics.enabled":         false,
		"metrics.listen_address":  ":8080",
		"metrics.metrics_path":    "/custom-metrics",
		"metrics.health_path":     "/custom-health",
		"metrics.ready_path":      "/custom-ready",
		"metrics.update_interval": "60s",
		"metrics.namespace":       "custom",
	})

	config, err := loadMetricsConfig(cfg)
	if err != nil {
		t.Fatalf("Failed to load metrics config: %v", err)
	}

	if config.Enabled {
		t.Error("Expected metrics to be disabled")
	}

	if config.ListenAddress != ":8080" {
		t.Errorf("Expected listen address ':8080', got '%s'", config.ListenAddress)
	}

	if config.UpdateInterval != 60*time.Second {
		t.Errorf("Expected update interval 60s, got %v", config.UpdateInterval)
	}

	if config.Namespace != "custom" {
		t.Errorf("Expected namespace 'custom', got '%s'", config.Namespace)
	}

	cfg.Set("metrics.update_interval", "0s")
	if _, err := loadMetricsConfig(cfg); err == nil {
		t.Error("Expected error for zero update interval")
	}
}

func TestNewMetricsManager(t *testing.T) {
	manager, err := NewMetricsManager(testutil.NewConfigProvider(nil), testutil.Logger(t))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}

	if manager.GetRequestMetrics() == nil {
		t.Error("Request metrics is nil")
	}
	if manager.GetTransactionMetrics() == nil {
		t.Error("Transaction metrics is nil")
	}
	if manager.GetSessionMetrics() == nil {
		t.Error("Session metrics is nil")
	}
	if manager.GetJournalMetrics() == nil {
		t.Error("Journal metrics is nil")
	}
	if manager.GetSystemMetrics() == nil {
		t.Error("System metrics is nil")
	}

	if _, err := NewMetricsManager(testutil.NewConfigProvider(nil), nil); err == nil {
		t.Error("Expected error for nil logger")
	}
	if _, err := NewMetricsManager(nil, testutil.Logger(t)); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestMetricsManagerDisabled(t *testing.T) {
	cfg := testutil.NewConfigProvider(map[string]any{"metrics.enabled": false})

	manager, err := NewMetricsManager(cfg, testutil.Logger(t))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}

	if err := manager.Start(); err != nil {
		t.Fatalf("Failed to start disabled metrics manager: %v", err)
	}
	if err := manager.Stop(); err != nil {
		t.Fatalf("Failed to stop disabled metrics manager: %v", err)
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	manager, err := NewMetricsManager(testutil.NewConfigProvider(nil), testutil.Logger(t))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}

	w := httptest.NewRecorder()
	manager.healthHandler(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	manager.readyHandler(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusServiceUnavailable || w.Body.String() != "NOT READY" {
		t.Errorf("Expected 503 NOT READY, got %d %q", w.Code, w.Body.String())
	}

	manager.SetReady(true)
	w = httptest.NewRecorder()
	manager.readyHandler(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusOK || w.Body.String() != "READY" {
		t.Errorf("Expected 200 READY, got %d %q", w.Code, w.Body.String())
	}

	manager.SetComponentHealth("session", false)
	w = httptest.NewRecorder()
	manager.healthHandler(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable || w.Body.String() != "UNHEALTHY" {
		t.Errorf("Expected 503 UNHEALTHY, got %d %q", w.Code, w.Body.String())
	}

	manager.SetComponentHealth("session", true)
	w = httptest.NewRecorder()
	manager.healthHandler(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestObserveRequest(t *testing.T) {
	manager, err := NewMetricsManager(testutil.NewConfigProvider(nil), testutil.Logger(t))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}

	oid := types.MustParseOID("1.3.6.1.2.1.1.2.5.10")
	manager.ObserveRequest("get", types.ErrorStatusNoError, []types.Varbind{
		types.NewVarbind(oid, types.Integer(1)),
		types.Exception(oid, types.TypeNoSuchInstance),
	}, time.Millisecond)
	manager.ObserveRequest("test_set", types.ErrorStatusWrongType, nil, time.Millisecond)

	rm := manager.GetRequestMetrics()
	if got := promtest.ToFloat64(rm.RequestsTotal.WithLabelValues("get")); got != 1 {
		t.Errorf("Expected 1 get request, got %v", got)
	}
	if got := promtest.ToFloat64(rm.VarbindsTotal); got != 2 {
		t.Errorf("Expected 2 varbinds, got %v", got)
	}
	if got := promtest.ToFloat64(rm.Exceptions.WithLabelValues("noSuchInstance")); got != 1 {
		t.Errorf("Expected 1 noSuchInstance, got %v", got)
	}
	if got := promtest.ToFloat64(rm.RequestErrors.WithLabelValues("test_set", "wrongType")); got != 1 {
		t.Errorf("Expected 1 wrongType error, got %v", got)
	}
}

func TestSessionAndTableGauges(t *testing.T) {
	manager, err := NewMetricsManager(testutil.NewConfigProvider(nil), testutil.Logger(t))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}

	manager.SetSessionOpen(true)
	sm := manager.GetSessionMetrics()
	if got := promtest.ToFloat64(sm.SessionOpen); got != 1 {
		t.Errorf("Expected session open gauge 1, got %v", got)
	}
	manager.SetSessionOpen(false)
	if got := promtest.ToFloat64(sm.SessionOpen); got != 0 {
		t.Errorf("Expected session open gauge 0, got %v", got)
	}
	if got := promtest.ToFloat64(sm.SessionLosses); got != 1 {
		t.Errorf("Expected 1 session close, got %v", got)
	}

	manager.SetRowSource(func() map[string]int {
		return map[string]int{"hlMatrixControlTable": 2, "nlMatrixSDTable": 7}
	})
	manager.updateSystemMetrics(time.Now())

	if got := promtest.ToFloat64(sm.TableRows.WithLabelValues("nlMatrixSDTable")); got != 7 {
		t.Errorf("Expected 7 rows, got %v", got)
	}
	if got := promtest.ToFloat64(sm.Registrations); got != 2 {
		t.Errorf("Expected 2 registrations, got %v", got)
	}

	manager.ObserveTransaction("committed", 0)
	manager.ObserveLockRetry()
	manager.ObserveTest(time.Millisecond)

	expected := `
# HELP proteus_transactions_total Total number of SET transactions by final state
# TYPE proteus_transactions_total counter
proteus_transactions_total{state="committed"} 1
`
	if err := promtest.GatherAndCompare(manager.Registry(), strings.NewReader(expected), "proteus_transactions_total"); err != nil {
		t.Errorf("Unexpected transaction metrics: %v", err)
	}
}
