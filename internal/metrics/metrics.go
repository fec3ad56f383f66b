// Package metrics provides Prometheus metrics integration and health endpoints
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig defines the configuration for the metrics system
type MetricsConfig struct {
	Enabled        bool          `json:"enabled"`
	ListenAddress  string        `json:"listen_address"`
	MetricsPath    string        `json:"metrics_path"`
	HealthPath     string        `json:"health_path"`
	ReadyPath      string        `json:"ready_path"`
	UpdateInterval time.Duration `json:"update_interval"`
	Namespace      string        `json:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        true,
		ListenAddress:  ":9090",
		MetricsPath:    "/metrics",
		HealthPath:     "/health",
		ReadyPath:      "/ready",
		UpdateInterval: 30 * time.Second,
		Namespace:      "proteus",
	}
}

// MetricsManager manages Prometheus metrics and health endpoints
type MetricsManager struct {
	config   *MetricsConfig
	logger   logging.Logger
	registry *prometheus.Registry
	server   *http.Server

	requestMetrics     *RequestMetrics
	transactionMetrics *TransactionMetrics
	sessionMetrics     *SessionMetrics
	journalMetrics     *JournalMetrics
	systemMetrics      *SystemMetrics

	// rowSource reports the row count of every table
	rowSource func() map[string]int

	healthStatus map[string]bool
	readyStatus  bool
	mu           sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RequestMetrics contains AgentX request dispatch metrics
type RequestMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	VarbindsTotal   prometheus.Counter
	Exceptions      *prometheus.CounterVec
}

// TransactionMetrics contains SET transaction metrics
type TransactionMetrics struct {
	Outcomes     *prometheus.CounterVec
	LockRetries  prometheus.Counter
	Pending      prometheus.Gauge
	TestDuration prometheus.Histogram
}

// SessionMetrics contains AgentX session metrics
type SessionMetrics struct {
	SessionOpen   prometheus.Gauge
	SessionOpens  prometheus.Counter
	SessionLosses prometheus.Counter
	Registrations prometheus.Gauge
	TableRows     *prometheus.GaugeVec
}

// JournalMetrics contains transaction journal metrics
type JournalMetrics struct {
	EntriesWritten prometheus.Counter
	JournalErrors  prometheus.Counter
	FlushDuration  prometheus.Histogram
	EntriesPurged  prometheus.Counter
}

// SystemMetrics contains system resource metrics
type SystemMetrics struct {
	MemoryUsage    prometheus.Gauge
	GoroutineCount prometheus.Gauge
	GCDuration     prometheus.Histogram
	Uptime         prometheus.Gauge
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(cfg config.Provider, logger logging.Logger) (*MetricsManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	metricsConfig, err := loadMetricsConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics configuration: %w", err)
	}

	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())

	manager := &MetricsManager{
		config:       metricsConfig,
		logger:       logger.With("component", "metrics"),
		registry:     registry,
		healthStatus: make(map[string]bool),
		readyStatus:  false,
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := manager.initializeMetrics(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return manager, nil
}

// initializeMetrics creates and registers all Prometheus metrics
func (m *MetricsManager) initializeMetrics() error {
	namespace := m.config.Namespace

	m.requestMetrics = &RequestMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of AgentX requests dispatched",
		}, []string{"kind"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of AgentX responses carrying an error status",
		}, []string{"kind", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent dispatching AgentX requests",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"kind"}),
		VarbindsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "varbinds_total",
			Help:      "Total number of varbinds answered",
		}),
		Exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "varbind_exceptions_total",
			Help:      "Total number of noSuchObject, noSuchInstance and endOfMibView answers",
		}, []string{"exception"}),
	}

	m.transactionMetrics = &TransactionMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of SET transactions by final state",
		}, []string{"state"}),
		LockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_lock_retries_total",
			Help:      "Total number of SET tests retried after row contention",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_pending",
			Help:      "Number of SET transactions awaiting cleanup",
		}),
		TestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_test_duration_seconds",
			Help:      "Time spent in the SET test phase",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	m.sessionMetrics = &SessionMetrics{
		SessionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_open",
			Help:      "Whether the AgentX session is open (1) or closed (0)",
		}),
		SessionOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_opens_total",
			Help:      "Total number of AgentX sessions opened",
		}),
		SessionLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total number of AgentX session closures",
		}),
		Registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registrations",
			Help:      "Number of registered tables",
		}),
		TableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_rows",
			Help:      "Number of rows per registered table",
		}, []string{"table"}),
	}

	m.journalMetrics = &JournalMetrics{
		EntriesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_written_total",
			Help:      "Total number of transaction journal entries written",
		}),
		JournalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Total number of transaction journal errors",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "journal_flush_duration_seconds",
			Help:      "Time spent flushing journal batches",
			Buckets:   prometheus.DefBuckets,
		}),
		EntriesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_purged_total",
			Help:      "Total number of journal entries removed by retention",
		}),
	}

	m.systemMetrics = &SystemMetrics{
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Time spent in garbage collection",
			Buckets:   prometheus.DefBuckets,
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		}),
	}

	collectors := []prometheus.Collector{
		// Request metrics
		m.requestMetrics.RequestsTotal,
		m.requestMetrics.RequestErrors,
		m.requestMetrics.RequestDuration,
		m.requestMetrics.VarbindsTotal,
		m.requestMetrics.Exceptions,

		// Transaction metrics
		m.transactionMetrics.Outcomes,
		m.transactionMetrics.LockRetries,
		m.transactionMetrics.Pending,
		m.transactionMetrics.TestDuration,

		// Session metrics
		m.sessionMetrics.SessionOpen,
		m.sessionMetrics.SessionOpens,
		m.sessionMetrics.SessionLosses,
		m.sessionMetrics.Registrations,
		m.sessionMetrics.TableRows,

		// Journal metrics
		m.journalMetrics.EntriesWritten,
		m.journalMetrics.JournalErrors,
		m.journalMetrics.FlushDuration,
		m.journalMetrics.EntriesPurged,

		// System metrics
		m.systemMetrics.MemoryUsage,
		m.systemMetrics.GoroutineCount,
		m.systemMetrics.GCDuration,
		m.systemMetrics.Uptime,
	}

	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// Start starts the metrics server and background monitoring
func (m *MetricsManager) Start() error {
	if !m.config.Enabled {
		m.logger.Info("Metrics collection is disabled")
		return nil
	}

	m.logger.Info("Starting metrics server",
		"listen_address", m.config.ListenAddress,
		"metrics_path", m.config.MetricsPath)

	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc(m.config.HealthPath, m.healthHandler)
	mux.HandleFunc(m.config.ReadyPath, m.readyHandler)

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "error", err.Error())
		}
	}()

	m.wg.Add(1)
	go m.collectSystemMetrics()

	m.logger.Info("Metrics server started successfully")
	return nil
}

// Stop stops the metrics server and background monitoring
func (m *MetricsManager) Stop() error {
	if !m.config.Enabled {
		return nil
	}

	m.logger.Info("Stopping metrics server")

	m.cancel()

	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("Error shutting down metrics server", "error", err.Error())
		}
	}

	m.wg.Wait()

	m.logger.Info("Metrics server stopped")
	return nil
}

// collectSystemMetrics collects system resource metrics periodically
func (m *MetricsManager) collectSystemMetrics() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.updateSystemMetrics(startTime)
		}
	}
}

// updateSystemMetrics updates system resource and table gauges
func (m *MetricsManager) updateSystemMetrics(startTime time.Time) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.systemMetrics.MemoryUsage.Set(float64(memStats.Alloc))
	m.systemMetrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.systemMetrics.Uptime.Set(time.Since(startTime).Seconds())
	m.systemMetrics.GCDuration.Observe(float64(memStats.PauseTotalNs) / 1e9)

	m.mu.RLock()
	source := m.rowSource
	m.mu.RUnlock()

	if source != nil {
		rows := source()
		m.sessionMetrics.TableRows.Reset()
		for name, n := range rows {
			m.sessionMetrics.TableRows.WithLabelValues(name).Set(float64(n))
		}
		m.sessionMetrics.Registrations.Set(float64(len(rows)))
	}
}

// SetRowSource sets the function reporting per-table row counts.
func (m *MetricsManager) SetRowSource(fn func() map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rowSource = fn
}

// ObserveRequest records a dispatched request and its response status.
func (m *MetricsManager) ObserveRequest(kind string, status int, varbinds []types.Varbind, elapsed time.Duration) {
	m.requestMetrics.RequestsTotal.WithLabelValues(kind).Inc()
	m.requestMetrics.RequestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if status != types.ErrorStatusNoError {
		m.requestMetrics.RequestErrors.WithLabelValues(kind, types.ErrorStatusName(status)).Inc()
	}

	m.requestMetrics.VarbindsTotal.Add(float64(len(varbinds)))
	for _, vb := range varbinds {
		if vb.IsException() {
			m.requestMetrics.Exceptions.WithLabelValues(types.TypeName(vb.Type)).Inc()
		}
	}
}

// ObserveLockRetry records a SET test retried after row contention.
func (m *MetricsManager) ObserveLockRetry() {
	m.transactionMetrics.LockRetries.Inc()
}

// ObserveTest records the duration of a SET test phase.
func (m *MetricsManager) ObserveTest(elapsed time.Duration) {
	m.transactionMetrics.TestDuration.Observe(elapsed.Seconds())
}

// ObserveTransaction records a finished transaction by its final state.
func (m *MetricsManager) ObserveTransaction(state string, pending int) {
	m.transactionMetrics.Outcomes.WithLabelValues(state).Inc()
	m.transactionMetrics.Pending.Set(float64(pending))
}

// SetSessionOpen records a session state change.
func (m *MetricsManager) SetSessionOpen(open bool) {
	if open {
		m.sessionMetrics.SessionOpen.Set(1)
		m.sessionMetrics.SessionOpens.Inc()
		return
	}
	m.sessionMetrics.SessionOpen.Set(0)
	m.sessionMetrics.SessionLosses.Inc()
}

// healthHandler handles health check requests
func (m *MetricsManager) healthHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allHealthy := true
	for component, healthy := range m.healthStatus {
		if !healthy {
			allHealthy = false
			m.logger.Debug("Component unhealthy", "component", component)
		}
	}

	if allHealthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNHEALTHY"))
	}
}

// readyHandler handles readiness check requests
func (m *MetricsManager) readyHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	ready := m.readyStatus
	m.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
	}
}

// SetComponentHealth sets the health status for a component
func (m *MetricsManager) SetComponentHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.healthStatus[component] = healthy
	m.logger.Debug("Component health updated",
		"component", component,
		"healthy", healthy)
}

// SetReady sets the overall readiness status
func (m *MetricsManager) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readyStatus = ready
	m.logger.Info("Readiness status updated", "ready", ready)
}

// Registry returns the Prometheus registry holding every metric.
func (m *MetricsManager) Registry() *prometheus.Registry {
	return m.registry
}

// GetRequestMetrics returns the request metrics instance
func (m *MetricsManager) GetRequestMetrics() *RequestMetrics {
	return m.requestMetrics
}

// GetTransactionMetrics returns the transaction metrics instance
func (m *MetricsManager) GetTransactionMetrics() *TransactionMetrics {
	return m.transactionMetrics
}

// GetSessionMetrics returns the session metrics instance
func (m *MetricsManager) GetSessionMetrics() *SessionMetrics {
	return m.sessionMetrics
}

// GetJournalMetrics returns the journal metrics instance
func (m *MetricsManager) GetJournalMetrics() *JournalMetrics {
	return m.journalMetrics
}

// GetSystemMetrics returns the system metrics instance
func (m *MetricsManager) GetSystemMetrics() *SystemMetrics {
	return m.systemMetrics
}

// loadMetricsConfig loads metrics configuration from the config provider
func loadMetricsConfig(cfg config.Provider) (*MetricsConfig, error) {
	config := DefaultMetricsConfig()

	if enabled, err := cfg.GetBool("metrics.enabled"); err == nil {
		config.Enabled = enabled
	}

	if listenAddress, err := cfg.GetString("metrics.listen_address"); err == nil {
		config.ListenAddress = listenAddress
	}

	if metricsPath, err := cfg.GetString("metrics.metrics_path"); err == nil {
		config.MetricsPath = metricsPath
	}

	if healthPath, err := cfg.GetString("metrics.health_path"); err == nil {
		config.HealthPath = healthPath
	}

	if readyPath, err := cfg.GetString("metrics.ready_path"); err == nil {
		config.ReadyPath = readyPath
	}

	if updateInterval, err := cfg.GetDuration("metrics.update_interval"); err == nil {
		config.UpdateInterval = updateInterval
	}

	if namespace, err := cfg.GetString("metrics.namespace"); err == nil {
		config.Namespace = namespace
	}

	if config.UpdateInterval <= 0 {
		return nil, fmt.Errorf("metrics.update_interval must be positive, got %v", config.UpdateInterval)
	}

	return config, nil
}
