// Package app wires the row registry, the set-transaction coordinator, the
// session manager and the request dispatcher into a running sub-agent.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/dispatch"
	"github.com/geekxflood/proteus/internal/journal"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/mibs/rmon2"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/seed"
	"github.com/geekxflood/proteus/internal/session"
	"github.com/geekxflood/proteus/internal/txn"
	"github.com/geekxflood/proteus/internal/types"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// AppConfig holds configuration for the main application
type AppConfig struct {
	Name            string        `json:"name"`
	Version         string        `json:"version"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	StatsInterval   time.Duration `json:"stats_interval"`
	PruneInterval   time.Duration `json:"prune_interval"`
	Tables          []string      `json:"tables"`
}

// DefaultAppConfig returns a default application configuration
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Name:            "proteus",
		Version:         "1.0.0",
		ShutdownTimeout: 30 * time.Second,
		StatsInterval:   30 * time.Second,
		PruneInterval:   time.Minute,
		Tables:          []string{"rmon2"},
	}
}

// Option configures an Application.
type Option func(*Application)

// WithMaster sets the master agent the session manager talks to. Without it
// the application uses an in-process loopback master.
func WithMaster(master session.Master) Option {
	return func(a *Application) {
		a.master = master
	}
}

// Application is the sub-agent: its tables, transaction engine, session and
// dispatcher.
type Application struct {
	config         *AppConfig
	configProvider config.Provider
	logger         logging.Logger

	metrics     *metrics.MetricsManager
	registry    *registry.Registry
	rmon2       *rmon2.Tables
	journal     *journal.Journal
	coordinator *txn.Coordinator
	master      session.Master
	sessions    *session.Manager
	dispatcher  *dispatch.Dispatcher
	seeder      *seed.Seeder

	nextTransaction uint32
	startTime       time.Time
	mu              sync.Mutex
	stats           map[string]interface{}
	shutdownOnce    sync.Once
	shutdownErr     error
}

// NewApplication creates the application from its configuration.
func NewApplication(cfg config.Provider, logger logging.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	appConfig := DefaultAppConfig()

	if name, err := cfg.GetString("app.name", appConfig.Name); err == nil {
		appConfig.Name = name
	}
	if version, err := cfg.GetString("app.version", appConfig.Version); err == nil {
		appConfig.Version = version
	}
	if timeout, err := cfg.GetDuration("app.shutdown_timeout", appConfig.ShutdownTimeout); err == nil {
		appConfig.ShutdownTimeout = timeout
	}
	if interval, err := cfg.GetDuration("app.stats_interval", appConfig.StatsInterval); err == nil {
		appConfig.StatsInterval = interval
	}
	if interval, err := cfg.GetDuration("app.prune_interval", appConfig.PruneInterval); err == nil {
		appConfig.PruneInterval = interval
	}
	if tables, err := cfg.GetStringSlice("app.tables"); err == nil {
		appConfig.Tables = tables
	}

	if appConfig.StatsInterval <= 0 || appConfig.PruneInterval <= 0 {
		return nil, fmt.Errorf("app stats and prune intervals must be positive")
	}

	a := &Application{
		config:         appConfig,
		configProvider: cfg,
		logger:         logger.With("component", "app"),
		startTime:      time.Now(),
		stats:          make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.master == nil {
		a.master = session.NewLoopback()
	}

	a.logger.Info("Creating sub-agent", "name", appConfig.Name, "version", appConfig.Version)
	return a, nil
}

// Initialize initializes all application components
func (a *Application) Initialize() error {
	a.logger.Info("Initializing application components")

	if err := a.initializeMetrics(); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := a.initializeTables(); err != nil {
		return fmt.Errorf("failed to initialize tables: %w", err)
	}
	if err := a.initializeJournal(); err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := a.initializeCoordinator(); err != nil {
		return fmt.Errorf("failed to initialize transaction coordinator: %w", err)
	}
	if err := a.initializeSessions(); err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	if err := a.initializeDispatcher(); err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	if err := a.initializeSeeder(); err != nil {
		return fmt.Errorf("failed to initialize seeder: %w", err)
	}

	a.logger.Info("Application components initialized successfully", "tables", a.registry.Len())
	return nil
}

func (a *Application) initializeMetrics() error {
	m, err := metrics.NewMetricsManager(a.configProvider, a.logger)
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

func (a *Application) initializeTables() error {
	a.registry = registry.New()

	for _, name := range a.config.Tables {
		switch name {
		case "rmon2":
			tables, err := rmon2.New()
			if err != nil {
				return err
			}
			for _, reg := range tables.Registrations() {
				if err := a.registry.Add(reg); err != nil {
					return err
				}
			}
			a.rmon2 = tables
		default:
			return fmt.Errorf("unknown table set %q", name)
		}
	}

	a.metrics.SetRowSource(a.rowCounts)
	return nil
}

func (a *Application) initializeJournal() error {
	jc, err := journal.LoadConfig(a.configProvider)
	if err != nil {
		return err
	}
	if !jc.Enabled {
		a.logger.Info("Transaction journal is disabled")
		return nil
	}

	j, err := journal.Open(jc, a.logger, journal.WithMetrics(a.metrics.GetJournalMetrics()))
	if err != nil {
		return err
	}
	a.journal = j
	return nil
}

func (a *Application) initializeCoordinator() error {
	var journalRecorder txn.Recorder
	if a.journal != nil {
		journalRecorder = a.journal
	}

	recorder := txn.MultiRecorder(journalRecorder, txn.RecorderFunc(func(o txn.Outcome) {
		a.metrics.ObserveTransaction(o.State.String(), a.coordinator.Pending())
	}))

	coord, err := txn.NewCoordinator(a.configProvider, a.registry, a.logger, txn.WithRecorder(recorder))
	if err != nil {
		return err
	}
	a.coordinator = coord
	return nil
}

func (a *Application) initializeSessions() error {
	sessions, err := session.NewManager(a.configProvider, a.master, a.registry, a.coordinator, a.logger,
		session.OnStateChange(func(s session.State) {
			open := s == session.StateOpen
			a.metrics.SetSessionOpen(open)
			a.metrics.SetComponentHealth("session", open)
			a.metrics.SetReady(open)
		}))
	if err != nil {
		return err
	}
	a.sessions = sessions
	return nil
}

func (a *Application) initializeDispatcher() error {
	d, err := dispatch.New(a.configProvider, a.registry, a.coordinator, a.sessions, a.logger,
		dispatch.WithObserver(a.metrics))
	if err != nil {
		return err
	}
	a.dispatcher = d
	return nil
}

func (a *Application) initializeSeeder() error {
	s, err := seed.NewSeeder(a.configProvider, a.registry, a.logger)
	if err != nil {
		return err
	}
	a.seeder = s

	// A broken seed file is reported but does not keep the agent down.
	if _, err := s.LoadAll(); err != nil {
		a.logger.Warn("Some seed files could not be applied", "error", err.Error())
	}
	return nil
}

// Run starts the background services and blocks until ctx is cancelled or a
// service fails, then shuts the application down.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("Starting sub-agent")

	if err := a.metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	if err := a.seeder.Start(); err != nil {
		a.logger.Warn("Seed directory is not watched", "error", err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sessions.Run(gctx)
	})
	g.Go(func() error {
		a.every(gctx, a.config.StatsInterval, a.updateStats)
		return nil
	})
	if a.rmon2 != nil {
		g.Go(func() error {
			a.every(gctx, a.config.PruneInterval, func() {
				n, err := a.rmon2.Prune()
				if err != nil {
					a.logger.Debug("Failed to count pruned matrix rows", "error", err)
				}
				if n > 0 {
					a.logger.Debug("Pruned matrix rows", "removed", n)
				}
			})
			return nil
		})
	}

	a.logger.Info("Sub-agent started", "identity", a.sessions.Identity())

	runErr := g.Wait()
	return multierr.Append(runErr, a.Shutdown())
}

func (a *Application) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Shutdown closes the session and stops every component. It is safe to call
// more than once.
func (a *Application) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *Application) shutdown() error {
	a.logger.Info("Shutting down application")

	ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()

	var errs error

	if a.sessions != nil {
		if err := a.sessions.Close(ctx, session.ReasonShutdown); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session shutdown error: %w", err))
		}
	}
	if a.seeder != nil {
		if err := a.seeder.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("seeder shutdown error: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("journal shutdown error: %w", err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("metrics shutdown error: %w", err))
		}
	}

	if errs != nil {
		a.logger.Error("Shutdown completed with errors", "error_count", len(multierr.Errors(errs)))
		return errs
	}

	a.logger.Info("Application shutdown completed successfully")
	return nil
}

// Open opens the AgentX session if it is not open yet.
func (a *Application) Open(ctx context.Context) error {
	return a.sessions.Open(ctx)
}

// Walk performs a GetNext walk of the subtree under root through the
// dispatcher, as a master agent would. An empty root walks every registered
// table. limit bounds the number of varbinds returned when positive.
func (a *Application) Walk(ctx context.Context, root types.OID, limit int) ([]types.Varbind, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}

	var out []types.Varbind
	cur := root
	for limit <= 0 || len(out) < limit {
		resp, err := a.dispatcher.Dispatch(ctx, &dispatch.Request{
			Kind:      dispatch.KindGetNext,
			SessionID: a.sessions.SessionID(),
			RequestID: a.sessions.NextRequestID(),
			Ranges:    []dispatch.SearchRange{{Start: cur}},
		})
		if err != nil {
			return out, err
		}
		if resp.Error != types.ErrorStatusNoError {
			return out, fmt.Errorf("walk failed at %s: %s", cur, types.ErrorStatusName(resp.Error))
		}

		vb := resp.VarBinds[0]
		if vb.Type == types.TypeEndOfMibView || !vb.OID.HasPrefix(root) {
			break
		}
		out = append(out, vb)
		cur = vb.OID
	}
	return out, nil
}

// Set runs the varbinds through the complete test, commit and cleanup
// sequence as one SET transaction. The returned response carries the error
// status of the first failing phase.
func (a *Application) Set(ctx context.Context, vbs []types.Varbind) (*dispatch.Response, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.nextTransaction++
	tid := a.nextTransaction
	a.mu.Unlock()

	request := func(kind dispatch.Kind) (*dispatch.Response, error) {
		return a.dispatcher.Dispatch(ctx, &dispatch.Request{
			Kind:          kind,
			SessionID:     a.sessions.SessionID(),
			TransactionID: tid,
			RequestID:     a.sessions.NextRequestID(),
			VarBinds:      vbs,
		})
	}

	resp, err := request(dispatch.KindTestSet)
	if err == nil && resp.Error == types.ErrorStatusNoError {
		resp, err = request(dispatch.KindCommitSet)
	}
	if err != nil {
		return resp, err
	}

	cleanup, cleanupErr := request(dispatch.KindCleanupSet)
	if cleanupErr != nil {
		return resp, cleanupErr
	}
	if cleanup.Error != types.ErrorStatusNoError {
		a.logger.Warn("Cleanup failed", "transaction", tid, "status", types.ErrorStatusName(cleanup.Error))
	}
	return resp, nil
}

func (a *Application) rowCounts() map[string]int {
	counts := make(map[string]int)
	for _, reg := range a.registry.All() {
		counts[reg.Name()] = reg.Store.Len()
	}
	return counts
}

func (a *Application) updateStats() {
	stats := map[string]interface{}{
		"uptime":      time.Since(a.startTime).String(),
		"tables":      a.rowCounts(),
		"session":     a.sessions.GetStats(),
		"coordinator": a.coordinator.GetStats(),
		"seed":        a.seeder.GetStats(),
	}
	if a.journal != nil {
		stats["journal"] = a.journal.GetStats()
	}

	a.mu.Lock()
	a.stats = stats
	a.mu.Unlock()
}

// GetStats returns application statistics
func (a *Application) GetStats() map[string]interface{} {
	a.updateStats()

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]interface{}, len(a.stats))
	for k, v := range a.stats {
		out[k] = v
	}
	return out
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *AppConfig {
	return a.config
}

// Registry returns the table registry.
func (a *Application) Registry() *registry.Registry {
	return a.registry
}

// RMON2 returns the RMON2 tables, or nil when they are not enabled.
func (a *Application) RMON2() *rmon2.Tables {
	return a.rmon2
}

// Dispatcher returns the request dispatcher.
func (a *Application) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Journal returns the transaction journal, or nil when it is disabled.
func (a *Application) Journal() *journal.Journal {
	return a.journal
}
