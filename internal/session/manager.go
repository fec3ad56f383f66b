// Package session manages the sub-agent's AgentX session with the master
// agent: opening and closing it, announcing table registrations, keepalive
// pings and the handling of session loss.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/retry"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// State is the state of the session with the master agent.
type State int

const (
	StateClosed State = iota
	StateOpen
)

// String returns the string representation of a session state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds session settings.
type Config struct {
	ID           types.OID     `json:"id"`
	Description  string        `json:"description"`
	Timeout      time.Duration `json:"timeout"`
	PingInterval time.Duration `json:"ping_interval"`
	PingRetries  int           `json:"ping_retries"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		ID:           types.MustParseOID("1.3.6.1.4.1.8072.3.2.10"),
		Description:  "proteus sub-agent",
		Timeout:      5 * time.Second,
		PingInterval: 15 * time.Second,
		PingRetries:  3,
	}
}

// Aborter undoes the pending SET transactions of a lost session.
type Aborter interface {
	AbortSession(ctx context.Context, sessionID uint32) error
}

// Manager owns the session with the master agent.
type Manager struct {
	config   *Config
	master   Master
	registry *registry.Registry
	aborter  Aborter
	logger   logging.Logger
	pinger   *retry.Retryer
	identity uuid.UUID

	// openMu serializes Open; mu is never held across a master call.
	openMu    sync.Mutex
	mu        sync.RWMutex
	state     State
	sessionID uint32
	openedAt  time.Time

	requestID atomic.Uint32
	onChange  func(State)
}

// Option customizes a Manager.
type Option func(*Manager)

// OnStateChange registers fn to be called after every open/close transition.
func OnStateChange(fn func(State)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager creates a session manager reading the "agentx" configuration
// section.
func NewManager(cfg config.Provider, master Master, reg *registry.Registry, aborter Aborter, logger logging.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if master == nil {
		return nil, fmt.Errorf("master cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if aborter == nil {
		return nil, fmt.Errorf("aborter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := DefaultConfig()
	if id, err := cfg.GetString("agentx.id", c.ID.String()); err == nil {
		oid, err := types.ParseOID(id)
		if err != nil {
			return nil, fmt.Errorf("agentx.id: %w", err)
		}
		c.ID = oid
	}
	if description, err := cfg.GetString("agentx.description", c.Description); err == nil {
		c.Description = description
	}
	if timeout, err := cfg.GetDuration("agentx.timeout", c.Timeout); err == nil {
		c.Timeout = timeout
	}
	if interval, err := cfg.GetDuration("agentx.ping_interval", c.PingInterval); err == nil {
		c.PingInterval = interval
	}
	if retries, err := cfg.GetInt("agentx.ping_retries", c.PingRetries); err == nil {
		c.PingRetries = retries
	}
	if c.PingRetries < 1 {
		return nil, fmt.Errorf("agentx.ping_retries must be at least 1, got %d", c.PingRetries)
	}

	retryConfig := retry.DefaultRetryConfig()
	retryConfig.MaxAttempts = c.PingRetries
	pinger, err := retry.New(retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ping retryer: %w", err)
	}

	m := &Manager{
		config:   c,
		master:   master,
		registry: reg,
		aborter:  aborter,
		logger:   logger.With("component", "session"),
		pinger:   pinger,
		identity: uuid.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Identity returns the sub-agent instance identifier sent in the Open
// description.
func (m *Manager) Identity() string {
	return m.identity.String()
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID returns the master-assigned session ID, or 0 when closed.
func (m *Manager) SessionID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// NextRequestID returns a fresh request ID for a sub-agent originated PDU.
func (m *Manager) NextRequestID() uint32 {
	return m.requestID.Add(1)
}

// Check returns ErrSessionClosed unless the session is open with the given ID.
func (m *Manager) Check(sessionID uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateOpen || m.sessionID != sessionID {
		return fmt.Errorf("session %d: %w", sessionID, types.ErrSessionClosed)
	}
	return nil
}

// Open opens the session and announces every local registration. Opening an
// open session is a no-op. A refused Open wraps types.ErrSessionRejected;
// registrations the master refuses are reported but leave the session open.
func (m *Manager) Open(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.RLock()
	open := m.state == StateOpen
	m.mu.RUnlock()
	if open {
		return nil
	}

	id, err := m.master.Open(ctx, OpenRequest{
		ID:          m.config.ID,
		Description: fmt.Sprintf("%s (%s)", m.config.Description, m.identity),
		Timeout:     m.config.Timeout,
	})
	if err != nil {
		m.logger.Warn("Master refused session", "error", err)
		return fmt.Errorf("open session: %v: %w", err, types.ErrSessionRejected)
	}

	m.mu.Lock()
	m.state = StateOpen
	m.sessionID = id
	m.openedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("Session opened", "session_id", id, "identity", m.identity.String())
	m.notify(StateOpen)

	var errs error
	for _, reg := range m.registry.All() {
		if reg.Closing() {
			continue
		}
		if err := m.master.Register(ctx, id, subtreeOf(reg)); err != nil {
			m.logger.Warn("Failed to register table", "table", reg.Name(), "error", err)
			errs = multierr.Append(errs, fmt.Errorf("register %s: %w", reg.Name(), err))
		}
	}
	return errs
}

// RegisterTable adds a table to the registry and, when the session is open,
// announces it to the master. A refusal by the master undoes the local
// registration.
func (m *Manager) RegisterTable(ctx context.Context, reg *registry.Registration) error {
	if err := m.registry.Add(reg); err != nil {
		return err
	}

	m.mu.RLock()
	open, id := m.state == StateOpen, m.sessionID
	m.mu.RUnlock()

	if open {
		if err := m.master.Register(ctx, id, subtreeOf(reg)); err != nil {
			if unregErr := m.registry.Unregister(ctx, reg.Base()); unregErr != nil {
				err = multierr.Append(err, unregErr)
			}
			return fmt.Errorf("register %s: %w", reg.Name(), err)
		}
	}

	m.logger.Info("Table registered",
		"table", reg.Name(),
		"subtree", reg.Base().String(),
		"announced", open)
	return nil
}

// UnregisterTable removes a table and waits for the removal. New SET
// transactions on it are refused at once; removal from the registry and the
// master happens after every in-flight transaction has been cleaned up. When
// ctx ends first the removal still completes in the background.
func (m *Manager) UnregisterTable(ctx context.Context, base types.OID) error {
	done, err := m.BeginUnregisterTable(base)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("unregister %s: %w", base, ctx.Err())
	}
}

// BeginUnregisterTable starts removing a table and returns without waiting.
// The table keeps serving reads and the commit, undo and cleanup of its
// in-flight transactions; once the last one is cleaned up it is removed from
// the registry and unregistered with the master. The returned channel yields
// the outcome of that final step.
func (m *Manager) BeginUnregisterTable(base types.OID) (<-chan error, error) {
	reg, ok := m.registry.Get(base)
	if !ok {
		return nil, fmt.Errorf("subtree %s: %w", base, types.ErrUnknownRegistration)
	}

	removed, err := m.registry.BeginUnregister(base)
	if err != nil {
		return nil, err
	}
	if inflight := reg.InFlight(); inflight > 0 {
		m.logger.Debug("Unregistration waits for transactions", "table", reg.Name(), "in_flight", inflight)
	}

	done := make(chan error, 1)
	go func() {
		<-removed
		done <- m.announceUnregister(reg)
	}()
	return done, nil
}

func (m *Manager) announceUnregister(reg *registry.Registration) error {
	m.mu.RLock()
	open, id := m.state == StateOpen, m.sessionID
	m.mu.RUnlock()

	if open {
		ctx := context.Background()
		if m.config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
			defer cancel()
		}
		if err := m.master.Unregister(ctx, id, subtreeOf(reg)); err != nil {
			m.logger.Warn("Master refused unregistration", "table", reg.Name(), "error", err)
			return fmt.Errorf("unregister %s: %w", reg.Name(), err)
		}
	}

	m.logger.Info("Table unregistered", "table", reg.Name(), "announced", open)
	return nil
}

// Ping sends a keepalive. Failures are retried up to the configured budget;
// when it is exhausted the session is treated as lost and closed.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	open, id := m.state == StateOpen, m.sessionID
	m.mu.RUnlock()

	if !open {
		return fmt.Errorf("ping: %w", types.ErrSessionClosed)
	}

	result := m.pinger.Retry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			m.logger.Debug("Retrying ping", "session_id", id, "attempt", attempt)
		}
		return m.master.Ping(ctx, id)
	})
	if result.Success {
		return nil
	}

	if errors.Is(result.LastError, context.Canceled) || errors.Is(result.LastError, context.DeadlineExceeded) {
		return result.LastError
	}

	m.logger.Warn("Ping budget exhausted, session lost",
		"session_id", id,
		"attempts", result.Attempts,
		"error", result.LastError)
	m.lose(ctx, id)
	return fmt.Errorf("ping after %d attempts: %v: %w", result.Attempts, result.LastError, types.ErrSessionClosed)
}

// TransportFailed reports the loss of the transport. It is called by the
// owner of the master connection. Pending transactions are undone before the
// session is marked closed.
func (m *Manager) TransportFailed(ctx context.Context, cause error) {
	m.mu.RLock()
	open, id := m.state == StateOpen, m.sessionID
	m.mu.RUnlock()

	if !open {
		return
	}
	m.logger.Error("Transport failed", "session_id", id, "error", cause)
	m.lose(ctx, id)
}

// lose undoes the session's pending transactions, then marks it closed.
func (m *Manager) lose(ctx context.Context, id uint32) {
	if err := m.aborter.AbortSession(ctx, id); err != nil {
		m.logger.Error("Failed to undo transactions of lost session", "session_id", id, "error", err)
	}
	m.markClosed(id)
}

func (m *Manager) markClosed(id uint32) bool {
	m.mu.Lock()
	if m.state != StateOpen || m.sessionID != id {
		m.mu.Unlock()
		return false
	}
	m.state = StateClosed
	m.sessionID = 0
	m.mu.Unlock()

	m.notify(StateClosed)
	return true
}

// Close closes the session with the given reason. Pending transactions are
// undone first. Closing a closed session is a no-op.
func (m *Manager) Close(ctx context.Context, reason CloseReason) error {
	m.mu.RLock()
	open, id := m.state == StateOpen, m.sessionID
	m.mu.RUnlock()

	if !open {
		return nil
	}

	err := m.aborter.AbortSession(ctx, id)
	if closeErr := m.master.Close(ctx, id, reason); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("close session %d: %w", id, closeErr))
	}
	if m.markClosed(id) {
		m.logger.Info("Session closed", "session_id", id, "reason", reason.String())
	}
	return err
}

// Run keeps the session alive until ctx ends: it opens the session when it
// is closed and pings it every ping interval. On return the session is
// closed with reason shutdown.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Starting session keepalive", "ping_interval", m.config.PingInterval.String())

	if err := m.Open(ctx); err != nil {
		m.logger.Warn("Initial open failed, will retry", "error", err)
	}

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
			defer cancel()
			return m.Close(closeCtx, ReasonShutdown)
		case <-ticker.C:
			if m.State() == StateClosed {
				if err := m.Open(ctx); err != nil {
					m.logger.Warn("Reopen failed", "error", err)
				}
				continue
			}
			if err := m.Ping(ctx); err != nil {
				m.logger.Debug("Keepalive failed", "error", err)
			}
		}
	}
}

// GetStats returns session statistics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]interface{}{
		"state":         m.state.String(),
		"session_id":    m.sessionID,
		"identity":      m.identity.String(),
		"registrations": m.registry.Len(),
		"ping_interval": m.config.PingInterval.String(),
		"ping_retries":  m.config.PingRetries,
	}
	if m.state == StateOpen {
		stats["uptime"] = time.Since(m.openedAt).String()
	}
	return stats
}

func (m *Manager) notify(s State) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

func subtreeOf(reg *registry.Registration) Subtree {
	return Subtree{
		OID:      reg.Base(),
		Priority: reg.Priority,
		Timeout:  reg.Timeout,
	}
}
