// Package journal provides a persistent audit trail of SET transactions.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/txn"
	"github.com/geekxflood/proteus/internal/types"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// JournalConfig holds configuration for the transaction journal
type JournalConfig struct {
	Enabled          bool          `json:"enabled"`
	DatabaseType     string        `json:"database_type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	RetentionDays    int           `json:"retention_days"`
	BatchSize        int           `json:"batch_size"`
	FlushInterval    time.Duration `json:"flush_interval"`
	CleanupInterval  time.Duration `json:"cleanup_interval"`
}

// DefaultJournalConfig returns a default journal configuration
func DefaultJournalConfig() *JournalConfig {
	return &JournalConfig{
		Enabled:          false,
		DatabaseType:     "sqlite3",
		ConnectionString: "./proteus_journal.db",
		MaxConnections:   4,
		RetentionDays:    30,
		BatchSize:        100,
		FlushInterval:    5 * time.Second,
		CleanupInterval:  24 * time.Hour,
	}
}

// LoadConfig reads the journal section of the configuration.
func LoadConfig(cfg config.Provider) (*JournalConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	jc := DefaultJournalConfig()

	if enabled, err := cfg.GetBool("journal.enabled", jc.Enabled); err == nil {
		jc.Enabled = enabled
	}
	if dbType, err := cfg.GetString("journal.database_type", jc.DatabaseType); err == nil {
		jc.DatabaseType = dbType
	}
	if connStr, err := cfg.GetString("journal.connection_string", jc.ConnectionString); err == nil {
		jc.ConnectionString = connStr
	}
	if maxConn, err := cfg.GetInt("journal.max_connections", jc.MaxConnections); err == nil {
		jc.MaxConnections = maxConn
	}
	if retention, err := cfg.GetInt("journal.retention_days", jc.RetentionDays); err == nil {
		jc.RetentionDays = retention
	}
	if batchSize, err := cfg.GetInt("journal.batch_size", jc.BatchSize); err == nil {
		jc.BatchSize = batchSize
	}
	if flushInterval, err := cfg.GetDuration("journal.flush_interval", jc.FlushInterval); err == nil {
		jc.FlushInterval = flushInterval
	}
	if cleanupInterval, err := cfg.GetDuration("journal.cleanup_interval", jc.CleanupInterval); err == nil {
		jc.CleanupInterval = cleanupInterval
	}

	if jc.BatchSize <= 0 {
		return nil, fmt.Errorf("journal batch size must be positive, got %d", jc.BatchSize)
	}
	if jc.FlushInterval <= 0 || jc.CleanupInterval <= 0 {
		return nil, fmt.Errorf("journal flush and cleanup intervals must be positive")
	}
	if jc.MaxConnections <= 0 {
		jc.MaxConnections = 1
	}

	return jc, nil
}

// Entry is one journaled transaction outcome.
type Entry struct {
	ID            int64         `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	SessionID     uint32        `json:"session_id"`
	TransactionID uint32        `json:"transaction_id"`
	State         string        `json:"state"`
	Status        string        `json:"status"`
	ErrorIndex    int           `json:"error_index"`
	VarBinds      []VarbindLine `json:"varbinds"`
	Duration      time.Duration `json:"duration"`
}

// VarbindLine is the journaled form of a SET varbind.
type VarbindLine struct {
	OID   string `json:"oid"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Query represents parameters for listing journal entries
type Query struct {
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	SessionID *uint32    `json:"session_id,omitempty"`
	State     string     `json:"state,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
	OrderDesc bool       `json:"order_desc,omitempty"`
}

// Option configures a Journal.
type Option func(*Journal)

// WithMetrics reports journal activity to the given metrics.
func WithMetrics(m *metrics.JournalMetrics) Option {
	return func(j *Journal) {
		j.metrics = m
	}
}

// Journal persists transaction outcomes to SQLite. It implements
// txn.Recorder; outcomes are queued and written in batches.
type Journal struct {
	config     *JournalConfig
	db         *sql.DB
	logger     logging.Logger
	metrics    *metrics.JournalMetrics
	batchQueue []*Entry
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	written int64
	purged  int64
	errors  int64
}

// NewJournal opens the journal database and starts its background workers.
func NewJournal(cfg config.Provider, logger logging.Logger, opts ...Option) (*Journal, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	jc, err := LoadConfig(cfg)
	if err != nil {
		return nil, err
	}

	return Open(jc, logger, opts...)
}

// Open opens a journal with an explicit configuration.
func Open(jc *JournalConfig, logger logging.Logger, opts ...Option) (*Journal, error) {
	if jc == nil {
		return nil, fmt.Errorf("journal config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := sql.Open(jc.DatabaseType, jc.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection.
	maxConns := jc.MaxConnections
	if jc.ConnectionString == ":memory:" {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	j := &Journal{
		config:     jc,
		db:         db,
		logger:     logger.With("component", "journal"),
		batchQueue: make([]*Entry, 0, jc.BatchSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.initSchema(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	j.wg.Add(2)
	go j.batchWorker()
	go j.cleanupWorker()

	j.logger.Info("Transaction journal opened",
		"database", jc.ConnectionString,
		"retention_days", jc.RetentionDays,
		"batch_size", jc.BatchSize)

	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		session_id INTEGER NOT NULL,
		transaction_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		status TEXT NOT NULL,
		error_index INTEGER NOT NULL DEFAULT 0,
		varbinds TEXT,
		duration_us INTEGER NOT NULL DEFAULT 0
	);`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create transactions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_transactions_session ON transactions(session_id);",
		"CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state);",
	}
	for _, idx := range indexes {
		if _, err := j.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Record queues a transaction outcome. The batch is flushed when full.
func (j *Journal) Record(outcome txn.Outcome) {
	entry := entryFromOutcome(outcome)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.batchQueue = append(j.batchQueue, entry)
	if len(j.batchQueue) >= j.config.BatchSize {
		if err := j.flushBatch(); err != nil {
			j.logger.Error("Failed to flush journal batch", "error", err.Error())
		}
	}
}

func entryFromOutcome(outcome txn.Outcome) *Entry {
	lines := make([]VarbindLine, 0, len(outcome.VarBinds))
	for _, vb := range outcome.VarBinds {
		lines = append(lines, VarbindLine{
			OID:   vb.OID.String(),
			Type:  types.TypeName(vb.Type),
			Value: vb.TypedValue().String(),
		})
	}

	finished := outcome.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	var duration time.Duration
	if !outcome.Started.IsZero() {
		duration = finished.Sub(outcome.Started)
	}

	return &Entry{
		Timestamp:     finished.UTC(),
		SessionID:     outcome.ID.SessionID,
		TransactionID: outcome.ID.TransactionID,
		State:         outcome.State.String(),
		Status:        types.ErrorStatusName(outcome.Status),
		ErrorIndex:    outcome.Index,
		VarBinds:      lines,
		Duration:      duration,
	}
}

// Flush writes all queued entries.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushBatch()
}

// flushBatch writes the batch queue in one database transaction. Callers hold
// j.mu. On failure the queue is kept for the next attempt.
func (j *Journal) flushBatch() error {
	if len(j.batchQueue) == 0 {
		return nil
	}

	start := time.Now()
	err := j.writeBatch(j.batchQueue)
	if j.metrics != nil {
		j.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		j.errors++
		if j.metrics != nil {
			j.metrics.JournalErrors.Inc()
		}
		return err
	}

	j.written += int64(len(j.batchQueue))
	if j.metrics != nil {
		j.metrics.EntriesWritten.Add(float64(len(j.batchQueue)))
	}
	j.batchQueue = j.batchQueue[:0]
	return nil
}

func (j *Journal) writeBatch(entries []*Entry) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO transactions (
			timestamp, session_id, transaction_id, state, status,
			error_index, varbinds, duration_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		varbinds, err := json.Marshal(entry.VarBinds)
		if err != nil {
			return fmt.Errorf("failed to marshal varbinds: %w", err)
		}
		if _, err := stmt.Exec(
			entry.Timestamp, entry.SessionID, entry.TransactionID, entry.State,
			entry.Status, entry.ErrorIndex, string(varbinds), entry.Duration.Microseconds(),
		); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (j *Journal) batchWorker() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.logger.Error("Failed to flush journal batch", "error", err.Error())
			}
		}
	}
}

func (j *Journal) cleanupWorker() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Purge(time.Now().AddDate(0, 0, -j.config.RetentionDays)); err != nil {
				j.logger.Error("Failed to purge journal", "error", err.Error())
			}
		}
	}
}

// Purge removes entries recorded before cutoff and returns how many were
// removed.
func (j *Journal) Purge(cutoff time.Time) (int64, error) {
	result, err := j.db.Exec("DELETE FROM transactions WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}

	if removed > 0 {
		j.mu.Lock()
		j.purged += removed
		j.mu.Unlock()
		if j.metrics != nil {
			j.metrics.EntriesPurged.Add(float64(removed))
		}
		j.logger.Info("Purged journal entries", "removed", removed, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}

	return removed, nil
}

// Query lists journaled entries matching q. Queued entries that have not been
// flushed yet are not visible.
func (j *Journal) Query(q *Query) ([]*Entry, error) {
	if q == nil {
		q = &Query{}
	}

	sqlQuery := `SELECT id, timestamp, session_id, transaction_id, state, status,
		error_index, varbinds, duration_us FROM transactions WHERE 1=1`
	args := []interface{}{}

	if q.Since != nil {
		sqlQuery += " AND timestamp >= ?"
		args = append(args, q.Since.UTC())
	}
	if q.Until != nil {
		sqlQuery += " AND timestamp <= ?"
		args = append(args, q.Until.UTC())
	}
	if q.SessionID != nil {
		sqlQuery += " AND session_id = ?"
		args = append(args, *q.SessionID)
	}
	if q.State != "" {
		sqlQuery += " AND state = ?"
		args = append(args, q.State)
	}

	if q.OrderDesc {
		sqlQuery += " ORDER BY id DESC"
	} else {
		sqlQuery += " ORDER BY id ASC"
	}

	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := j.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var varbinds sql.NullString
		var durationUS int64
		if err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.SessionID, &entry.TransactionID,
			&entry.State, &entry.Status, &entry.ErrorIndex, &varbinds, &durationUS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		if varbinds.Valid && varbinds.String != "" {
			if err := json.Unmarshal([]byte(varbinds.String), &entry.VarBinds); err != nil {
				return nil, fmt.Errorf("failed to decode varbinds of entry %d: %w", entry.ID, err)
			}
		}
		entry.Duration = time.Duration(durationUS) * time.Microsecond
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetStats returns journal statistics
func (j *Journal) GetStats() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	return map[string]interface{}{
		"queued":         len(j.batchQueue),
		"written":        j.written,
		"purged":         j.purged,
		"errors":         j.errors,
		"retention_days": j.config.RetentionDays,
		"database":       j.config.ConnectionString,
	}
}

// Close stops the workers, flushes the queue and closes the database.
func (j *Journal) Close() error {
	j.cancel()
	j.wg.Wait()

	j.mu.Lock()
	flushErr := j.flushBatch()
	j.mu.Unlock()

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal database: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush journal on close: %w", flushErr)
	}
	return nil
}

var _ txn.Recorder = (*Journal)(nil)
