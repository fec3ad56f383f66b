// Package txn implements the set-transaction coordinator: the AgentX
// TestSet / CommitSet / UndoSet / CleanupSet state machine over the rows of
// registered tables.
//
// A transaction validates every varbind and reserves every row it touches
// during Test without mutating anything. Commit applies rows in PDU order and
// restores all of them if any commit callback fails. Undo restores the
// snapshots taken at the end of Test. Cleanup releases everything the
// transaction holds, whatever state it is in.
package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
	"go.uber.org/multierr"
)

// Config holds coordinator settings.
type Config struct {
	// LockWait bounds how long Test waits for a row reserved by another
	// transaction before answering resourceUnavailable.
	LockWait time.Duration `json:"lock_wait"`

	// MaxPending bounds the number of transactions between Test and Cleanup.
	MaxPending int `json:"max_pending"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		LockWait:   50 * time.Millisecond,
		MaxPending: 64,
	}
}

// Stats holds coordinator counters.
type Stats struct {
	Tested       int64 `json:"tested"`
	TestFailed   int64 `json:"test_failed"`
	Committed    int64 `json:"committed"`
	CommitFailed int64 `json:"commit_failed"`
	Undone       int64 `json:"undone"`
	Cleaned      int64 `json:"cleaned"`
	Aborted      int64 `json:"aborted"`
}

// Coordinator runs SET transactions against the tables of a registry.
type Coordinator struct {
	config   *Config
	registry *registry.Registry
	logger   logging.Logger
	recorder Recorder

	mu      sync.Mutex
	pending map[ID]*transaction
	owners  atomic.Uint64

	statsMu sync.Mutex
	stats   Stats
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithRecorder sets the recorder that receives transaction outcomes.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// NewCoordinator creates a coordinator reading its settings from the
// "transaction" configuration section.
func NewCoordinator(cfg config.Provider, reg *registry.Registry, logger logging.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	c := DefaultConfig()
	if lockWait, err := cfg.GetDuration("transaction.lock_wait", c.LockWait); err == nil {
		c.LockWait = lockWait
	}
	if maxPending, err := cfg.GetInt("transaction.max_pending", c.MaxPending); err == nil {
		c.MaxPending = maxPending
	}

	return New(c, reg, logger, opts...)
}

// New creates a coordinator from an explicit configuration.
func New(c *Config, reg *registry.Registry, logger logging.Logger, opts ...Option) (*Coordinator, error) {
	if c == nil {
		return nil, fmt.Errorf("transaction configuration cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if c.MaxPending < 1 {
		return nil, fmt.Errorf("max_pending must be at least 1, got %d", c.MaxPending)
	}

	coord := &Coordinator{
		config:   c,
		registry: reg,
		logger:   logger.With("component", "txn"),
		pending:  make(map[ID]*transaction),
	}
	for _, opt := range opts {
		opt(coord)
	}
	return coord, nil
}

// rowPlan is everything a transaction does to one row.
type rowPlan struct {
	reg    *registry.Registration
	key    index.Key
	idx    []any
	first  int
	status types.RowStatus

	// values holds the new column values; indexOf the 1-based varbind index
	// that set each column.
	values  map[uint32]types.Value
	indexOf map[uint32]int

	row      *table.Row
	create   bool
	destroy  bool
	noop     bool
	reserved bool
	claimed  bool
	snapshot map[uint32]*types.Value

	applied   bool
	committed bool
}

type transaction struct {
	id       ID
	owner    uint64
	started  time.Time
	varbinds []types.Varbind

	mu     sync.Mutex
	state  State
	plans  []*rowPlan
	regs   []*registry.Registration
	status int
	index  int
}

func (t *transaction) fail(n int, err error) error {
	return &types.VarbindError{Index: n, OID: t.varbinds[n-1].OID, Err: err}
}

// Test validates a SET request and reserves the rows it touches. On failure
// every reservation is released, no row has changed and the returned error is
// a *types.VarbindError carrying the offending 1-based varbind index.
//
// A transaction whose Test failed may be tested again under the same ID.
func (c *Coordinator) Test(ctx context.Context, sessionID, transactionID uint32, vbs []types.Varbind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := ID{SessionID: sessionID, TransactionID: transactionID}
	t, err := c.begin(id, vbs)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c.count(func(s *Stats) { s.Tested++ })

	if err := c.test(t); err != nil {
		c.release(t)
		t.state = StateTestFailed
		t.status = types.StatusOf(err)
		t.index = types.ErrorIndexOf(err)
		c.count(func(s *Stats) { s.TestFailed++ })
		c.logger.Debug("Set test failed",
			"transaction", id.String(),
			"status", types.ErrorStatusName(t.status),
			"index", t.index,
			"error", err)
		return err
	}

	t.state = StateCommitPending
	c.logger.Debug("Set test passed", "transaction", id.String(), "rows", len(t.plans))
	return nil
}

func (c *Coordinator) begin(id ID, vbs []types.Varbind) (*transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.pending[id]; exists {
		old.mu.Lock()
		state := old.state
		old.mu.Unlock()
		if state != StateTestFailed {
			return nil, fmt.Errorf("transaction %s is already %s", id, state)
		}
		delete(c.pending, id)
	}
	if len(c.pending) >= c.config.MaxPending {
		return nil, fmt.Errorf("%d transactions pending: %w", len(c.pending), types.ErrResourceUnavailable)
	}

	t := &transaction{
		id:       id,
		owner:    c.owners.Add(1),
		started:  time.Now(),
		varbinds: append([]types.Varbind(nil), vbs...),
		state:    StateTesting,
	}
	c.pending[id] = t
	return t, nil
}

type planKey struct {
	reg *registry.Registration
	key index.Key
}

func (c *Coordinator) test(t *transaction) error {
	plans := make(map[planKey]*rowPlan)
	acquired := make(map[*registry.Registration]bool)

	for i, vb := range t.varbinds {
		n := i + 1

		reg, ok := c.registry.FindByPrefix(vb.OID)
		if !ok || len(vb.OID) <= len(reg.Base()) {
			return t.fail(n, fmt.Errorf("no table object at %s: %w", vb.OID, types.ErrNotWritable))
		}
		schema := reg.Schema

		column := vb.OID[len(reg.Base())]
		col, ok := schema.Column(column)
		if !ok || !col.Access.Writable() {
			return t.fail(n, fmt.Errorf("table %s column %d: %w", schema.Name, column, types.ErrNotWritable))
		}

		v := vb.TypedValue()
		if err := schema.CheckValue(column, v); err != nil {
			return t.fail(n, err)
		}

		suffix := vb.OID[len(reg.Base())+1:]
		idx, err := index.Decode(schema.Index, suffix)
		if err != nil {
			return t.fail(n, fmt.Errorf("table %s: %w", schema.Name, err))
		}

		if !acquired[reg] {
			if err := reg.Acquire(); err != nil {
				return t.fail(n, err)
			}
			acquired[reg] = true
			t.regs = append(t.regs, reg)
		}

		pk := planKey{reg: reg, key: index.KeyOf(suffix)}
		p, ok := plans[pk]
		if !ok {
			p = &rowPlan{
				reg:     reg,
				key:     pk.key,
				idx:     idx,
				first:   n,
				values:  make(map[uint32]types.Value),
				indexOf: make(map[uint32]int),
			}
			plans[pk] = p
			t.plans = append(t.plans, p)
		}
		p.values[column] = v.Clone()
		p.indexOf[column] = n
		if column == schema.StatusColumn {
			p.status = types.RowStatus(v.Value.(int64))
		}
	}

	// Reserve in canonical order so that overlapping transactions cannot
	// deadlock.
	ordered := append([]*rowPlan(nil), t.plans...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if cmp := ordered[i].reg.Base().Compare(ordered[j].reg.Base()); cmp != 0 {
			return cmp < 0
		}
		return ordered[i].key < ordered[j].key
	})
	for _, p := range ordered {
		if err := c.reserve(t, p); err != nil {
			return t.fail(c.blame(p), err)
		}
	}

	for _, p := range t.plans {
		if n, err := c.validate(p); err != nil {
			return t.fail(n, err)
		}
	}

	for _, p := range t.plans {
		if p.row != nil && !p.create && !p.destroy {
			p.snapshot = p.row.Snapshot(columnsOf(p.values))
		}
	}

	return nil
}

// blame returns the varbind index reported for row-level failures: the status
// varbind when there is one, otherwise the first varbind of the row.
func (c *Coordinator) blame(p *rowPlan) int {
	if n, ok := p.indexOf[p.reg.Schema.StatusColumn]; ok && p.reg.Schema.StatusColumn != 0 {
		return n
	}
	return p.first
}

func (c *Coordinator) reserve(t *transaction, p *rowPlan) error {
	schema := p.reg.Schema
	store := p.reg.Store

	if row, exists := store.Get(p.key); exists {
		if !row.Reserve(t.owner, c.config.LockWait) {
			return fmt.Errorf("table %s row %s is reserved by another transaction: %w",
				schema.Name, p.key, types.ErrResourceUnavailable)
		}
		if current, ok := store.Get(p.key); !ok || current != row {
			row.Release(t.owner)
			return fmt.Errorf("table %s row %s changed while waiting: %w",
				schema.Name, p.key, types.ErrResourceUnavailable)
		}
		p.row = row
		p.reserved = true
		return nil
	}

	switch {
	case p.status == types.RowStatusDestroy:
		p.noop = true
		return nil
	case !schema.Creatable():
		return fmt.Errorf("table %s does not allow row creation: %w", schema.Name, types.ErrNoCreation)
	case p.status != types.RowStatusCreateAndGo && p.status != types.RowStatusCreateAndWait:
		return fmt.Errorf("table %s row %s does not exist: %w", schema.Name, p.key, types.ErrNoCreation)
	}

	if err := store.Claim(p.key, t.owner); err != nil {
		return err
	}
	p.claimed = true
	p.create = true
	return nil
}

func (c *Coordinator) validate(p *rowPlan) (int, error) {
	schema := p.reg.Schema
	cb := p.reg.Callbacks

	if p.noop {
		return 0, nil
	}

	if p.create {
		values := make(map[uint32]types.Value, len(p.values))
		for id, v := range p.values {
			values[id] = v
		}
		missing := missingColumns(schema, func(id uint32) bool {
			_, ok := values[id]
			return ok
		})

		final := types.RowStatusActive
		if p.status == types.RowStatusCreateAndWait {
			final = types.RowStatusNotInService
			if len(missing) > 0 {
				final = types.RowStatusNotReady
			}
		} else if len(missing) > 0 {
			return c.blame(p), fmt.Errorf("table %s: createAndGo without column %d: %w",
				schema.Name, missing[0], types.ErrInconsistentValue)
		}
		values[schema.StatusColumn] = types.Integer(int64(final))

		row, err := table.NewRow(schema, p.idx, values)
		if err != nil {
			return c.blame(p), err
		}
		if cb.ValidateCreate != nil {
			if err := cb.ValidateCreate(row.Index(), row.Values()); err != nil {
				return c.blame(p), err
			}
		}
		p.row = row
		return 0, nil
	}

	if schema.StatusColumn != 0 {
		current := p.row.Status()
		have := func(id uint32) bool {
			if _, ok := p.values[id]; ok {
				return true
			}
			_, ok := p.row.Get(id)
			return ok
		}

		switch p.status {
		case types.RowStatusCreateAndGo, types.RowStatusCreateAndWait:
			return c.blame(p), fmt.Errorf("table %s row %s already exists: %w",
				schema.Name, p.key, types.ErrInconsistentValue)
		case types.RowStatusNotReady:
			return c.blame(p), fmt.Errorf("notReady cannot be set: %w", types.ErrWrongValue)
		case types.RowStatusDestroy:
			p.destroy = true
		case types.RowStatusActive, types.RowStatusNotInService:
			if missing := missingColumns(schema, have); len(missing) > 0 {
				return c.blame(p), fmt.Errorf("table %s row %s misses column %d: %w",
					schema.Name, p.key, missing[0], types.ErrInconsistentValue)
			}
		case 0:
			if current == types.RowStatusNotReady && len(missingColumns(schema, have)) == 0 {
				p.values[schema.StatusColumn] = types.Integer(int64(types.RowStatusNotInService))
			}
		}
	}

	if cb.ValidateSet != nil {
		for _, id := range byVarbind(p.indexOf) {
			if err := cb.ValidateSet(p.row, id, p.values[id]); err != nil {
				return p.indexOf[id], err
			}
		}
	}
	return 0, nil
}

// Commit applies a tested transaction. Rows are applied in PDU order; when a
// commit callback fails every applied row is restored, the transaction ends
// Undone and the error wraps types.ErrCommitFailed. A failure to restore wraps
// types.ErrGenerationError and is fatal to the session.
func (c *Coordinator) Commit(ctx context.Context, sessionID, transactionID uint32) error {
	t, err := c.lookup(ID{SessionID: sessionID, TransactionID: transactionID})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateCommitPending {
		return fmt.Errorf("transaction %s is %s, cannot commit", t.id, t.state)
	}

	for i, p := range t.plans {
		if p.noop {
			continue
		}
		if err := c.apply(t, p); err != nil {
			return c.abortCommit(t, i-1, p, err)
		}
		if cb := p.reg.Callbacks.Commit; cb != nil {
			if err := cb(p.row); err != nil {
				return c.abortCommit(t, i, p, err)
			}
		}
		p.committed = true
	}

	t.state = StateCommitted
	t.status = types.ErrorStatusNoError
	c.count(func(s *Stats) { s.Committed++ })
	c.logger.Debug("Set committed", "transaction", t.id.String(), "rows", len(t.plans))
	return nil
}

func (c *Coordinator) apply(t *transaction, p *rowPlan) error {
	store := p.reg.Store
	switch {
	case p.create:
		// reserve before the row becomes visible in the store
		if !p.row.Reserve(t.owner, 0) {
			return fmt.Errorf("table %s row %s: new row already reserved", p.reg.Name(), p.key)
		}
		p.reserved = true
		if err := store.Insert(p.row); err != nil {
			p.row.Release(t.owner)
			p.reserved = false
			return err
		}
	case p.destroy:
		store.Remove(p.key)
		// hold the key so that nothing is created in its place before cleanup
		if err := store.Claim(p.key, t.owner); err == nil {
			p.claimed = true
		}
	default:
		p.row.Apply(p.values)
	}
	p.applied = true
	return nil
}

func (c *Coordinator) abortCommit(t *transaction, last int, failed *rowPlan, cause error) error {
	undoErr := c.revert(t, last)

	t.state = StateUndone
	t.status = types.ErrorStatusCommitFailed
	t.index = failed.first
	c.count(func(s *Stats) { s.CommitFailed++ })

	err := t.fail(failed.first, fmt.Errorf("table %s row %s: %v: %w",
		failed.reg.Name(), failed.key, cause, types.ErrCommitFailed))
	if undoErr != nil {
		t.status = types.ErrorStatusUndoFailed
		c.logger.Error("Failed to restore rows after commit failure",
			"transaction", t.id.String(),
			"error", undoErr)
		return multierr.Append(err, fmt.Errorf("restore after commit failure: %v: %w", undoErr, types.ErrGenerationError))
	}

	c.logger.Warn("Set commit failed, rows restored",
		"transaction", t.id.String(),
		"table", failed.reg.Name(),
		"error", cause)
	return err
}

// revert restores applied rows from plans[last] down to plans[0] and calls the
// undo callback of every row whose commit callback had succeeded.
func (c *Coordinator) revert(t *transaction, last int) error {
	var errs error
	for i := last; i >= 0; i-- {
		p := t.plans[i]
		if !p.applied {
			continue
		}

		store := p.reg.Store
		switch {
		case p.create:
			store.Remove(p.key)
		case p.destroy:
			if p.claimed {
				store.Unclaim(p.key, t.owner)
				p.claimed = false
			}
			if err := store.Insert(p.row); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
		default:
			p.row.Restore(p.snapshot)
		}
		p.applied = false

		if p.committed {
			p.committed = false
			if cb := p.reg.Callbacks.Undo; cb != nil {
				if err := cb(p.row); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("table %s row %s: %w", p.reg.Name(), p.key, err))
				}
			}
		}
	}
	return errs
}

// Undo reverses a committed transaction. Undoing a transaction that was
// tested but never committed, or that was already rolled back by a failed
// commit, succeeds without touching any row. A failure wraps
// types.ErrGenerationError.
func (c *Coordinator) Undo(ctx context.Context, sessionID, transactionID uint32) error {
	t, err := c.lookup(ID{SessionID: sessionID, TransactionID: transactionID})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return c.undo(t)
}

func (c *Coordinator) undo(t *transaction) error {
	switch t.state {
	case StateUndone:
		return nil
	case StateCommitPending:
		t.state = StateUndone
		return nil
	case StateCommitted:
	default:
		return fmt.Errorf("transaction %s is %s, cannot undo", t.id, t.state)
	}

	t.state = StateUndonePending
	err := c.revert(t, len(t.plans)-1)
	t.state = StateUndone
	c.count(func(s *Stats) { s.Undone++ })

	if err != nil {
		t.status = types.ErrorStatusUndoFailed
		c.logger.Error("Set undo failed", "transaction", t.id.String(), "error", err)
		return fmt.Errorf("undo %s: %v: %w", t.id, err, types.ErrGenerationError)
	}

	c.logger.Debug("Set undone", "transaction", t.id.String())
	return nil
}

// Cleanup ends a transaction in any state: reservations, creation claims and
// registration references are released and the outcome is recorded.
func (c *Coordinator) Cleanup(ctx context.Context, sessionID, transactionID uint32) error {
	id := ID{SessionID: sessionID, TransactionID: transactionID}

	c.mu.Lock()
	t, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("transaction %s: %w", id, types.ErrNotFound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c.finish(t)
	return nil
}

func (c *Coordinator) finish(t *transaction) {
	final := t.state
	c.release(t)
	t.state = StateCleaned
	c.count(func(s *Stats) { s.Cleaned++ })

	if c.recorder != nil {
		c.recorder.Record(Outcome{
			ID:       t.id,
			State:    final,
			Status:   t.status,
			Index:    t.index,
			VarBinds: t.varbinds,
			Started:  t.started,
			Finished: time.Now(),
		})
	}
}

// release drops every reservation, claim and registration reference held by
// the transaction. It is idempotent.
func (c *Coordinator) release(t *transaction) {
	for _, p := range t.plans {
		if p.reserved {
			p.row.Release(t.owner)
			p.reserved = false
		}
		if p.claimed {
			p.reg.Store.Unclaim(p.key, t.owner)
			p.claimed = false
		}
	}
	for _, reg := range t.regs {
		reg.Release()
	}
	t.regs = nil
}

// AbortSession undoes and cleans up every pending transaction of a session.
// It is used when the session is lost.
func (c *Coordinator) AbortSession(ctx context.Context, sessionID uint32) error {
	c.mu.Lock()
	var victims []*transaction
	for id, t := range c.pending {
		if id.SessionID == sessionID {
			victims = append(victims, t)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].id.TransactionID < victims[j].id.TransactionID
	})

	var errs error
	for _, t := range victims {
		t.mu.Lock()
		if t.state == StateCommitted {
			errs = multierr.Append(errs, c.undo(t))
		}
		c.finish(t)
		t.mu.Unlock()
		c.count(func(s *Stats) { s.Aborted++ })
	}

	if len(victims) > 0 {
		c.logger.Info("Aborted pending transactions", "session_id", sessionID, "count", len(victims))
	}
	return errs
}

// State returns the state of a pending transaction.
func (c *Coordinator) State(sessionID, transactionID uint32) (State, bool) {
	t, err := c.lookup(ID{SessionID: sessionID, TransactionID: transactionID})
	if err != nil {
		return StateIdle, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// Pending returns the number of transactions not yet cleaned up.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetStats returns coordinator statistics.
func (c *Coordinator) GetStats() map[string]interface{} {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	return map[string]interface{}{
		"pending":       c.Pending(),
		"tested":        s.Tested,
		"test_failed":   s.TestFailed,
		"committed":     s.Committed,
		"commit_failed": s.CommitFailed,
		"undone":        s.Undone,
		"cleaned":       s.Cleaned,
		"aborted":       s.Aborted,
		"lock_wait":     c.config.LockWait.String(),
	}
}

func (c *Coordinator) lookup(id ID) (*transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.pending[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, types.ErrNotFound)
	}
	return t, nil
}

func (c *Coordinator) count(fn func(s *Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// missingColumns returns the read-create columns without a default that have
// no value, excluding the status column.
func missingColumns(schema *table.Schema, have func(id uint32) bool) []uint32 {
	var missing []uint32
	for _, col := range schema.Columns {
		if col.Access != table.AccessReadCreate || col.ID == schema.StatusColumn || col.Default != nil {
			continue
		}
		if !have(col.ID) {
			missing = append(missing, col.ID)
		}
	}
	return missing
}

func columnsOf(values map[uint32]types.Value) []uint32 {
	ids := make([]uint32, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	return ids
}

// byVarbind returns the columns ordered by the varbind that set them.
func byVarbind(indexOf map[uint32]int) []uint32 {
	ids := make([]uint32, 0, len(indexOf))
	for id := range indexOf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return indexOf[ids[i]] < indexOf[ids[j]] })
	return ids
}
