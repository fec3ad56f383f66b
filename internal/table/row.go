package table

import (
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/types"
)

// Row is one conceptual row of a table. Its index is immutable; column values
// are guarded by an RWMutex held only for the duration of a read or write.
//
// Independently of value access, a row can be reserved by at most one SET
// transaction at a time. Reservations never block readers.
type Row struct {
	schema *Schema
	index  []any
	suffix types.OID
	key    index.Key

	mu     sync.RWMutex
	values map[uint32]types.Value

	resMu sync.Mutex
	owner uint64
	slot  chan struct{}
}

// NewRow creates a row for the given index tuple and initial values. Column
// defaults fill in values that are not supplied. Values are type-checked but
// column validators are not run, so application code can load any state.
func NewRow(schema *Schema, idx []any, values map[uint32]types.Value) (*Row, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}

	suffix, err := index.EncodeOID(schema.Index, idx)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", schema.Name, err)
	}
	normalized, err := index.Decode(schema.Index, suffix)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", schema.Name, err)
	}

	row := &Row{
		schema: schema,
		index:  normalized,
		suffix: suffix,
		key:    index.KeyOf(suffix),
		values: make(map[uint32]types.Value, len(schema.Columns)),
		slot:   make(chan struct{}, 1),
	}

	for _, c := range schema.Columns {
		if c.Default != nil {
			row.values[c.ID] = c.Default.Clone()
		}
	}
	for id, v := range values {
		c, ok := schema.Column(id)
		if !ok {
			return nil, fmt.Errorf("table %s: no column %d", schema.Name, id)
		}
		if v.Type != c.Type || !v.WellFormed() {
			return nil, fmt.Errorf("table %s: column %s expects %s: %w",
				schema.Name, c.Name, types.TypeName(c.Type), types.ErrWrongType)
		}
		row.values[id] = v.Clone()
	}

	return row, nil
}

// Schema returns the table schema of the row.
func (r *Row) Schema() *Schema { return r.schema }

// Key returns the encoded index of the row.
func (r *Row) Key() index.Key { return r.key }

// Suffix returns the instance OID suffix of the row.
func (r *Row) Suffix() types.OID { return r.suffix.Clone() }

// Index returns a copy of the row's index values.
func (r *Row) Index() []any {
	return append([]any(nil), r.index...)
}

// Get returns the current value of a column.
func (r *Row) Get(column uint32) (types.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[column]
	if !ok {
		return types.Value{}, false
	}
	return v.Clone(), true
}

// Values returns a copy of all column values.
func (r *Row) Values() map[uint32]types.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint32]types.Value, len(r.values))
	for id, v := range r.values {
		out[id] = v.Clone()
	}
	return out
}

// Status returns the row's RowStatus, or 0 when the table has none.
func (r *Row) Status() types.RowStatus {
	if r.schema.StatusColumn == 0 {
		return 0
	}
	v, ok := r.Get(r.schema.StatusColumn)
	if !ok {
		return 0
	}
	n, _ := v.Value.(int64)
	return types.RowStatus(n)
}

// Update sets a column value from application code, e.g. a background
// counter refresh. Any column may be updated this way, read-only or not.
func (r *Row) Update(column uint32, v types.Value) error {
	c, ok := r.schema.Column(column)
	if !ok {
		return fmt.Errorf("table %s: no column %d: %w", r.schema.Name, column, types.ErrNotFound)
	}
	if v.Type != c.Type || !v.WellFormed() {
		return fmt.Errorf("column %s expects %s: %w", c.Name, types.TypeName(c.Type), types.ErrWrongType)
	}

	r.mu.Lock()
	r.values[column] = v.Clone()
	r.mu.Unlock()
	return nil
}

// Apply writes a set of column values atomically with respect to readers.
func (r *Row) Apply(changes map[uint32]types.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range changes {
		r.values[id] = v.Clone()
	}
}

// Restore puts back previously snapshotted values. A nil entry means the
// column had no value and is removed.
func (r *Row) Restore(snapshot map[uint32]*types.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range snapshot {
		if v == nil {
			delete(r.values, id)
			continue
		}
		r.values[id] = v.Clone()
	}
}

// Snapshot captures the current values of the given columns for Restore.
func (r *Row) Snapshot(columns []uint32) map[uint32]*types.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint32]*types.Value, len(columns))
	for _, id := range columns {
		if v, ok := r.values[id]; ok {
			c := v.Clone()
			out[id] = &c
		} else {
			out[id] = nil
		}
	}
	return out
}

// Reserve reserves the row for a transaction, waiting at most wait for a
// competing reservation to be released. Reserving a row already held by the
// same owner succeeds immediately.
func (r *Row) Reserve(owner uint64, wait time.Duration) bool {
	r.resMu.Lock()
	if r.owner == owner {
		r.resMu.Unlock()
		return true
	}
	r.resMu.Unlock()

	select {
	case r.slot <- struct{}{}:
	default:
		if wait <= 0 {
			return false
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case r.slot <- struct{}{}:
		case <-timer.C:
			return false
		}
	}

	r.resMu.Lock()
	r.owner = owner
	r.resMu.Unlock()
	return true
}

// Release drops a reservation held by owner. Releasing a row not held by
// owner is a no-op.
func (r *Row) Release(owner uint64) {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	if r.owner != owner || owner == 0 {
		return
	}
	r.owner = 0
	<-r.slot
}

// ReservedBy returns the owner currently holding the row, or 0.
func (r *Row) ReservedBy() uint64 {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	return r.owner
}

// KeyOnly returns a row carrying nothing but a key. It is only meaningful as
// a search pivot for ordered lookups.
func KeyOnly(key index.Key) *Row {
	return &Row{key: key}
}
