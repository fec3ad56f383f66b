package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/proteus/internal/rowstore"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
)

// DefaultPriority is the AgentX registration priority used when none is set.
const DefaultPriority = 127

// Registration binds a table's entry OID to its row store and callbacks.
type Registration struct {
	Schema    *table.Schema
	Store     *rowstore.Store
	Callbacks table.Callbacks

	// Priority and Timeout are forwarded to the master agent on register.
	Priority int
	Timeout  time.Duration

	mu      sync.Mutex
	refs    int
	closing bool
	drained chan struct{}
}

// NewRegistration creates a registration with an empty row store.
func NewRegistration(schema *table.Schema, callbacks table.Callbacks) *Registration {
	return &Registration{
		Schema:    schema,
		Store:     rowstore.New(schema),
		Callbacks: callbacks,
		Priority:  DefaultPriority,
	}
}

// Base returns the registered subtree, the table's entry OID.
func (r *Registration) Base() types.OID {
	return r.Schema.Entry
}

// Name returns the table name.
func (r *Registration) Name() string {
	return r.Schema.Name
}

// Acquire records that a transaction references the table. It fails with
// ErrNotWritable once unregistration has begun.
func (r *Registration) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return fmt.Errorf("table %s is being unregistered: %w", r.Name(), types.ErrNotWritable)
	}
	r.refs++
	return nil
}

// Release drops a reference taken with Acquire.
func (r *Registration) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return
	}
	r.refs--
	if r.refs == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

// InFlight returns the number of transactions referencing the table.
func (r *Registration) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Closing reports whether unregistration has begun.
func (r *Registration) Closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// beginClose marks the registration closing and returns a channel closed
// once every referencing transaction has released it. It returns false when
// the registration is already closing.
func (r *Registration) beginClose() (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return nil, false
	}
	r.closing = true
	done := make(chan struct{})
	if r.refs == 0 {
		close(done)
		return done, true
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	return r.drained, true
}
