// Package registry provides the table registration table: the mapping from
// registered subtrees to their row stores, with longest-prefix lookup for
// request routing and ordered traversal for get-next.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/geekxflood/proteus/internal/types"
)

// trieNode is one sub-identifier of a registered subtree path.
type trieNode struct {
	children map[uint32]*trieNode
	reg      *Registration
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[uint32]*trieNode)}
}

// Registry maps registered base OIDs to registrations.
//
// The trie mirrors the OID tree so that the most specific registration
// covering an OID is found in one descent; the sorted slice serves ordered
// traversal across tables.
type Registry struct {
	mu     sync.RWMutex
	root   *trieNode
	sorted []*Registration
	byName map[string]*Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		root:   newTrieNode(),
		byName: make(map[string]*Registration),
	}
}

// Add registers a table. It fails with ErrDuplicateRegistration when the base
// OID or the table name is already registered.
func (r *Registry) Add(reg *Registration) error {
	if reg == nil || reg.Schema == nil {
		return fmt.Errorf("registration cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[reg.Name()]; exists {
		return fmt.Errorf("table %s: %w", reg.Name(), types.ErrDuplicateRegistration)
	}

	node := r.root
	for _, id := range reg.Base() {
		child, ok := node.children[id]
		if !ok {
			child = newTrieNode()
			node.children[id] = child
		}
		node = child
	}
	if node.reg != nil {
		return fmt.Errorf("subtree %s already registered by %s: %w",
			reg.Base(), node.reg.Name(), types.ErrDuplicateRegistration)
	}
	node.reg = reg
	r.byName[reg.Name()] = reg

	i := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i].Base().Compare(reg.Base()) > 0
	})
	r.sorted = append(r.sorted, nil)
	copy(r.sorted[i+1:], r.sorted[i:])
	r.sorted[i] = reg

	return nil
}

// remove deletes a registration from the trie, the name index and the order.
func (r *Registry) remove(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := make([]*trieNode, 0, len(reg.Base())+1)
	node := r.root
	path = append(path, node)
	for _, id := range reg.Base() {
		child, ok := node.children[id]
		if !ok {
			return
		}
		node = child
		path = append(path, node)
	}
	if node.reg != reg {
		return
	}
	node.reg = nil

	// prune empty branches
	base := reg.Base()
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if n.reg != nil || len(n.children) > 0 {
			break
		}
		delete(path[i-1].children, base[i-1])
	}

	delete(r.byName, reg.Name())
	for i, s := range r.sorted {
		if s == reg {
			r.sorted = append(r.sorted[:i], r.sorted[i+1:]...)
			break
		}
	}
}

// FindByPrefix returns the registration whose base OID is the longest prefix
// of oid.
func (r *Registry) FindByPrefix(oid types.OID) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Registration
	node := r.root
	for _, id := range oid {
		child, ok := node.children[id]
		if !ok {
			break
		}
		node = child
		if node.reg != nil {
			best = node.reg
		}
	}
	return best, best != nil
}

// Get returns the registration for exactly the given base OID.
func (r *Registry) Get(base types.OID) (*Registration, bool) {
	reg, ok := r.FindByPrefix(base)
	if !ok || !reg.Base().Equal(base) {
		return nil, false
	}
	return reg, true
}

// Lookup returns a registration by table name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// NextAfter returns the registration with the smallest base OID strictly
// greater than oid.
func (r *Registry) NextAfter(oid types.OID) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i].Base().Compare(oid) > 0
	})
	if i == len(r.sorted) {
		return nil, false
	}
	return r.sorted[i], true
}

// All returns every registration in base OID order.
func (r *Registry) All() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Registration(nil), r.sorted...)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sorted)
}

// BeginUnregister marks the registration for base closing and returns a
// channel that is closed once it has been removed. New SET transactions are
// refused from now on; reads and transactions already in flight keep being
// served until the last in-flight transaction releases the table. A second
// call for the same registration fails with ErrUnknownRegistration.
func (r *Registry) BeginUnregister(base types.OID) (<-chan struct{}, error) {
	reg, ok := r.Get(base)
	if !ok {
		return nil, fmt.Errorf("subtree %s: %w", base, types.ErrUnknownRegistration)
	}

	drained, ok := reg.beginClose()
	if !ok {
		return nil, fmt.Errorf("subtree %s is already being unregistered: %w", base, types.ErrUnknownRegistration)
	}
	removed := make(chan struct{})
	go func() {
		<-drained
		r.remove(reg)
		close(removed)
	}()
	return removed, nil
}

// Unregister removes the registration for base, waiting for in-flight
// transactions to finish or ctx to end.
func (r *Registry) Unregister(ctx context.Context, base types.OID) error {
	removed, err := r.BeginUnregister(base)
	if err != nil {
		return err
	}
	select {
	case <-removed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("unregister %s: %w", base, ctx.Err())
	}
}
