// Package rowstore provides the ordered collection of rows of one table.
//
// Rows are ordered by their encoded index key, which matches OID order, so
// GetNext is a successor lookup in a B-tree.
package rowstore

import (
	"fmt"
	"sync"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/tidwall/btree"
)

// Store is an ordered map from encoded index to row.
type Store struct {
	schema *table.Schema
	mu     sync.RWMutex
	rows   *btree.BTreeG[*table.Row]

	// claims reserve keys of rows that a transaction is about to create.
	claims map[index.Key]uint64
}

func byKey(a, b *table.Row) bool {
	return a.Key() < b.Key()
}

// New creates an empty store for a table.
func New(schema *table.Schema) *Store {
	return &Store{
		schema: schema,
		rows:   btree.NewBTreeGOptions(byKey, btree.Options{NoLocks: true}),
		claims: make(map[index.Key]uint64),
	}
}

// pivot builds a search item carrying only a key.
func pivot(key index.Key) *table.Row {
	return table.KeyOnly(key)
}

// Schema returns the schema of the stored rows.
func (s *Store) Schema() *table.Schema {
	return s.schema
}

// Insert adds a row. It fails with ErrDuplicateIndex when a row with an equal
// key is present.
func (s *Store) Insert(row *table.Row) error {
	if row == nil {
		return fmt.Errorf("row cannot be nil")
	}
	if row.Schema() != s.schema {
		return fmt.Errorf("row of table %s cannot be stored in %s", row.Schema().Name, s.schema.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows.Get(row); exists {
		return fmt.Errorf("table %s index %s: %w", s.schema.Name, row.Key(), types.ErrDuplicateIndex)
	}
	s.rows.Set(row)
	return nil
}

// Remove deletes the row with the given key, if any. It is idempotent.
func (s *Store) Remove(key index.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows.Delete(pivot(key))
}

// Delete deletes the row with the given key and fails with ErrNotFound when
// there is none.
func (s *Store) Delete(key index.Key) (*table.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows.Delete(pivot(key))
	if !ok {
		return nil, fmt.Errorf("table %s index %s: %w", s.schema.Name, key, types.ErrNotFound)
	}
	return row, nil
}

// Get returns the row with exactly the given key.
func (s *Store) Get(key index.Key) (*table.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Get(pivot(key))
}

// GetNext returns the row with the smallest key strictly greater than key.
// It returns false for an empty store or when key is at or past the last row.
func (s *Store) GetNext(key index.Key) (*table.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *table.Row
	s.rows.Ascend(pivot(key), func(row *table.Row) bool {
		if row.Key() == key {
			return true
		}
		next = row
		return false
	})
	return next, next != nil
}

// First returns the row with the smallest key.
func (s *Store) First() (*table.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Min()
}

// Len returns the number of rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Len()
}

// Ascend calls fn for each row in key order until fn returns false. The store
// is read-locked for the duration of the walk.
func (s *Store) Ascend(fn func(row *table.Row) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.rows.Scan(fn)
}

// Claim reserves a key that does not exist yet for creation by owner. It
// fails with ErrResourceUnavailable when another owner holds the claim and
// with ErrInconsistentValue when a row already exists.
func (s *Store) Claim(key index.Key, owner uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows.Get(pivot(key)); exists {
		return fmt.Errorf("table %s index %s already exists: %w", s.schema.Name, key, types.ErrInconsistentValue)
	}
	if holder, claimed := s.claims[key]; claimed && holder != owner {
		return fmt.Errorf("table %s index %s is being created by another transaction: %w",
			s.schema.Name, key, types.ErrResourceUnavailable)
	}
	s.claims[key] = owner
	return nil
}

// Unclaim releases a creation claim held by owner.
func (s *Store) Unclaim(key index.Key, owner uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims[key] == owner {
		delete(s.claims, key)
	}
}
