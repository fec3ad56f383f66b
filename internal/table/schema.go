// Package table provides the schema-driven table row abstraction that every
// MIB table plugs into. A table is described once by a Schema (entry OID,
// index layout, columns) plus a small set of Callbacks; rows of every table
// share the single Row type.
package table

import (
	"fmt"
	"sort"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/types"
)

// Access is the MAX-ACCESS of a column.
type Access int

const (
	AccessNotAccessible Access = iota
	AccessReadOnly
	AccessReadWrite
	AccessReadCreate
)

// String returns the string representation of an access level
func (a Access) String() string {
	switch a {
	case AccessNotAccessible:
		return "not-accessible"
	case AccessReadOnly:
		return "read-only"
	case AccessReadWrite:
		return "read-write"
	case AccessReadCreate:
		return "read-create"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// Readable reports whether the column can be returned by Get/GetNext.
func (a Access) Readable() bool {
	return a != AccessNotAccessible
}

// Writable reports whether the column can be the target of a SET.
func (a Access) Writable() bool {
	return a == AccessReadWrite || a == AccessReadCreate
}

// Column describes one columnar object of a table entry.
type Column struct {
	ID     uint32
	Name   string
	Type   int
	Access Access

	// Default is the value a newly created row starts with, if any.
	Default *types.Value

	// Validate checks a candidate value in isolation (ranges, sizes,
	// enumerations). It should wrap types.ErrWrongValue on failure.
	Validate func(v types.Value) error
}

// Callbacks are the per-table hooks invoked by the set-transaction
// coordinator. Every field is optional.
type Callbacks struct {
	// ValidateCreate is called during the test phase for a row that does not
	// exist yet, with its index and the complete set of initial column values.
	ValidateCreate func(idx []any, values map[uint32]types.Value) error

	// ValidateSet is called during the test phase for each varbind targeting
	// an existing row.
	ValidateSet func(row *Row, column uint32, v types.Value) error

	// Commit is called after the new values of a row have been applied. A
	// non-nil error makes the coordinator restore every row of the
	// transaction.
	Commit func(row *Row) error

	// Undo is called after a row's previous values have been restored.
	// A failure is a generation error and fatal to the session.
	Undo func(row *Row) error
}

// Schema describes a table: its entry OID, index layout and columns.
type Schema struct {
	Name  string
	Entry types.OID
	Index []index.Field

	// Columns sorted by ID.
	Columns []Column

	// StatusColumn is the ID of the RowStatus column, or 0 when rows cannot
	// be created or destroyed through SET.
	StatusColumn uint32

	byID map[uint32]int
}

// NewSchema validates the layout and returns a ready schema.
func NewSchema(name string, entry types.OID, fields []index.Field, columns []Column, statusColumn uint32) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}
	if len(entry) == 0 {
		return nil, fmt.Errorf("table %s: entry OID cannot be empty", name)
	}
	if err := index.Validate(fields); err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s: at least one column is required", name)
	}

	cols := append([]Column(nil), columns...)
	sort.Slice(cols, func(i, j int) bool { return cols[i].ID < cols[j].ID })

	byID := make(map[uint32]int, len(cols))
	for i, c := range cols {
		if c.ID == 0 {
			return nil, fmt.Errorf("table %s: column %q has ID 0", name, c.Name)
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("table %s: duplicate column ID %d", name, c.ID)
		}
		if c.Default != nil && (c.Default.Type != c.Type || !c.Default.WellFormed()) {
			return nil, fmt.Errorf("table %s: column %q default does not match its type", name, c.Name)
		}
		byID[c.ID] = i
	}

	if statusColumn != 0 {
		i, ok := byID[statusColumn]
		if !ok {
			return nil, fmt.Errorf("table %s: status column %d is not defined", name, statusColumn)
		}
		if cols[i].Type != types.TypeInteger || cols[i].Access != AccessReadCreate {
			return nil, fmt.Errorf("table %s: status column must be a read-create INTEGER", name)
		}
	}

	return &Schema{
		Name:         name,
		Entry:        entry.Clone(),
		Index:        append([]index.Field(nil), fields...),
		Columns:      cols,
		StatusColumn: statusColumn,
		byID:         byID,
	}, nil
}

// Column returns the column with the given ID.
func (s *Schema) Column(id uint32) (*Column, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.Columns[i], true
}

// NextReadable returns the first readable column with an ID strictly greater
// than after.
func (s *Schema) NextReadable(after uint32) (*Column, bool) {
	i := sort.Search(len(s.Columns), func(i int) bool { return s.Columns[i].ID > after })
	for ; i < len(s.Columns); i++ {
		if s.Columns[i].Access.Readable() {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// Creatable reports whether rows may be created and destroyed through SET.
func (s *Schema) Creatable() bool {
	return s.StatusColumn != 0
}

// InstanceOID returns the OID of a column instance for a row suffix.
func (s *Schema) InstanceOID(column uint32, suffix types.OID) types.OID {
	out := make(types.OID, 0, len(s.Entry)+1+len(suffix))
	out = append(out, s.Entry...)
	out = append(out, column)
	return append(out, suffix...)
}

// CheckValue validates a SET value for a column: it must carry the column's
// type, be well formed and pass the column's own validation.
func (s *Schema) CheckValue(column uint32, v types.Value) error {
	c, ok := s.Column(column)
	if !ok {
		return fmt.Errorf("table %s: no column %d: %w", s.Name, column, types.ErrNotWritable)
	}
	if v.Type != c.Type || !v.WellFormed() {
		return fmt.Errorf("column %s expects %s, got %s: %w",
			c.Name, types.TypeName(c.Type), types.TypeName(v.Type), types.ErrWrongType)
	}
	if column == s.StatusColumn {
		if !types.RowStatus(v.Value.(int64)).Valid() {
			return fmt.Errorf("column %s: invalid RowStatus %d: %w", c.Name, v.Value.(int64), types.ErrWrongValue)
		}
	}
	if c.Validate != nil {
		if err := c.Validate(v); err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
	}
	return nil
}
