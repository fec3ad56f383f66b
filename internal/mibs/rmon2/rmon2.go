// Package rmon2 defines two tables of the RMON2-MIB (RFC 4502) network-layer
// host matrix group on top of the generic row engine: the writable
// hlMatrixControlTable and the read-only nlMatrixSDTable it controls.
package rmon2

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
	"go.uber.org/multierr"
)

// Table names as registered.
const (
	ControlTableName = "hlMatrixControlTable"
	SDTableName      = "nlMatrixSDTable"
)

var (
	// ControlEntryOID is hlMatrixControlEntry.
	ControlEntryOID = types.MustParseOID("1.3.6.1.2.1.16.15.1.1")
	// SDEntryOID is nlMatrixSDEntry.
	SDEntryOID = types.MustParseOID("1.3.6.1.2.1.16.15.2.1")
)

// hlMatrixControlEntry columns.
const (
	ControlIndex               uint32 = 1
	ControlDataSource          uint32 = 2
	ControlNlDroppedFrames     uint32 = 3
	ControlNlInserts           uint32 = 4
	ControlNlDeletes           uint32 = 5
	ControlNlMaxDesiredEntries uint32 = 6
	ControlAlDroppedFrames     uint32 = 7
	ControlAlInserts           uint32 = 8
	ControlAlDeletes           uint32 = 9
	ControlAlMaxDesiredEntries uint32 = 10
	ControlOwner               uint32 = 11
	ControlStatus              uint32 = 12
)

// nlMatrixSDEntry columns.
const (
	SDSourceAddress uint32 = 1
	SDDestAddress   uint32 = 2
	SDPkts          uint32 = 3
	SDOctets        uint32 = 4
	SDCreateTime    uint32 = 5
)

const maxOwnerLength = 127

// ControlSchema returns the layout of hlMatrixControlTable.
func ControlSchema() (*table.Schema, error) {
	zero := types.Counter32(0)
	unlimited := types.Integer(-1)
	owner := types.OctetString([]byte{})

	return table.NewSchema(ControlTableName, ControlEntryOID,
		[]index.Field{{Name: "hlMatrixControlIndex", Kind: index.KindInteger}},
		[]table.Column{
			{ID: ControlIndex, Name: "hlMatrixControlIndex", Type: types.TypeInteger, Access: table.AccessNotAccessible},
			{ID: ControlDataSource, Name: "hlMatrixControlDataSource", Type: types.TypeObjectIdentifier,
				Access: table.AccessReadCreate, Validate: validateDataSource},
			{ID: ControlNlDroppedFrames, Name: "hlMatrixControlNlDroppedFrames", Type: types.TypeCounter32, Access: table.AccessReadOnly, Default: &zero},
			{ID: ControlNlInserts, Name: "hlMatrixControlNlInserts", Type: types.TypeCounter32, Access: table.AccessReadOnly, Default: &zero},
			{ID: ControlNlDeletes, Name: "hlMatrixControlNlDeletes", Type: types.TypeCounter32, Access: table.AccessReadOnly, Default: &zero},
			{ID: ControlNlMaxDesiredEntries, Name: "hlMatrixControlNlMaxDesiredEntries", Type: types.TypeInteger,
				Access: table.AccessReadCreate, Default: &unlimited, Validate: validateMaxDesired},
			{ID: ControlAlDroppedFrames, Name: "hlMatrixControlAlDroppedFrames", Type: types.TypeCounter32, Access: table.AccessReadOnly, Default: &zero},
			{ID: ControlAlInserts, Name: "hlMatrixControlAlInserts", Type: types.TypeCounter32, Access: table.AccessReadOnly, Default: &zero},
			{ID: ControlAlDeletes, Name: "hlMatrixControlAlDeletes", Type: types.TypeCounter32, Access: table.AccessReadOnly, Default: &zero},
			{ID: ControlAlMaxDesiredEntries, Name: "hlMatrixControlAlMaxDesiredEntries", Type: types.TypeInteger,
				Access: table.AccessReadCreate, Default: &unlimited, Validate: validateMaxDesired},
			{ID: ControlOwner, Name: "hlMatrixControlOwner", Type: types.TypeOctetString,
				Access: table.AccessReadCreate, Default: &owner, Validate: validateOwner},
			{ID: ControlStatus, Name: "hlMatrixControlStatus", Type: types.TypeInteger, Access: table.AccessReadCreate},
		}, ControlStatus)
}

// SDSchema returns the layout of nlMatrixSDTable.
func SDSchema() (*table.Schema, error) {
	return table.NewSchema(SDTableName, SDEntryOID,
		[]index.Field{
			{Name: "hlMatrixControlIndex", Kind: index.KindInteger},
			{Name: "nlMatrixSDTimeMark", Kind: index.KindUnsigned},
			{Name: "protocolDirLocalIndex", Kind: index.KindInteger},
			{Name: "nlMatrixSDSourceAddress", Kind: index.KindOctetString},
			{Name: "nlMatrixSDDestAddress", Kind: index.KindOctetString},
		},
		[]table.Column{
			{ID: SDSourceAddress, Name: "nlMatrixSDSourceAddress", Type: types.TypeOctetString, Access: table.AccessNotAccessible},
			{ID: SDDestAddress, Name: "nlMatrixSDDestAddress", Type: types.TypeOctetString, Access: table.AccessNotAccessible},
			{ID: SDPkts, Name: "nlMatrixSDPkts", Type: types.TypeCounter32, Access: table.AccessReadOnly},
			{ID: SDOctets, Name: "nlMatrixSDOctets", Type: types.TypeCounter32, Access: table.AccessReadOnly},
			{ID: SDCreateTime, Name: "nlMatrixSDCreateTime", Type: types.TypeTimeTicks, Access: table.AccessReadOnly},
		}, 0)
}

func validateDataSource(v types.Value) error {
	if oid, _ := v.Value.(types.OID); len(oid) < 2 {
		return fmt.Errorf("data source must be an interface or port OID: %w", types.ErrWrongValue)
	}
	return nil
}

func validateMaxDesired(v types.Value) error {
	n := v.Value.(int64)
	if n < -1 || n > math.MaxInt32 {
		return fmt.Errorf("max desired entries %d out of range: %w", n, types.ErrWrongValue)
	}
	return nil
}

func validateOwner(v types.Value) error {
	if b := v.Value.([]byte); len(b) > maxOwnerLength {
		return fmt.Errorf("owner longer than %d octets: %w", maxOwnerLength, types.ErrWrongValue)
	}
	return nil
}

// Tables holds the registrations of both tables and feeds the matrix from
// observed traffic.
type Tables struct {
	Control *registry.Registration
	SD      *registry.Registration

	mu sync.Mutex
}

// New builds both tables with their callbacks.
func New() (*Tables, error) {
	control, err := ControlSchema()
	if err != nil {
		return nil, err
	}
	sd, err := SDSchema()
	if err != nil {
		return nil, err
	}

	t := &Tables{}
	t.Control = registry.NewRegistration(control, table.Callbacks{
		ValidateSet: t.validateControlSet,
	})
	t.SD = registry.NewRegistration(sd, table.Callbacks{})
	return t, nil
}

// Registrations returns both registrations, control table first.
func (t *Tables) Registrations() []*registry.Registration {
	return []*registry.Registration{t.Control, t.SD}
}

// The data source and table sizes of an active control row are fixed.
func (t *Tables) validateControlSet(row *table.Row, column uint32, v types.Value) error {
	if row.Status() != types.RowStatusActive {
		return nil
	}
	switch column {
	case ControlDataSource, ControlNlMaxDesiredEntries, ControlAlMaxDesiredEntries:
		current, _ := row.Get(column)
		if !current.Equal(v) {
			return fmt.Errorf("%s cannot change while the control row is active: %w",
				ControlTableName, types.ErrInconsistentValue)
		}
	}
	return nil
}

// Conversation is one observed network-layer exchange.
type Conversation struct {
	ControlIndex  int64
	ProtocolIndex int64
	Source        []byte
	Destination   []byte
	Packets       uint32
	Octets        uint32
}

// Observe accounts a conversation to the matrix of an active control row. It
// returns false when the control row does not exist, is not active or its
// entry limit is reached (the frame is then counted as dropped).
func (t *Tables) Observe(c Conversation, uptime uint32) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	controlKey, err := index.Encode(t.Control.Schema.Index, []any{c.ControlIndex})
	if err != nil {
		return false, err
	}
	control, ok := t.Control.Store.Get(controlKey)
	if !ok || control.Status() != types.RowStatusActive {
		return false, nil
	}

	idx := []any{c.ControlIndex, uint32(0), c.ProtocolIndex, c.Source, c.Destination}
	key, err := index.Encode(t.SD.Schema.Index, idx)
	if err != nil {
		return false, err
	}

	row, exists := t.SD.Store.Get(key)
	if !exists {
		if limit := intValue(control, ControlNlMaxDesiredEntries); limit >= 0 && int64(t.countFor(c.ControlIndex)) >= limit {
			if err := addCounter(control, ControlNlDroppedFrames, 1); err != nil {
				return false, err
			}
			return false, nil
		}

		row, err = table.NewRow(t.SD.Schema, idx, map[uint32]types.Value{
			SDPkts:       types.Counter32(0),
			SDOctets:     types.Counter32(0),
			SDCreateTime: types.TimeTicks(uptime),
		})
		if err != nil {
			return false, err
		}
		if err := t.SD.Store.Insert(row); err != nil {
			return false, err
		}
		if err := addCounter(control, ControlNlInserts, 1); err != nil {
			return false, err
		}
	}

	if err := addCounter(row, SDPkts, c.Packets); err != nil {
		return false, err
	}
	if err := addCounter(row, SDOctets, c.Octets); err != nil {
		return false, err
	}
	return true, nil
}

// Prune removes matrix rows whose control row is gone or no longer active and
// returns how many were removed. Failures to count the deletions on the
// control rows are returned together; the rows are removed regardless.
func (t *Tables) Prune() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []*table.Row
	t.SD.Store.Ascend(func(row *table.Row) bool {
		controlIndex := row.Index()[0]
		key, err := index.Encode(t.Control.Schema.Index, []any{controlIndex})
		if err != nil {
			stale = append(stale, row)
			return true
		}
		control, ok := t.Control.Store.Get(key)
		if !ok || control.Status() != types.RowStatusActive {
			stale = append(stale, row)
		}
		return true
	})

	var errs error
	for _, row := range stale {
		t.SD.Store.Remove(row.Key())
		key, err := index.Encode(t.Control.Schema.Index, []any{row.Index()[0]})
		if err != nil {
			continue
		}
		if control, ok := t.Control.Store.Get(key); ok {
			if err := addCounter(control, ControlNlDeletes, 1); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("control row %v: %w", row.Index()[0], err))
			}
		}
	}
	return len(stale), errs
}

// Conversations returns the matrix rows of one control row between two
// hosts, in index order.
func (t *Tables) Conversations(controlIndex int64, source []byte) []*table.Row {
	var rows []*table.Row
	t.SD.Store.Ascend(func(row *table.Row) bool {
		idx := row.Index()
		if idx[0].(int64) == controlIndex && (source == nil || bytes.Equal(idx[3].([]byte), source)) {
			rows = append(rows, row)
		}
		return true
	})
	return rows
}

func (t *Tables) countFor(controlIndex int64) int {
	n := 0
	t.SD.Store.Ascend(func(row *table.Row) bool {
		if row.Index()[0].(int64) == controlIndex {
			n++
		}
		return true
	})
	return n
}

func intValue(row *table.Row, column uint32) int64 {
	v, ok := row.Get(column)
	if !ok {
		return 0
	}
	n, _ := v.Value.(int64)
	return n
}

// addCounter adds delta to a Counter32 column, wrapping at 2^32.
func addCounter(row *table.Row, column uint32, delta uint32) error {
	var current uint32
	if v, ok := row.Get(column); ok {
		current, _ = v.Value.(uint32)
	}
	return row.Update(column, types.Counter32(current+delta))
}
