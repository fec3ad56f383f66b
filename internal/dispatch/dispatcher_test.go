package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/session"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/geekxflood/proteus/internal/txn"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = types.MustParseOID("1.3.6.1.2.1.1")

type countingObserver struct {
	mu       sync.Mutex
	requests map[string]int
	retries  int
}

func (o *countingObserver) ObserveRequest(kind string, status int, varbinds []types.Varbind, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[kind]++
}

func (o *countingObserver) ObserveLockRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *countingObserver) ObserveTest(time.Duration) {}

type fixture struct {
	d         *Dispatcher
	reg       *registry.Registry
	table     *registry.Registration
	coord     *txn.Coordinator
	sessions  *session.Manager
	master    *session.Loopback
	observer  *countingObserver
	sessionID uint32
}

func sampleSchema(t *testing.T, name string, entry types.OID) *table.Schema {
	t.Helper()
	s, err := table.NewSchema(name, entry,
		[]index.Field{{Name: "a", Kind: index.KindInteger}, {Name: "b", Kind: index.KindInteger}},
		[]table.Column{
			{ID: 1, Name: "a", Type: types.TypeInteger, Access: table.AccessNotAccessible},
			{ID: 2, Name: "name", Type: types.TypeOctetString, Access: table.AccessReadWrite},
			{ID: 3, Name: "value", Type: types.TypeInteger, Access: table.AccessReadWrite},
			{ID: 4, Name: "note", Type: types.TypeOctetString, Access: table.AccessReadOnly},
		}, 0)
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testutil.Logger(t)
	cfg := testutil.NewConfigProvider(map[string]any{
		"transaction.lock_wait":  "5ms",
		"retry.max_attempts":     20,
		"retry.initial_delay":    "5ms",
		"retry.max_delay":        "10ms",
		"agentx.max_repetitions": 10,
	})

	reg := registry.New()
	coord, err := txn.NewCoordinator(cfg, reg, logger)
	require.NoError(t, err)

	master := session.NewLoopback()
	sessions, err := session.NewManager(cfg, master, reg, coord, logger)
	require.NoError(t, err)

	tbl := registry.NewRegistration(sampleSchema(t, "sample", base), table.Callbacks{})
	require.NoError(t, sessions.RegisterTable(ctx, tbl))
	require.NoError(t, sessions.Open(ctx))

	observer := &countingObserver{requests: make(map[string]int)}
	d, err := New(cfg, reg, coord, sessions, logger, WithObserver(observer))
	require.NoError(t, err)

	return &fixture{
		d:         d,
		reg:       reg,
		table:     tbl,
		coord:     coord,
		sessions:  sessions,
		master:    master,
		observer:  observer,
		sessionID: sessions.SessionID(),
	}
}

func addRow(t *testing.T, reg *registry.Registration, a, b int64, values map[uint32]types.Value) *table.Row {
	t.Helper()
	row, err := table.NewRow(reg.Schema, []any{a, b}, values)
	require.NoError(t, err)
	require.NoError(t, reg.Store.Insert(row))
	return row
}

func (f *fixture) do(t *testing.T, req *Request) *Response {
	t.Helper()
	req.SessionID = f.sessionID
	resp, err := f.d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func oid(s string) types.OID { return types.MustParseOID(s) }

func TestNewValidation(t *testing.T) {
	f := newFixture(t)
	cfg := testutil.NewConfigProvider(nil)
	logger := testutil.Logger(t)

	_, err := New(nil, f.reg, f.coord, f.sessions, logger)
	assert.Error(t, err)
	_, err = New(cfg, nil, f.coord, f.sessions, logger)
	assert.Error(t, err)
	_, err = New(cfg, f.reg, nil, f.sessions, logger)
	assert.Error(t, err)
	_, err = New(cfg, f.reg, f.coord, nil, logger)
	assert.Error(t, err)
}

func TestGetAndGetNextScenario(t *testing.T) {
	f := newFixture(t)
	addRow(t, f.table, 5, 10, map[uint32]types.Value{
		2: types.OctetString([]byte("five-ten")),
		3: types.Integer(42),
	})

	resp := f.do(t, &Request{
		Kind:      KindGet,
		RequestID: 77,
		Ranges:    []SearchRange{{Start: oid("1.3.6.1.2.1.1.3.5.10")}},
	})
	assert.Equal(t, uint32(77), resp.RequestID)
	assert.Equal(t, f.sessionID, resp.SessionID)
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
	require.Len(t, resp.VarBinds, 1)
	assert.Equal(t, types.TypeInteger, resp.VarBinds[0].Type)
	assert.Equal(t, int64(42), resp.VarBinds[0].Value)

	resp = f.do(t, &Request{
		Kind:   KindGetNext,
		Ranges: []SearchRange{{Start: oid("1.3.6.1.2.1.1.3.5.9")}},
	})
	require.Len(t, resp.VarBinds, 1)
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.5.10"), resp.VarBinds[0].OID)
	assert.Equal(t, int64(42), resp.VarBinds[0].Value)
}

func TestGetExceptions(t *testing.T) {
	f := newFixture(t)
	addRow(t, f.table, 5, 10, map[uint32]types.Value{3: types.Integer(1)})

	resp := f.do(t, &Request{
		Kind: KindGet,
		Ranges: []SearchRange{
			{Start: oid("1.3.6.1.4.1.9.1.0")},
			{Start: oid("1.3.6.1.2.1.1.9.5.10")},
			{Start: oid("1.3.6.1.2.1.1.1.5.10")},
			{Start: oid("1.3.6.1.2.1.1.3.5.11")},
			{Start: oid("1.3.6.1.2.1.1.2.5.10")},
			{Start: oid("1.3.6.1.2.1.1")},
		},
	})
	require.Len(t, resp.VarBinds, 6)
	assert.Equal(t, types.TypeNoSuchObject, resp.VarBinds[0].Type, "unregistered subtree")
	assert.Equal(t, types.TypeNoSuchObject, resp.VarBinds[1].Type, "unknown column")
	assert.Equal(t, types.TypeNoSuchObject, resp.VarBinds[2].Type, "not-accessible column")
	assert.Equal(t, types.TypeNoSuchInstance, resp.VarBinds[3].Type, "missing row")
	assert.Equal(t, types.TypeNoSuchInstance, resp.VarBinds[4].Type, "row without value")
	assert.Equal(t, types.TypeNoSuchObject, resp.VarBinds[5].Type, "entry itself")
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.5.11"), resp.VarBinds[3].OID)
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
}

func TestGetNextWalksColumnsThenRows(t *testing.T) {
	f := newFixture(t)
	addRow(t, f.table, 1, 1, map[uint32]types.Value{2: types.OctetString([]byte("a")), 3: types.Integer(1)})
	addRow(t, f.table, 1, 2, map[uint32]types.Value{3: types.Integer(2)})
	addRow(t, f.table, 2, 1, map[uint32]types.Value{2: types.OctetString([]byte("c")), 3: types.Integer(3)})

	var walked []string
	cur := oid("1.3.6.1.2.1.1")
	for i := 0; i < 20; i++ {
		resp := f.do(t, &Request{Kind: KindGetNext, Ranges: []SearchRange{{Start: cur}}})
		vb := resp.VarBinds[0]
		if vb.Type == types.TypeEndOfMibView {
			assert.Equal(t, cur, vb.OID)
			break
		}
		walked = append(walked, vb.OID.String())
		cur = vb.OID
	}

	assert.Equal(t, []string{
		"1.3.6.1.2.1.1.2.1.1",
		"1.3.6.1.2.1.1.2.2.1",
		"1.3.6.1.2.1.1.3.1.1",
		"1.3.6.1.2.1.1.3.1.2",
		"1.3.6.1.2.1.1.3.2.1",
	}, walked)
}

func TestGetNextSearchRanges(t *testing.T) {
	f := newFixture(t)
	addRow(t, f.table, 5, 10, map[uint32]types.Value{3: types.Integer(42)})
	addRow(t, f.table, 6, 1, map[uint32]types.Value{3: types.Integer(43)})

	resp := f.do(t, &Request{
		Kind: KindGetNext,
		Ranges: []SearchRange{
			{Start: oid("1.3.6.1.2.1.1.3.5.10"), Include: true},
			{Start: oid("1.3.6.1.2.1.1.3.5.10")},
			{Start: oid("1.3.6.1.2.1.1.3.5.10"), End: oid("1.3.6.1.2.1.1.3.6")},
			{Start: oid("1.3.6.1.2.1.1.3.6.1")},
			{Start: oid("1.3")},
			{Start: oid("1.3.6.1.2.1.1.3.5")},
		},
	})
	require.Len(t, resp.VarBinds, 6)
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.5.10"), resp.VarBinds[0].OID, "include start")
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.6.1"), resp.VarBinds[1].OID)
	assert.Equal(t, types.TypeEndOfMibView, resp.VarBinds[2].Type, "bounded by end")
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.5.10"), resp.VarBinds[2].OID)
	assert.Equal(t, types.TypeEndOfMibView, resp.VarBinds[3].Type, "last instance")
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.5.10"), resp.VarBinds[4].OID, "before every registration")
	assert.Equal(t, oid("1.3.6.1.2.1.1.3.5.10"), resp.VarBinds[5].OID, "partial index")
}

func TestGetNextAcrossNestedRegistrations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inner := registry.NewRegistration(sampleSchema(t, "inner", oid("1.3.6.1.2.1.1.3.7")), table.Callbacks{})
	require.NoError(t, f.sessions.RegisterTable(ctx, inner))
	after := registry.NewRegistration(sampleSchema(t, "after", oid("1.3.6.1.2.1.2")), table.Callbacks{})
	require.NoError(t, f.sessions.RegisterTable(ctx, after))

	addRow(t, f.table, 5, 1, map[uint32]types.Value{3: types.Integer(1)})
	addRow(t, f.table, 8, 1, map[uint32]types.Value{3: types.Integer(2)})
	addRow(t, inner, 1, 1, map[uint32]types.Value{3: types.Integer(100)})
	addRow(t, after, 1, 1, map[uint32]types.Value{2: types.OctetString([]byte("z"))})

	var walked []string
	cur := oid("1.3.6.1.2.1.1")
	for i := 0; i < 20; i++ {
		resp := f.do(t, &Request{Kind: KindGetNext, Ranges: []SearchRange{{Start: cur}}})
		vb := resp.VarBinds[0]
		if vb.Type == types.TypeEndOfMibView {
			break
		}
		walked = append(walked, vb.OID.String())
		cur = vb.OID
	}

	assert.Equal(t, []string{
		"1.3.6.1.2.1.1.3.5.1",
		"1.3.6.1.2.1.1.3.7.3.1.1",
		"1.3.6.1.2.1.1.3.8.1",
		"1.3.6.1.2.1.2.2.1.1",
	}, walked)
}

func TestGetBulk(t *testing.T) {
	f := newFixture(t)
	addRow(t, f.table, 1, 1, map[uint32]types.Value{2: types.OctetString([]byte("a")), 3: types.Integer(1)})
	addRow(t, f.table, 1, 2, map[uint32]types.Value{2: types.OctetString([]byte("b")), 3: types.Integer(2)})

	resp := f.do(t, &Request{
		Kind: KindGetBulk,
		Ranges: []SearchRange{
			{Start: oid("1.3.6.1.2.1.1.3")},
			{Start: oid("1.3.6.1.2.1.1.2")},
			{Start: oid("1.3.6.1.2.1.1.3")},
		},
		NonRepeaters:   1,
		MaxRepetitions: 5,
	})

	var got []string
	for _, vb := range resp.VarBinds {
		if vb.IsException() {
			got = append(got, "end")
			continue
		}
		got = append(got, vb.OID.String())
	}
	assert.Equal(t, []string{
		"1.3.6.1.2.1.1.3.1.1",
		"1.3.6.1.2.1.1.2.1.1", "1.3.6.1.2.1.1.3.1.1",
		"1.3.6.1.2.1.1.2.1.2", "1.3.6.1.2.1.1.3.1.2",
		"1.3.6.1.2.1.1.3.1.1", "end",
		"1.3.6.1.2.1.1.3.1.2", "end",
		"end", "end",
	}, got)

	// repetitions are capped
	f.d.maxRepetitions = 2
	resp = f.do(t, &Request{
		Kind:           KindGetBulk,
		Ranges:         []SearchRange{{Start: oid("1.3.6.1.2.1.1.2.1.1")}},
		MaxRepetitions: 1000,
	})
	assert.Len(t, resp.VarBinds, 2)
}

func TestSetThroughDispatcher(t *testing.T) {
	f := newFixture(t)
	row := addRow(t, f.table, 5, 10, map[uint32]types.Value{3: types.Integer(1)})
	target := oid("1.3.6.1.2.1.1.3.5.10")

	resp := f.do(t, &Request{
		Kind:          KindTestSet,
		TransactionID: 9,
		RequestID:     1,
		VarBinds: []types.Varbind{
			types.NewVarbind(target, types.Integer(2)),
			types.NewVarbind(oid("1.3.6.1.2.1.1.4.5.10"), types.OctetString([]byte("ro"))),
		},
	})
	assert.Equal(t, types.ErrorStatusNotWritable, resp.Error)
	assert.Equal(t, 2, resp.Index)
	assert.Equal(t, uint32(9), resp.TransactionID)
	f.do(t, &Request{Kind: KindCleanupSet, TransactionID: 9})

	for _, kind := range []Kind{KindTestSet, KindCommitSet, KindCleanupSet} {
		resp = f.do(t, &Request{
			Kind:          kind,
			TransactionID: 10,
			VarBinds:      []types.Varbind{types.NewVarbind(target, types.Integer(2))},
		})
		require.Equal(t, types.ErrorStatusNoError, resp.Error, kind.String())
	}
	v, _ := row.Get(3)
	assert.Equal(t, int64(2), v.Value)

	resp = f.do(t, &Request{Kind: KindCommitSet, TransactionID: 99})
	assert.Equal(t, types.ErrorStatusGenErr, resp.Error, "unknown transaction")
}

func TestSetRetriesOnContention(t *testing.T) {
	f := newFixture(t)
	addRow(t, f.table, 5, 10, map[uint32]types.Value{3: types.Integer(1)})
	target := oid("1.3.6.1.2.1.1.3.5.10")
	ctx := context.Background()

	// another session holds the row for a while
	require.NoError(t, f.coord.Test(ctx, 4242, 1, []types.Varbind{types.NewVarbind(target, types.Integer(5))}))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = f.coord.Cleanup(ctx, 4242, 1)
	}()

	resp := f.do(t, &Request{
		Kind:          KindTestSet,
		TransactionID: 1,
		VarBinds:      []types.Varbind{types.NewVarbind(target, types.Integer(7))},
	})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
	f.do(t, &Request{Kind: KindCleanupSet, TransactionID: 1})

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	assert.Greater(t, f.observer.retries, 0)
	assert.Equal(t, 1, f.observer.requests["test_set"])
}

func TestClosedSessionAnswersNotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.d.Dispatch(ctx, &Request{Kind: KindGet, SessionID: f.sessionID + 1, RequestID: 5})
	assert.ErrorIs(t, err, types.ErrSessionClosed)
	assert.Equal(t, types.ErrorStatusNotOpen, resp.Error)
	assert.Equal(t, uint32(5), resp.RequestID)

	f.do(t, &Request{Kind: KindClose, Reason: session.ReasonShutdown})
	assert.Equal(t, session.StateClosed, f.sessions.State())

	resp, err = f.d.Dispatch(ctx, &Request{Kind: KindPing, SessionID: f.sessionID, RequestID: 6})
	assert.ErrorIs(t, err, types.ErrSessionClosed)
	assert.Equal(t, types.ErrorStatusNotOpen, resp.Error)
	assert.Equal(t, uint32(6), resp.RequestID)
}

func TestRegisterUnregisterAndPing(t *testing.T) {
	f := newFixture(t)
	extra := registry.NewRegistration(sampleSchema(t, "extra", oid("1.3.6.1.2.1.16.15.2.1")), table.Callbacks{})

	resp := f.do(t, &Request{Kind: KindRegister, Registration: extra})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
	assert.Len(t, f.master.Subtrees(), 2)

	resp = f.do(t, &Request{Kind: KindRegister, Registration: extra})
	assert.Equal(t, types.ErrorStatusDuplicateRegistration, resp.Error)

	resp = f.do(t, &Request{Kind: KindUnregister, Subtree: extra.Base()})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
	require.Eventually(t, func() bool { return len(f.master.Subtrees()) == 1 }, time.Second, 5*time.Millisecond)

	resp = f.do(t, &Request{Kind: KindUnregister, Subtree: extra.Base()})
	assert.Equal(t, types.ErrorStatusUnknownRegistration, resp.Error)

	resp = f.do(t, &Request{Kind: KindPing})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)

	resp = f.do(t, &Request{Kind: Kind(99)})
	assert.Equal(t, types.ErrorStatusProcessingError, resp.Error)
}

func TestUnregisterDuringTransactionOnOneLoop(t *testing.T) {
	f := newFixture(t)
	row := addRow(t, f.table, 5, 10, map[uint32]types.Value{3: types.Integer(1)})
	target := base.Append(3, 5, 10)
	set := []types.Varbind{types.NewVarbind(target, types.Integer(2))}

	resp := f.do(t, &Request{Kind: KindTestSet, TransactionID: 7, VarBinds: set})
	require.Equal(t, types.ErrorStatusNoError, resp.Error)

	resp = f.do(t, &Request{Kind: KindUnregister, Subtree: base})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
	assert.True(t, f.table.Closing())

	resp = f.do(t, &Request{Kind: KindGet, Ranges: []SearchRange{{Start: target}}})
	assert.Equal(t, int64(1), resp.VarBinds[0].Value, "reads served while draining")

	resp = f.do(t, &Request{Kind: KindTestSet, TransactionID: 8, VarBinds: set})
	assert.Equal(t, types.ErrorStatusNotWritable, resp.Error, "new transactions refused")
	f.do(t, &Request{Kind: KindCleanupSet, TransactionID: 8})

	resp = f.do(t, &Request{Kind: KindCommitSet, TransactionID: 7})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)
	v, _ := row.Get(3)
	assert.Equal(t, int64(2), v.Value)
	_, ok := f.reg.Lookup("sample")
	assert.True(t, ok, "registered until cleanup")
	assert.Len(t, f.master.Subtrees(), 1)

	resp = f.do(t, &Request{Kind: KindCleanupSet, TransactionID: 7})
	assert.Equal(t, types.ErrorStatusNoError, resp.Error)

	require.Eventually(t, func() bool {
		_, ok := f.reg.Lookup("sample")
		return !ok && len(f.master.Subtrees()) == 0
	}, time.Second, 5*time.Millisecond)

	resp = f.do(t, &Request{Kind: KindUnregister, Subtree: base})
	assert.Equal(t, types.ErrorStatusUnknownRegistration, resp.Error)
}

func TestUndoFailureClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failing := registry.NewRegistration(sampleSchema(t, "failing", oid("1.3.6.1.2.1.3")), table.Callbacks{
		Undo: func(row *table.Row) error { return assert.AnError },
	})
	require.NoError(t, f.sessions.RegisterTable(ctx, failing))
	addRow(t, failing, 1, 1, map[uint32]types.Value{3: types.Integer(1)})
	target := oid("1.3.6.1.2.1.3.3.1.1")

	for _, kind := range []Kind{KindTestSet, KindCommitSet} {
		f.do(t, &Request{Kind: kind, TransactionID: 3, VarBinds: []types.Varbind{types.NewVarbind(target, types.Integer(2))}})
	}

	resp, err := f.d.Dispatch(ctx, &Request{Kind: KindUndoSet, SessionID: f.sessionID, TransactionID: 3})
	assert.ErrorIs(t, err, types.ErrGenerationError)
	assert.Equal(t, types.ErrorStatusUndoFailed, resp.Error)
	assert.Equal(t, session.StateClosed, f.sessions.State())
	assert.Equal(t, 0, f.coord.Pending())
}
