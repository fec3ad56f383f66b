package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/geekxflood/proteus/internal/txn"
	"github.com/geekxflood/proteus/internal/types"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T, values map[string]any, opts ...Option) *Journal {
	t.Helper()

	cfg := testutil.NewConfigProvider(map[string]any{
		"journal.connection_string": filepath.Join(t.TempDir(), "journal.db"),
		"journal.batch_size":        10,
		"journal.flush_interval":    "1h",
	})
	for k, v := range values {
		cfg.Set(k, v)
	}

	j, err := NewJournal(cfg, testutil.Logger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func outcome(sid, tid uint32, state txn.State, status int, finished time.Time) txn.Outcome {
	oid := types.MustParseOID("1.3.6.1.2.1.16.15.1.1.11.1")
	return txn.Outcome{
		ID:     txn.ID{SessionID: sid, TransactionID: tid},
		State:  state,
		Status: status,
		VarBinds: []types.Varbind{
			types.NewVarbind(oid, types.OctetString([]byte("monitor"))),
		},
		Started:  finished.Add(-2 * time.Millisecond),
		Finished: finished,
	}
}

func TestLoadConfig(t *testing.T) {
	jc, err := LoadConfig(testutil.NewConfigProvider(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultJournalConfig(), jc)

	cfg := testutil.NewConfigProvider(map[string]any{
		"journal.enabled":        true,
		"journal.retention_days": 7,
		"journal.flush_interval": "2s",
	})
	jc, err = LoadConfig(cfg)
	require.NoError(t, err)
	assert.True(t, jc.Enabled)
	assert.Equal(t, 7, jc.RetentionDays)
	assert.Equal(t, 2*time.Second, jc.FlushInterval)

	cfg.Set("journal.batch_size", 0)
	_, err = LoadConfig(cfg)
	assert.Error(t, err)

	_, err = LoadConfig(nil)
	assert.Error(t, err)
}

func TestNewJournalRequiresLogger(t *testing.T) {
	_, err := NewJournal(testutil.NewConfigProvider(nil), nil)
	assert.Error(t, err)
}

func TestRecordAndQuery(t *testing.T) {
	j := newTestJournal(t, nil)
	now := time.Now()

	j.Record(outcome(1, 10, txn.StateCleaned, types.ErrorStatusNoError, now))
	j.Record(outcome(1, 11, txn.StateTestFailed, types.ErrorStatusWrongType, now))
	j.Record(outcome(2, 12, txn.StateUndone, types.ErrorStatusCommitFailed, now))

	entries, err := j.Query(nil)
	require.NoError(t, err)
	assert.Empty(t, entries, "entries are only visible after a flush")

	require.NoError(t, j.Flush())

	entries, err = j.Query(nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	first := entries[0]
	assert.Equal(t, uint32(1), first.SessionID)
	assert.Equal(t, uint32(10), first.TransactionID)
	assert.Equal(t, "cleaned", first.State)
	assert.Equal(t, "noError", first.Status)
	assert.Equal(t, 2*time.Millisecond, first.Duration)
	require.Len(t, first.VarBinds, 1)
	assert.Equal(t, "1.3.6.1.2.1.16.15.1.1.11.1", first.VarBinds[0].OID)
	assert.Equal(t, `"monitor"`, first.VarBinds[0].Value)

	sid := uint32(2)
	entries, err = j.Query(&Query{SessionID: &sid})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "undone", entries[0].State)

	entries, err = j.Query(&Query{State: "test_failed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(11), entries[0].TransactionID)

	entries, err = j.Query(&Query{Limit: 2, OrderDesc: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(12), entries[0].TransactionID)

	stats := j.GetStats()
	assert.Equal(t, int64(3), stats["written"])
	assert.Equal(t, 0, stats["queued"])
}

func TestBatchFlushesWhenFull(t *testing.T) {
	j := newTestJournal(t, map[string]any{"journal.batch_size": 2})
	now := time.Now()

	j.Record(outcome(1, 1, txn.StateCleaned, types.ErrorStatusNoError, now))
	j.Record(outcome(1, 2, txn.StateCleaned, types.ErrorStatusNoError, now))
	j.Record(outcome(1, 3, txn.StateCleaned, types.ErrorStatusNoError, now))

	entries, err := j.Query(nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 1, j.GetStats()["queued"])
}

func TestPurge(t *testing.T) {
	j := newTestJournal(t, nil)
	now := time.Now()

	j.Record(outcome(1, 1, txn.StateCleaned, types.ErrorStatusNoError, now.AddDate(0, 0, -40)))
	j.Record(outcome(1, 2, txn.StateCleaned, types.ErrorStatusNoError, now))
	require.NoError(t, j.Flush())

	removed, err := j.Purge(now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := j.Query(nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(2), entries[0].TransactionID)
}

func TestCloseFlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	jc := DefaultJournalConfig()
	jc.ConnectionString = path

	j, err := Open(jc, testutil.Logger(t))
	require.NoError(t, err)
	j.Record(outcome(3, 7, txn.StateCleaned, types.ErrorStatusNoError, time.Now()))
	require.NoError(t, j.Close())

	reopened, err := Open(jc, testutil.Logger(t))
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Query(nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(7), entries[0].TransactionID)
}

func TestJournalMetrics(t *testing.T) {
	manager, err := metrics.NewMetricsManager(testutil.NewConfigProvider(nil), testutil.Logger(t))
	require.NoError(t, err)
	jm := manager.GetJournalMetrics()

	j := newTestJournal(t, nil, WithMetrics(jm))
	now := time.Now()
	j.Record(outcome(1, 1, txn.StateCleaned, types.ErrorStatusNoError, now.AddDate(0, 0, -90)))
	j.Record(outcome(1, 2, txn.StateCleaned, types.ErrorStatusNoError, now))
	require.NoError(t, j.Flush())

	_, err = j.Purge(now.AddDate(0, 0, -30))
	require.NoError(t, err)

	assert.Equal(t, float64(2), promtest.ToFloat64(jm.EntriesWritten))
	assert.Equal(t, float64(1), promtest.ToFloat64(jm.EntriesPurged))
	assert.Equal(t, float64(0), promtest.ToFloat64(jm.JournalErrors))
}

func TestInMemoryJournal(t *testing.T) {
	jc := DefaultJournalConfig()
	jc.ConnectionString = ":memory:"

	j, err := Open(jc, testutil.Logger(t))
	require.NoError(t, err)
	defer j.Close()

	j.Record(outcome(1, 1, txn.StateUndone, types.ErrorStatusNoError, time.Now()))
	require.NoError(t, j.Flush())

	entries, err := j.Query(&Query{State: "undone"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
