package seed

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/mibs/rmon2"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const controlSeed = `{
	"table": "hlMatrixControlTable",
	"rows": [
		{
			"index": [1],
			"values": {
				"hlMatrixControlDataSource": "1.3.6.1.2.1.2.2.1.1.1",
				"hlMatrixControlOwner": "monitor",
				"hlMatrixControlStatus": "active"
			}
		},
		{
			"index": [2],
			"values": {
				"hlMatrixControlDataSource": "1.3.6.1.2.1.2.2.1.1.2",
				"hlMatrixControlNlMaxDesiredEntries": 100,
				"hlMatrixControlStatus": "notInService"
			}
		}
	]
}`

const sdSeed = `{
	"table": "nlMatrixSDTable",
	"rows": [
		{
			"index": [1, 0, 4, "hex:0a000001", "hex:0a000002"],
			"values": {"nlMatrixSDPkts": 10, "nlMatrixSDOctets": 1500, "nlMatrixSDCreateTime": 4200}
		}
	]
}`

func newTestSeeder(t *testing.T, values map[string]any) (*Seeder, *rmon2.Tables) {
	t.Helper()

	tables, err := rmon2.New()
	require.NoError(t, err)
	regs := registry.New()
	for _, reg := range tables.Registrations() {
		require.NoError(t, regs.Add(reg))
	}

	s, err := NewSeeder(testutil.NewConfigProvider(values), regs, testutil.Logger(t))
	require.NoError(t, err)
	return s, tables
}

func rowAt(t *testing.T, reg *registry.Registration, idx ...any) (*table.Row, bool) {
	t.Helper()
	key, err := index.Encode(reg.Schema.Index, idx)
	require.NoError(t, err)
	return reg.Store.Get(key)
}

func TestNewSeederValidation(t *testing.T) {
	cfg := testutil.NewConfigProvider(nil)
	logger := testutil.Logger(t)

	_, err := NewSeeder(nil, registry.New(), logger)
	assert.Error(t, err)
	_, err = NewSeeder(cfg, nil, logger)
	assert.Error(t, err)
	_, err = NewSeeder(cfg, registry.New(), nil)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	s, _ := newTestSeeder(t, nil)

	file, err := s.Parse("control.json", []byte(controlSeed))
	require.NoError(t, err)
	assert.Equal(t, "hlMatrixControlTable", file.Table)
	require.Len(t, file.Rows, 2)
	assert.Len(t, file.Rows[0].Index, 1)

	invalid := map[string]string{
		"missing table": `{"rows": []}`,
		"empty table":   `{"table": "", "rows": []}`,
		"empty index":   `{"table": "t", "rows": [{"index": [], "values": {}}]}`,
		"float value":   `{"table": "t", "rows": [{"index": [1], "values": {"c": 1.5}}]}`,
		"unknown field": `{"table": "t", "rows": [], "extra": true}`,
		"not json":      `{"table": `,
	}
	for name, data := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := s.Parse(name, []byte(data))
			assert.Error(t, err)
		})
	}
}

func TestApply(t *testing.T) {
	s, tables := newTestSeeder(t, nil)

	file, err := s.Parse("control.json", []byte(controlSeed))
	require.NoError(t, err)
	res, err := s.Apply(file)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)

	row, ok := rowAt(t, tables.Control, int64(1))
	require.True(t, ok)
	assert.Equal(t, types.RowStatusActive, row.Status())
	owner, _ := row.Get(rmon2.ControlOwner)
	assert.Equal(t, []byte("monitor"), owner.Value)

	row, ok = rowAt(t, tables.Control, int64(2))
	require.True(t, ok)
	assert.Equal(t, types.RowStatusNotInService, row.Status())
	limit, _ := row.Get(rmon2.ControlNlMaxDesiredEntries)
	assert.Equal(t, int64(100), limit.Value)

	file, err = s.Parse("sd.json", []byte(sdSeed))
	require.NoError(t, err)
	res, err = s.Apply(file)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	sd, ok := rowAt(t, tables.SD, int64(1), uint32(0), int64(4), []byte{10, 0, 0, 1}, []byte{10, 0, 0, 2})
	require.True(t, ok)
	pkts, _ := sd.Get(rmon2.SDPkts)
	assert.Equal(t, uint32(10), pkts.Value)
	created, _ := sd.Get(rmon2.SDCreateTime)
	assert.Equal(t, types.TypeTimeTicks, created.Type)

	file, err = s.Parse("control.json", []byte(controlSeed))
	require.NoError(t, err)
	res, err = s.Apply(file)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 2, tables.Control.Store.Len())
}

func TestApplyRejectsBadRows(t *testing.T) {
	s, tables := newTestSeeder(t, nil)

	cases := map[string]string{
		"unknown table":  `{"table": "ifTable", "rows": [{"index": [1], "values": {}}]}`,
		"unknown column": `{"table": "hlMatrixControlTable", "rows": [{"index": [1], "values": {}}, {"index": [2], "values": {"nope": 1}}]}`,
		"wrong type":     `{"table": "hlMatrixControlTable", "rows": [{"index": [1], "values": {"hlMatrixControlOwner": 5}}]}`,
		"index arity":    `{"table": "nlMatrixSDTable", "rows": [{"index": [1, 2], "values": {}}]}`,
		"action status":  `{"table": "hlMatrixControlTable", "rows": [{"index": [1], "values": {"hlMatrixControlStatus": "createAndGo"}}]}`,
		"bad address":    `{"table": "hlMatrixControlTable", "rows": [{"index": [1], "values": {"hlMatrixControlDataSource": "not-an-oid"}}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			file, err := s.Parse(name, []byte(data))
			require.NoError(t, err)
			_, err = s.Apply(file)
			assert.Error(t, err)
			assert.Equal(t, 0, tables.Control.Store.Len(), "a rejected file changes nothing")
		})
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-control.json"), []byte(controlSeed), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-broken.json"), []byte(`{"table": 1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "03-sd.json"), []byte(sdSeed), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_draft.json"), []byte("ignored"), 0o644))

	s, tables := newTestSeeder(t, map[string]any{"seed.directory": dir})

	files, err := s.Files()
	require.NoError(t, err)
	assert.Len(t, files, 3)

	results, err := s.LoadAll()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "02-broken.json")
	require.Len(t, results, 2)
	assert.Equal(t, 2, tables.Control.Store.Len())
	assert.Equal(t, 1, tables.SD.Store.Len())

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats["loads"])
	assert.Equal(t, int64(1), stats["failures"])
}

func TestWatchReappliesChangedFiles(t *testing.T) {
	dir := t.TempDir()
	s, tables := newTestSeeder(t, map[string]any{
		"seed.directory":    dir,
		"seed.reload_delay": "20ms",
	})

	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Equal(t, true, s.GetStats()["watching"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, "control.json"), []byte(controlSeed), 0o644))

	require.Eventually(t, func() bool {
		return tables.Control.Store.Len() == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, false, s.GetStats()["watching"])
}

func TestStartWithoutDirectory(t *testing.T) {
	s, _ := newTestSeeder(t, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	files, err := s.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}
