package rowstore

import (
	"sync"
	"testing"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchema(t *testing.T) *table.Schema {
	t.Helper()
	s, err := table.NewSchema("pairs", types.MustParseOID("1.3.6.1.2.1.1"),
		[]index.Field{
			{Name: "a", Kind: index.KindInteger},
			{Name: "b", Kind: index.KindInteger},
		},
		[]table.Column{{ID: 3, Name: "value", Type: types.TypeInteger, Access: table.AccessReadOnly}}, 0)
	require.NoError(t, err)
	return s
}

func mustRow(t *testing.T, s *table.Schema, a, b int) *table.Row {
	t.Helper()
	row, err := table.NewRow(s, []any{a, b}, map[uint32]types.Value{3: types.Integer(int64(a*100 + b))})
	require.NoError(t, err)
	return row
}

func TestInsertDuplicate(t *testing.T) {
	s := newSchema(t)
	store := New(s)

	require.NoError(t, store.Insert(mustRow(t, s, 5, 10)))
	err := store.Insert(mustRow(t, s, 5, 10))
	assert.ErrorIs(t, err, types.ErrDuplicateIndex)
	assert.Equal(t, 1, store.Len())
}

func TestGetNextConsecutiveRows(t *testing.T) {
	s := newSchema(t)
	store := New(s)

	// insert out of order
	var rows []*table.Row
	for _, p := range [][2]int{{3, 1}, {1, 2}, {2, 0}, {1, 10}, {10, 0}} {
		row := mustRow(t, s, p[0], p[1])
		require.NoError(t, store.Insert(row))
		rows = append(rows, row)
	}

	want := []string{"1.2", "1.10", "2.0", "3.1", "10.0"}

	first, ok := store.First()
	require.True(t, ok)
	assert.Equal(t, want[0], first.Suffix().String())

	for k := 0; k < len(want)-1; k++ {
		next, ok := store.GetNext(index.KeyOf(types.MustParseOID(want[k])))
		require.True(t, ok)
		assert.Equal(t, want[k+1], next.Suffix().String())
	}

	_, ok = store.GetNext(index.KeyOf(types.MustParseOID(want[len(want)-1])))
	assert.False(t, ok, "last row has no successor")

	_, ok = store.GetNext(index.KeyOf(types.MustParseOID("99")))
	assert.False(t, ok, "past the last row")

	// a partial suffix lands before the rows it prefixes
	next, ok := store.GetNext(index.KeyOf(types.MustParseOID("1")))
	require.True(t, ok)
	assert.Equal(t, "1.2", next.Suffix().String())

	next, ok = store.GetNext("")
	require.True(t, ok)
	assert.Equal(t, "1.2", next.Suffix().String())
}

func TestEmptyStore(t *testing.T) {
	store := New(newSchema(t))

	_, ok := store.First()
	assert.False(t, ok)
	_, ok = store.GetNext("")
	assert.False(t, ok)
	_, ok = store.Get(index.KeyOf(types.OID{1, 1}))
	assert.False(t, ok)
}

func TestRemoveAndDelete(t *testing.T) {
	s := newSchema(t)
	store := New(s)
	row := mustRow(t, s, 1, 1)
	require.NoError(t, store.Insert(row))

	store.Remove(row.Key())
	store.Remove(row.Key())
	assert.Equal(t, 0, store.Len())

	_, err := store.Delete(row.Key())
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, store.Insert(row))
	got, err := store.Delete(row.Key())
	require.NoError(t, err)
	assert.Same(t, row, got)
}

func TestClaims(t *testing.T) {
	s := newSchema(t)
	store := New(s)
	key := index.KeyOf(types.OID{4, 4})

	require.NoError(t, store.Claim(key, 1))
	require.NoError(t, store.Claim(key, 1))
	assert.ErrorIs(t, store.Claim(key, 2), types.ErrResourceUnavailable)

	store.Unclaim(key, 2)
	assert.ErrorIs(t, store.Claim(key, 2), types.ErrResourceUnavailable)

	store.Unclaim(key, 1)
	require.NoError(t, store.Claim(key, 2))

	existing := mustRow(t, s, 5, 5)
	require.NoError(t, store.Insert(existing))
	assert.ErrorIs(t, store.Claim(existing.Key(), 3), types.ErrInconsistentValue)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := newSchema(t)
	store := New(s)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = store.Insert(mustRow(t, s, w, i))
				store.GetNext("")
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 400, store.Len())

	prev := index.Key("")
	store.Ascend(func(row *table.Row) bool {
		assert.Greater(t, string(row.Key()), string(prev))
		prev = row.Key()
		return true
	})
}
