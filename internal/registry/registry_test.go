package registry

import (
	"context"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReg(t *testing.T, name, base string) *Registration {
	t.Helper()
	s, err := table.NewSchema(name, types.MustParseOID(base),
		[]index.Field{{Name: "i", Kind: index.KindInteger}},
		[]table.Column{{ID: 2, Name: "v", Type: types.TypeInteger, Access: table.AccessReadOnly}}, 0)
	require.NoError(t, err)
	return NewRegistration(s, table.Callbacks{})
}

func TestFindByPrefixLongestWins(t *testing.T) {
	r := New()
	outer := newReg(t, "outer", "1.3.6.1.2.1")
	inner := newReg(t, "inner", "1.3.6.1.2.1.16.15.2.1")
	require.NoError(t, r.Add(outer))
	require.NoError(t, r.Add(inner))

	got, ok := r.FindByPrefix(types.MustParseOID("1.3.6.1.2.1.16.15.2.1.3.1.0"))
	require.True(t, ok)
	assert.Same(t, inner, got)

	got, ok = r.FindByPrefix(types.MustParseOID("1.3.6.1.2.1.16.15.1"))
	require.True(t, ok)
	assert.Same(t, outer, got)

	got, ok = r.FindByPrefix(types.MustParseOID("1.3.6.1.2.1"))
	require.True(t, ok)
	assert.Same(t, outer, got)

	_, ok = r.FindByPrefix(types.MustParseOID("1.3.6.1.2"))
	assert.False(t, ok)

	_, ok = r.FindByPrefix(types.MustParseOID("1.3.6.1.4.1"))
	assert.False(t, ok)
}

func TestAddDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newReg(t, "a", "1.2.3")))
	assert.ErrorIs(t, r.Add(newReg(t, "b", "1.2.3")), types.ErrDuplicateRegistration)
	assert.ErrorIs(t, r.Add(newReg(t, "a", "1.2.4")), types.ErrDuplicateRegistration)
	assert.Equal(t, 1, r.Len())
}

func TestNextAfterOrder(t *testing.T) {
	r := New()
	for _, p := range [][2]string{{"c", "1.3.9"}, {"a", "1.3.2"}, {"b", "1.3.2.5"}} {
		require.NoError(t, r.Add(newReg(t, p[0], p[1])))
	}

	names := []string{}
	for _, reg := range r.All() {
		names = append(names, reg.Name())
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	next, ok := r.NextAfter(types.MustParseOID("1.3.2"))
	require.True(t, ok)
	assert.Equal(t, "b", next.Name())

	next, ok = r.NextAfter(types.MustParseOID("1.3.2.5.1"))
	require.True(t, ok)
	assert.Equal(t, "c", next.Name())

	_, ok = r.NextAfter(types.MustParseOID("1.3.9"))
	assert.False(t, ok)
}

func TestUnregisterWaitsForInFlight(t *testing.T) {
	r := New()
	reg := newReg(t, "t", "1.3.6.1.2.1.1")
	require.NoError(t, r.Add(reg))
	require.NoError(t, reg.Acquire())

	removed, err := r.BeginUnregister(reg.Base())
	require.NoError(t, err)

	assert.True(t, reg.Closing())
	assert.ErrorIs(t, reg.Acquire(), types.ErrNotWritable)
	_, err = r.BeginUnregister(reg.Base())
	assert.ErrorIs(t, err, types.ErrUnknownRegistration, "unregistration already started")

	select {
	case <-removed:
		t.Fatal("registration removed while a transaction is in flight")
	case <-time.After(20 * time.Millisecond):
	}
	_, ok := r.Lookup("t")
	assert.True(t, ok, "still registered while draining")

	reg.Release()
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("registration not removed after release")
	}

	_, ok = r.Lookup("t")
	assert.False(t, ok)
	_, ok = r.FindByPrefix(types.MustParseOID("1.3.6.1.2.1.1.2.1"))
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestUnregisterContextAndUnknown(t *testing.T) {
	r := New()
	reg := newReg(t, "t", "1.2")
	require.NoError(t, r.Add(reg))
	require.NoError(t, reg.Acquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Unregister(ctx, reg.Base()), context.DeadlineExceeded)

	assert.ErrorIs(t, r.Unregister(context.Background(), types.MustParseOID("9.9")), types.ErrUnknownRegistration)

	reg.Release()
}
