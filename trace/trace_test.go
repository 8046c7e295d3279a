package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSetIsIdempotent(t *testing.T) {
	tbl := NewTable(0)
	first, added, err := tbl.Set(MFA{Module: 1, Function: 2, Arity: 0})
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, 1, first)

	again, added, err := tbl.Set(MFA{Module: 1, Function: 2, Arity: 0})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, first, again)

	second, _, err := tbl.Set(MFA{Module: 1, Function: 2, Arity: 1})
	require.NoError(t, err)
	require.Equal(t, 2, second)
	require.Equal(t, 2, tbl.Len())
}

func TestFullTable(t *testing.T) {
	tbl := NewTable(2)
	for f := 1; f <= 2; f++ {
		_, _, err := tbl.Set(MFA{Module: 1, Function: 1, Arity: uint32(f)})
		require.NoError(t, err)
	}
	_, _, err := tbl.Set(MFA{Module: 9, Function: 9, Arity: 9})
	require.ErrorIs(t, err, ErrFull)

	// Known functions still resolve when the table is full.
	i, added, err := tbl.Set(MFA{Module: 1, Function: 1, Arity: 2})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 2, i)
}

func TestLookup(t *testing.T) {
	tbl := NewTable(0)
	_, _, _ = tbl.Set(MFA{Module: 1, Function: 5, Arity: 2})
	_, _, _ = tbl.Set(MFA{Module: 1, Function: 6, Arity: 3})

	require.Equal(t, 2, tbl.Index(MFA{Module: 1, Function: 6, Arity: 3}))
	require.Zero(t, tbl.Index(MFA{Module: 1, Function: 6, Arity: 2}))
	require.Equal(t, 1, tbl.Index(MFA{Module: 1, Arity: 2}), "any function of the module")
	require.Zero(t, tbl.Index(MFA{Module: 2, Arity: 2}))

	mfa, ok := tbl.Get(2)
	require.True(t, ok)
	require.Equal(t, MFA{Module: 1, Function: 6, Arity: 3}, mfa)
	_, ok = tbl.Get(0)
	require.False(t, ok)
	_, ok = tbl.Get(3)
	require.False(t, ok)
	require.Equal(t, []int{1, 2}, tbl.Module(1))
}

func TestClearRestartsIndices(t *testing.T) {
	tbl := NewTable(0)
	_, _, _ = tbl.Set(MFA{Module: 1, Function: 1})
	_, _, _ = tbl.Set(MFA{Module: 1, Function: 2})
	tbl.Clear()
	require.Zero(t, tbl.Len())
	require.Zero(t, tbl.Index(MFA{Module: 1, Function: 1}))

	i, added, err := tbl.Set(MFA{Module: 1, Function: 2})
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, 1, i)
}

func TestTracef(t *testing.T) {
	tbl := NewTable(0)
	i, _, _ := tbl.Set(MFA{Module: 1, Function: 2, Arity: 1})
	msg, ok := tbl.Tracef(i, "called with %d", 42)
	require.True(t, ok)
	require.Equal(t, "called with 42", msg)

	_, ok = tbl.Tracef(i+1, "nothing")
	require.False(t, ok)
}

func TestConcurrentSetsShareIndices(t *testing.T) {
	tbl := NewTable(0)
	var g errgroup.Group
	got := make([]int, 8)
	for n := range got {
		g.Go(func() error {
			i, _, err := tbl.Set(MFA{Module: 3, Function: 4, Arity: 1})
			got[n] = i
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, i := range got {
		require.Equal(t, 1, i)
	}
	require.Equal(t, 1, tbl.Len())
}
