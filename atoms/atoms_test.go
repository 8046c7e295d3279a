package atoms

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternIsStable(t *testing.T) {
	tab := NewTable()

	a := tab.Intern("lists")
	b := tab.Intern("maps")
	require.NotEqual(t, None, a)
	require.NotEqual(t, a, b)
	require.Equal(t, a, tab.Intern("lists"))
	require.Equal(t, "lists", tab.Name(a))
	require.Equal(t, "maps", tab.Name(b))
	require.Equal(t, 2, tab.Len())
}

func TestLookupAndUnknown(t *testing.T) {
	tab := NewTable()

	_, ok := tab.Lookup("missing")
	require.False(t, ok)
	require.Equal(t, "", tab.Name(None))
	require.Equal(t, "", tab.Name(42))

	id := tab.Intern("present")
	got, ok := tab.Lookup("present")
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestConcurrentIntern(t *testing.T) {
	tab := NewTable()

	var wg sync.WaitGroup
	ids := make([]ID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = tab.Intern("shared")
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Equal(t, 1, tab.Len())
}
