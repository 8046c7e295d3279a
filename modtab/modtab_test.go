package modtab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/chazu/hotswap/codeix"
)

func TestPutIsIdempotent(t *testing.T) {
	tbl := NewTable(0)

	first, err := tbl.Put(7)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Size())
	bytes := tbl.TotalBytes()
	require.Positive(t, bytes)

	second, err := tbl.Put(7)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, tbl.Size())
	require.Equal(t, bytes, tbl.TotalBytes())
}

func TestSlotIsolation(t *testing.T) {
	m := NewManager(0)
	_, err := m.TableFor(0).Put(1)
	require.NoError(t, err)

	require.Nil(t, m.TableFor(1).Get(1))
	require.Nil(t, m.TableFor(2).Get(1))
	require.Zero(t, m.TableFor(1).Size())
	require.Same(t, m.TableFor(0), m.TableFor(3), "indices wrap around the ring")
}

func TestLimit(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Put(1)
	require.NoError(t, err)
	_, err = tbl.Put(2)
	require.NoError(t, err)

	_, err = tbl.Put(3)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.Equal(t, 2, tbl.Size())

	_, err = tbl.Put(2)
	require.NoError(t, err, "existing records are still returned at the limit")
}

func TestRemoveAndClear(t *testing.T) {
	tbl := NewTable(0)
	for _, id := range []Identity{3, 1, 2} {
		_, err := tbl.Put(id)
		require.NoError(t, err)
	}
	require.Equal(t, Identity(1), tbl.At(0).Identity)
	require.Equal(t, Identity(3), tbl.At(2).Identity)
	require.Nil(t, tbl.At(3))

	require.True(t, tbl.Remove(2))
	require.False(t, tbl.Remove(2))
	require.Equal(t, 2, tbl.Size())

	tbl.Clear()
	require.Zero(t, tbl.Size())
	require.Zero(t, tbl.TotalBytes())
	require.Empty(t, tbl.All())
}

func TestSeedClonesRecords(t *testing.T) {
	m := NewManager(0)
	gen := NewGeneration(5, "lists", []byte{1, 2, 3})
	active, err := m.TableFor(0).Update(5, func(rec *Record) error {
		rec.Current = gen
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.Seed(0, 1))
	staged := m.TableFor(1).Get(5)
	require.NotNil(t, staged)
	require.NotSame(t, active, staged)
	require.Same(t, gen, staged.Current)

	_, err = m.TableFor(1).Update(5, func(rec *Record) error {
		rec.Current = nil
		return nil
	})
	require.NoError(t, err)
	require.Same(t, gen, m.TableFor(0).Get(5).Current, "editing the staged record leaves the source alone")
	require.Equal(t, m.TableFor(0).TotalBytes()*2, m.TotalBytes())
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	tbl := NewTable(0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := Identity(1); i <= 200; i++ {
			_, _ = tbl.Put(i)
		}
	}()
	go func() {
		defer wg.Done()
		for n := 0; n < 200; n++ {
			for _, rec := range tbl.All() {
				_ = tbl.Get(rec.Identity)
			}
		}
	}()
	wg.Wait()
	require.Equal(t, 200, tbl.Size())
}

func TestUpdateInstallsAClone(t *testing.T) {
	tbl := NewTable(1)
	v1 := NewGeneration(3, "m", []byte{1})
	first, err := tbl.Update(3, func(rec *Record) error { return rec.Promote(v1) })
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Size())

	v2 := NewGeneration(3, "m", []byte{2})
	second, err := tbl.Update(3, func(rec *Record) error { return rec.Promote(v2) })
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Same(t, second, tbl.Get(3))
	require.Same(t, v1, first.Current, "the published record is left alone")
	require.Nil(t, first.Old)
	require.Same(t, v1, second.Old)
	require.Equal(t, 1, tbl.Size())

	_, err = tbl.Update(3, func(*Record) error { return ErrOldCodeExists })
	require.ErrorIs(t, err, ErrOldCodeExists)
	require.Same(t, second, tbl.Get(3), "a failed edit installs nothing")

	_, err = tbl.Update(4, func(*Record) error { return nil })
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func TestReadersDuringUpdates(t *testing.T) {
	tbl := NewTable(0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			id := Identity(i%10 + 1)
			_, _ = tbl.Update(id, func(rec *Record) error {
				rec.Old = nil
				return rec.Promote(NewGeneration(id, "m", []byte{byte(i)}))
			})
		}
	}()
	go func() {
		defer wg.Done()
		for n := 0; n < 500; n++ {
			for _, rec := range tbl.All() {
				if rec.Current != nil {
					_ = rec.Current.Checksum
				}
				_ = rec.Old
			}
		}
	}()
	wg.Wait()
	require.Equal(t, 10, tbl.Size())
}

func TestRetireWaitsForReferences(t *testing.T) {
	g := NewGeneration(1, "m", []byte("code"))
	g.Acquire()
	g.Retire()
	require.True(t, g.Retired())
	require.False(t, g.Destroyed())
	require.Equal(t, []byte("code"), g.Code())

	// A holder may still take another reference before letting go.
	g.Acquire()
	g.Release()
	require.False(t, g.Destroyed())
	g.Release()
	require.True(t, g.Destroyed())
	require.Nil(t, g.Code())
	require.Panics(t, g.Acquire)
	require.False(t, g.TryAcquire())

	idle := NewGeneration(2, "n", []byte{1})
	idle.Retire()
	require.True(t, idle.Destroyed())
	require.Panics(t, idle.Retire)
}

func TestGenerationLifecycle(t *testing.T) {
	code := []byte("executable region")
	g := NewGeneration(1, "m", code)
	require.Equal(t, xxh3.Hash(code), g.Checksum)
	require.Equal(t, code, g.Code())

	g.Acquire()
	require.True(t, g.InUse())
	g.Release()
	require.False(t, g.InUse())
	require.Panics(t, g.Release)

	require.Equal(t, int64(2), g.AddBreakpoints(2))

	g.Destroy()
	require.True(t, g.Destroyed())
	require.Nil(t, g.Code())
	require.Panics(t, g.Destroy)
	require.Panics(t, g.Acquire)
}

func TestInfo(t *testing.T) {
	m := NewManager(0)
	_, err := m.TableFor(codeix.Index(2)).Update(9, func(rec *Record) error {
		rec.Current = NewGeneration(9, "x", make([]byte, 2048))
		return nil
	})
	require.NoError(t, err)

	info := m.Info(2)
	require.Contains(t, info, "slot 2: 1 modules")
	require.Contains(t, info, "kB")
}

func TestPromoteDemotesCurrent(t *testing.T) {
	rec := &Record{Identity: 1}
	v1 := NewGeneration(1, "m", []byte{1})
	v2 := NewGeneration(1, "m", []byte{2})
	v3 := NewGeneration(1, "m", []byte{3})

	require.NoError(t, rec.Promote(v1))
	require.Same(t, v1, rec.Current)
	require.Nil(t, rec.Old)

	require.NoError(t, rec.Promote(v2))
	require.Same(t, v2, rec.Current)
	require.Same(t, v1, rec.Old)

	require.ErrorIs(t, rec.Promote(v3), ErrOldCodeExists)
	require.Same(t, v2, rec.Current, "a refused promotion changes nothing")
}
