package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func entry(name string, at time.Time, binary string) *Entry {
	return &Entry{
		Name:     name,
		Checksum: 0xfeedface12345678,
		Cycle:    uuid.NewString(),
		LoadedAt: at,
		Binary:   []byte(binary),
	}
}

func openSQLite(t *testing.T) *Archive {
	t.Helper()
	a, err := Open("sqlite", filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSaveAndLatest(t *testing.T) {
	a := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Save(ctx, entry("lists", base, "v1")))
	require.NoError(t, a.Save(ctx, entry("lists", base.Add(time.Second), "v2")))
	require.NoError(t, a.Save(ctx, entry("maps", base, "m1")))

	latest, err := a.Latest(ctx, "lists")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), latest.Binary)
	require.Equal(t, uint64(0xfeedface12345678), latest.Checksum)
	require.True(t, latest.LoadedAt.Equal(base.Add(time.Second)))

	names, err := a.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"lists", "maps"}, names)

	n, err := a.Count(ctx, "lists")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = a.Latest(ctx, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, a.Save(context.Background(), entry("lists", time.Now(), "v1")))
	require.NoError(t, a.Close())

	b, err := Open("sqlite", path)
	require.NoError(t, err)
	defer b.Close()
	e, err := b.Latest(context.Background(), "lists")
	require.NoError(t, err)
	require.Equal(t, "v1", string(e.Binary))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	require.ErrorContains(t, err, "unsupported driver")
}

func TestSingleFileSaveRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lists.hsa")
	want := entry("lists", time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC), "binary payload")
	want.OnLoad = true

	require.NoError(t, WriteFile(path, want))
	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.Cycle, got.Cycle)
	require.True(t, got.OnLoad)
	require.True(t, want.LoadedAt.Equal(got.LoadedAt))
	require.Equal(t, want.Binary, got.Binary)

	_, err = Unmarshal([]byte("not an lz4 frame"))
	require.Error(t, err)
}

func TestMarshalIsDeterministic(t *testing.T) {
	e := entry("lists", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "same")
	a, err := Marshal(e)
	require.NoError(t, err)
	b, err := Marshal(e)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
