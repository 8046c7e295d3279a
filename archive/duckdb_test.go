//go:build cgo

package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDuckDBArchive(t *testing.T) {
	a, err := Open("duckdb", filepath.Join(t.TempDir(), "archive.duckdb"))
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, "duckdb", a.Driver())

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, a.Save(ctx, entry("lists", now, "v1")))
	require.NoError(t, a.Save(ctx, entry("lists", now.Add(time.Millisecond), "v2")))

	e, err := a.Latest(ctx, "lists")
	require.NoError(t, err)
	require.Equal(t, "v2", string(e.Binary))
}
