package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	calls chan string
}

func newRecorder() *recorder { return &recorder{calls: make(chan string, 16)} }

func (r *recorder) load(_ context.Context, path string) error {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	r.calls <- path
	return nil
}

func TestReloadsChangedBinary(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w, err := New([]string{dir}, ".beam", 100*time.Millisecond, rec.load)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	path := filepath.Join(dir, "lists.beam")
	// Several quick writes collapse into one load.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case got := <-rec.calls:
		require.Equal(t, path, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	select {
	case extra := <-rec.calls:
		t.Fatalf("unexpected second reload of %s", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLoadErrorsAreNotFatal(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan struct{}, 4)
	w, err := New([]string{dir}, ".beam", 10*time.Millisecond, func(context.Context, string) error {
		calls <- struct{}{}
		return errors.New("corrupt")
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 2; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "m.beam"), []byte{1}, 0o644))
		select {
		case <-calls:
		case <-time.After(3 * time.Second):
			t.Fatalf("reload %d not attempted", i)
		}
	}
}

func TestStartFailsOnMissingDir(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "missing")}, ".beam", time.Millisecond, nil)
	require.NoError(t, err)
	require.Error(t, w.Start())
	require.NoError(t, w.Stop())
}
