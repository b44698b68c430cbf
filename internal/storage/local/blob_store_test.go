package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/store"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "checkpoints/run-1.json", []byte(`{"run_id":"run-1"}`)))

	got, err := s.Get(ctx, "checkpoints/run-1.json")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"run_id":"run-1"}`), got)
}

func TestGetMissingObject(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "checkpoints/none.json")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutOverwritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "cp.json", []byte("v1")))
	require.NoError(t, s.Put(ctx, "cp.json", []byte("v2")))

	got, err := s.Get(ctx, "cp.json")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "cp.json", entries[0].Name())
}

func TestRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = s.Put(context.Background(), "../escape.json", []byte("x"))
	require.Error(t, err)
}

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
