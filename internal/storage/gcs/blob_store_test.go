package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "feed-checkpoints"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}

func TestResolveAppliesPrefix(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "feed-checkpoints", Prefix: "runs"})
	require.NoError(t, err)

	name, err := s.resolve("run-1.json")
	require.NoError(t, err)
	require.Equal(t, "runs/run-1.json", name)

	_, err = s.resolve("  ")
	require.Error(t, err)
}
