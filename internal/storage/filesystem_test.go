package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key, err := store.Write(context.Background(), "audio/job-1/narration.mp3", []byte("mp3 bytes"))
	require.NoError(t, err)
	assert.Equal(t, "audio/job-1/narration.mp3", key)

	data, err := store.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3 bytes"), data)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Write(context.Background(), "../outside.mp3", []byte("x"))
	assert.Error(t, err)

	_, err = store.Read(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestFileStoreReadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read(context.Background(), "audio/missing.mp3")
	assert.Error(t, err)
}
