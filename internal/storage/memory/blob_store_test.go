package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreKeepsPrivateCopies(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("\x89PNG")
	ref, err := store.PutObject(context.Background(), "/charts/tenant-1/alert-1-abc.png", "image/png", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://charts/tenant-1/alert-1-abc.png", ref)

	payload[0] = 'X'
	blob, ok := store.Object("charts/tenant-1/alert-1-abc.png")
	require.True(t, ok)
	assert.Equal(t, "\x89PNG", string(blob.Data))
	assert.Equal(t, "image/png", blob.ContentType)

	blob.Data[0] = 'Y'
	again, _ := store.Object("charts/tenant-1/alert-1-abc.png")
	assert.Equal(t, byte(0x89), again.Data[0])

	_, ok = store.Object("missing.png")
	assert.False(t, ok)
}

func TestBlobStoreKeysAndEmptyPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b/2.png", "a/1.png"} {
		_, err := store.PutObject(context.Background(), p, "image/png", []byte("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a/1.png", "b/2.png"}, store.Keys())

	_, err := store.PutObject(context.Background(), " ", "image/png", nil)
	assert.Error(t, err)
}
