package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chartsnap/internal/storage/local"
)

var png = []byte("\x89PNG\r\n\x1a\n")

func TestNewValidatesBaseDir(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "charts", "nested")
	_, err := local.New(local.Config{BaseDir: nested})
	require.NoError(t, err)
	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = local.New(local.Config{BaseDir: "   "})
	assert.ErrorContains(t, err, "base_dir is required")

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	assert.Error(t, err)

	_, err = local.New(local.Config{BaseDir: t.TempDir(), PublicBaseURL: "cdn.example.com"})
	assert.ErrorContains(t, err, "public_base_url")
}

func TestPutObjectWritesFile(t *testing.T) {
	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	name := "charts/tenant-1/alert-1-0123456789ab.png"
	ref, err := store.PutObject(context.Background(), name, "image/png", png)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(root, name), ref)

	// #nosec G304 -- test reads from its own temp directory.
	got, err := os.ReadFile(filepath.Join(root, name))
	require.NoError(t, err)
	assert.Equal(t, png, got)

	// Overwrites leave no temp files behind.
	_, err = store.PutObject(context.Background(), name, "image/png", []byte("second"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(root, "charts", "tenant-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "image/png", png)
	assert.Error(t, err)

	for _, path := range []string{"../escape.png", "charts/../../escape.png"} {
		_, err = store.PutObject(context.Background(), path, "image/png", png)
		assert.ErrorIs(t, err, local.ErrUnsafePath, path)
	}
}

func TestPutObjectPublicURL(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir(), PublicBaseURL: "https://cdn.example.com/shots/"})
	require.NoError(t, err)

	ref, err := store.PutObject(context.Background(), "/charts/t/a.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/shots/charts/t/a.png", ref)
}
