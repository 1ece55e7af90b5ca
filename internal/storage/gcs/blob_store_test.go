package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsImage(t *testing.T) {
	t.Parallel()

	const object = "charts/tenant-1/alert-1-0123456789ab.png"
	png := []byte("\x89PNG-chart")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/trading-screenshots/o")
		assert.Equal(t, object, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(png))
		assert.Contains(t, string(body), "image/png")
		fmt.Fprintln(w, `{"name": "`+object+`", "bucket": "trading-screenshots"}`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "trading-screenshots"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), object, "image/png", png)
	require.NoError(t, err)
	assert.Equal(t, "gs://trading-screenshots/"+object, uri)

	_, err = store.PutObject(context.Background(), "  ", "image/png", png)
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "trading-screenshots"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "charts/a.png", "image/png", []byte("x"))
	require.Error(t, err)
}

func TestPutObjectPublicReferenceAndCacheControl(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "public, max-age=86400")
		fmt.Fprintln(w, `{"name": "charts/a.png", "bucket": "b"}`)
	})
	store, err := New(newTestClient(t, handler), Config{
		Bucket:        "b",
		PublicBaseURL: "https://storage.googleapis.com/b/",
		CacheControl:  "public, max-age=86400",
	})
	require.NoError(t, err)

	ref, err := store.PutObject(context.Background(), "/charts/a.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://storage.googleapis.com/b/charts/a.png", ref)
}
