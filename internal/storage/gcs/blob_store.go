// Package gcs stores fallback chart images in a Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config names the target bucket and how object references are rendered.
type Config struct {
	Bucket string
	// PublicBaseURL overrides the returned reference, e.g.
	// https://storage.googleapis.com/<bucket>.
	PublicBaseURL string
	// CacheControl is set on every uploaded object when non-empty.
	CacheControl string
}

// BlobStore implements capture.BlobStore against one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	public *url.URL
	cache  string
}

// New wraps an existing client. The caller owns the client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	s := &BlobStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket, cache: cfg.CacheControl}
	if cfg.PublicBaseURL != "" {
		u, err := url.Parse(cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("gcs: invalid public base url: %w", err)
		}
		s.public = u
	}
	return s, nil
}

// PutObject uploads data in a single request; chart images are small enough
// that resumable uploads only add round trips.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	name := strings.TrimLeft(strings.TrimSpace(path), "/")
	if name == "" {
		return "", errors.New("path is required")
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.CacheControl = s.cache
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return "", errors.Join(fmt.Errorf("upload gs://%s/%s: %w", s.name, name, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.name, name, err)
	}
	return s.reference(name), nil
}

func (s *BlobStore) reference(name string) string {
	if s.public != nil {
		return s.public.JoinPath(name).String()
	}
	return "gs://" + s.name + "/" + name
}

// Dial opens a client with Application Default Credentials and reads the
// bucket attributes so a bad bucket or missing permission fails at startup.
// The returned func closes the client.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, func() error, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := New(client, cfg)
	if err == nil {
		_, err = store.bucket.Attrs(ctx)
		if err != nil {
			err = fmt.Errorf("get bucket %q attributes: %w", cfg.Bucket, err)
		}
	}
	if err != nil {
		return nil, nil, errors.Join(err, client.Close())
	}
	return store, client.Close, nil
}
