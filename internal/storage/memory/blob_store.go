package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Blob is a stored object with its declared content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// BlobStore keeps chart images in process memory and hands out memory://
// references. Used when no bucket or directory is configured.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewBlobStore returns an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]Blob)}
}

// PutObject stores a private copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, data []byte) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(path), "/")
	if key == "" {
		return "", errors.New("path is required")
	}
	s.mu.Lock()
	s.blobs[key] = Blob{Data: append([]byte(nil), data...), ContentType: contentType}
	s.mu.Unlock()
	return "memory://" + key, nil
}

// Object returns a copy of the blob stored under path.
func (s *BlobStore) Object(path string) (Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[strings.TrimLeft(path, "/")]
	if !ok {
		return Blob{}, false
	}
	b.Data = append([]byte(nil), b.Data...)
	return b, true
}

// Keys lists stored paths in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
