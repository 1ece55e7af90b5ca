// Package local writes chart images to a directory, optionally fronted by a
// static file server.
package local

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where chart images are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// PublicBaseURL, when set, replaces the file:// reference with
	// PublicBaseURL/path (for a static file server in front of BaseDir).
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// ErrUnsafePath is returned for object names that would escape BaseDir.
var ErrUnsafePath = errors.New("path traversal rejected")

// BlobStore implements capture.BlobStore on the local filesystem.
type BlobStore struct {
	root   string
	public *url.URL
}

// New validates cfg, creating BaseDir when missing, and checks it is
// writable before any capture depends on it.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("local blob store: base_dir is required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local blob store: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("local blob store: create %s: %w", root, err)
	}
	check, err := os.CreateTemp(root, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("local blob store: %s not writable: %w", root, err)
	}
	_ = check.Close()
	if err := os.Remove(check.Name()); err != nil {
		return nil, fmt.Errorf("local blob store: remove write check: %w", err)
	}

	s := &BlobStore{root: root}
	if raw := strings.TrimSpace(cfg.PublicBaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("local blob store: invalid public_base_url %q", raw)
		}
		s.public = u
	}
	return s, nil
}

// PutObject writes data atomically (temp file then rename) so a reader never
// sees a partial image, and returns the public or file:// reference.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	name := strings.TrimLeft(filepath.ToSlash(strings.TrimSpace(path)), "/")
	if name == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, path)
	}
	target := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := writeAtomic(target, data); err != nil {
		return "", err
	}
	if s.public != nil {
		return s.public.JoinPath(name).String(), nil
	}
	return "file://" + target, nil
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename into %s: %w", target, err)
	}
	return nil
}
