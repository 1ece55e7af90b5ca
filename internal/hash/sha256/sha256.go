// Package sha256 fingerprints chart images for content-addressed blob paths.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Hasher implements capture.Hasher with hex-encoded SHA-256 digests,
// optionally shortened for use in object names.
type Hasher struct {
	length int
}

var _ capture.Hasher = (*Hasher)(nil)

// Option adjusts a Hasher.
type Option func(*Hasher)

// WithLength truncates digests to n hex characters. Values outside 1..64 keep
// the full digest.
func WithLength(n int) Option {
	return func(h *Hasher) {
		if n > 0 && n < sha256.Size*2 {
			h.length = n
		}
	}
}

// New returns a Hasher producing full 64 character digests unless shortened.
func New(opts ...Option) *Hasher {
	h := &Hasher{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash digests the image bytes. Identical captures map to the same name.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 {
		digest = digest[:h.length]
	}
	return digest, nil
}
