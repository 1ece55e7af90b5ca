package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherFullDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, helloDigest, got)

	empty, err := New().Hash(nil)
	require.NoError(t, err)
	assert.Len(t, empty, 64)
}

func TestHasherWithLength(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		length int
		want   string
	}{
		{length: 12, want: helloDigest[:12]},
		{length: 0, want: helloDigest},
		{length: 64, want: helloDigest},
		{length: 200, want: helloDigest},
	} {
		got, err := New(WithLength(tc.length)).Hash([]byte("hello world"))
		require.NoError(t, err)
		if got != tc.want {
			t.Fatalf("WithLength(%d): expected %s, got %s", tc.length, tc.want, got)
		}
	}
}
