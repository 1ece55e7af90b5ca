// Package uuid generates alert ids and webhook tokens.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Generator creates UUIDv7 alert ids, which sort by creation time.
type Generator struct{}

var _ capture.IDGenerator = Generator{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewWebhookToken returns 64 hex characters built from two random UUIDv4
// values. Tokens are bearer secrets: hand them to the tenant once and only
// ever log a prefix.
func (Generator) NewWebhookToken() (string, error) {
	var b strings.Builder
	for range 2 {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate webhook token: %w", err)
		}
		b.WriteString(strings.ReplaceAll(id.String(), "-", ""))
	}
	return b.String(), nil
}
