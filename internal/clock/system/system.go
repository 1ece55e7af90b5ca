// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Clock implements capture.Clock. Timestamps are UTC; tenant-facing
// formatting converts to the tenant's zone at the edge.
type Clock struct{}

var _ capture.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
