// Package browser owns the pool of headless browser processes shared by
// capture workers. A Slot is exclusively owned by one caller between Acquire
// and Release; Release wipes all tenant session state from the browser before
// the slot can be handed out again, and destroys the slot when that fails.
package browser

import (
	"context"
	"time"
)

// Cookie is a session cookie injected into a page.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}

// Page is the page-level automation surface used by capture strategies.
type Page interface {
	SetViewport(ctx context.Context, width, height int64) error
	SetCookies(ctx context.Context, cookies []Cookie) error
	Navigate(ctx context.Context, url string) error
	// DismissOverlays presses Escape and hides interstitial elements.
	DismissOverlays(ctx context.Context) error
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Browser is one launched browser process and its page.
type Browser interface {
	Page
	// Warm pre-navigates to url so the first capture skips cold start costs.
	Warm(ctx context.Context, url string) error
	// ClearState removes cookies, storage and caches and verifies the cookie
	// jar is empty afterwards.
	ClearState(ctx context.Context) error
	Close() error
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Slot is one pool-managed browser handle.
type Slot struct {
	ID      string
	Browser Browser

	inUse        bool
	createdAt    time.Time
	lastUsedAt   time.Time
	captureCount int64
}

// SlotStats is a read-only view of a slot.
type SlotStats struct {
	ID           string        `json:"id"`
	InUse        bool          `json:"in_use"`
	CaptureCount int64         `json:"capture_count"`
	Age          time.Duration `json:"age"`
	IdleFor      time.Duration `json:"idle_for"`
}

// Stats is a read-only projection of the pool.
type Stats struct {
	Total          int         `json:"total"`
	Available      int         `json:"available"`
	InUse          int         `json:"in_use"`
	Creating       int         `json:"creating"`
	Waiting        int         `json:"waiting"`
	MinSlots       int         `json:"min_slots"`
	MaxSlots       int         `json:"max_slots"`
	TotalCreated   int64       `json:"total_created"`
	TotalDestroyed int64       `json:"total_destroyed"`
	TotalCaptures  int64       `json:"total_captures"`
	Closed         bool        `json:"closed"`
	Slots          []SlotStats `json:"slots"`
}
