// Package memory keeps the most recent notifications in process. The server
// falls back to it when no external channel is configured.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const defaultLimit = 100

// Delivery captures one Notify call.
type Delivery struct {
	TenantID string
	Summary  capture.Summary
}

// Notifier stores the last limit delivered summaries.
type Notifier struct {
	mu         sync.RWMutex
	limit      int
	deliveries []Delivery
}

// New returns a memory Notifier retaining at most limit deliveries; limit <= 0
// keeps 100.
func New(limit int) *Notifier {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Notifier{limit: limit}
}

// Notify records the summary, evicting the oldest delivery when full.
func (n *Notifier) Notify(_ context.Context, tenant capture.Tenant, summary capture.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.deliveries) == n.limit {
		copy(n.deliveries, n.deliveries[1:])
		n.deliveries = n.deliveries[:n.limit-1]
	}
	n.deliveries = append(n.deliveries, Delivery{TenantID: tenant.ID, Summary: summary})
	return nil
}

// Deliveries returns a copy of the recorded notifications, oldest first.
func (n *Notifier) Deliveries() []Delivery {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Delivery, len(n.deliveries))
	copy(out, n.deliveries)
	return out
}
