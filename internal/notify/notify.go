// Package notify fans alert summaries out to tenant-facing channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Nop discards every notification.
type Nop struct{}

// Notify implements capture.Notifier.
func (Nop) Notify(context.Context, capture.Tenant, capture.Summary) error { return nil }

// Multi delivers to every notifier and joins their errors. One failing
// channel does not stop the others.
type Multi []capture.Notifier

// Notify implements capture.Notifier.
func (m Multi) Notify(ctx context.Context, tenant capture.Tenant, summary capture.Summary) error {
	var errs []error
	for i, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, tenant, summary); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
