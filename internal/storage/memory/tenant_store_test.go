package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

func TestTenantStoreLookupAndUsage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTenantStore(capture.Tenant{ID: "tenant-1", WebhookToken: "tok-1", WebhookEnabled: true, SignalsQuota: 10})

	got, err := store.FindByWebhookToken(ctx, "tok-1")
	if err != nil || got.ID != "tenant-1" {
		t.Fatalf("FindByWebhookToken() = %+v, %v", got, err)
	}
	if _, err := store.FindByWebhookToken(ctx, "nope"); !errors.Is(err, capture.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.IncrementUsage(ctx, "tenant-1"); err != nil {
			t.Fatalf("IncrementUsage() error = %v", err)
		}
	}
	got, _ = store.GetTenant(ctx, "tenant-1")
	if got.SignalsUsed != 3 {
		t.Fatalf("expected 3 signals used, got %d", got.SignalsUsed)
	}
	if err := store.IncrementUsage(ctx, "ghost"); !errors.Is(err, capture.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantStorePutRotatesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTenantStore(capture.Tenant{ID: "tenant-1", WebhookToken: "old"})
	if err := store.Put(capture.Tenant{ID: "tenant-1", WebhookToken: "new"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := store.FindByWebhookToken(ctx, "old"); !errors.Is(err, capture.ErrNotFound) {
		t.Fatalf("expected old token to be gone, got %v", err)
	}
	if _, err := store.FindByWebhookToken(ctx, "new"); err != nil {
		t.Fatalf("FindByWebhookToken(new) error = %v", err)
	}
	if err := store.Put(capture.Tenant{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}
