package capture

import (
	"context"
	"time"
)

// AlertStore persists alerts and their capture status.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) (Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, update AlertUpdate) error
	GetAlert(ctx context.Context, alertID string) (Alert, error)
}

// TenantStore resolves tenant configuration.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	FindByWebhookToken(ctx context.Context, token string) (Tenant, error)
	IncrementUsage(ctx context.Context, tenantID string) error
}

// BlobStore writes raw artifacts and returns a public reference.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Decrypter opens sealed credential blobs.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// Notifier delivers a best-effort alert summary to a tenant.
type Notifier interface {
	Notify(ctx context.Context, tenant Tenant, summary Summary) error
}

// Queue is a durable capture job queue with at-least-once delivery.
type Queue interface {
	// Enqueue adds job unless a job with the same id is already known.
	// It reports whether the job was added.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks until a job is claimed. The returned job carries the
	// current 1-based attempt number and a fresh Lease token.
	Dequeue(ctx context.Context) (Job, error)
	// Heartbeat extends the lease of a claimed job. It returns ErrLeaseLost
	// once job.Lease is no longer the current claim.
	Heartbeat(ctx context.Context, job Job) error
	// Ack settles a claimed job as completed or failed.
	Ack(ctx context.Context, job Job, status AlertStatus) error
	// Retry releases a claimed job back to the queue after delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error
	// ReclaimStalled re-queues jobs whose lease expired.
	ReclaimStalled(ctx context.Context) (Reclaimed, error)
	Stats(ctx context.Context) (QueueStats, error)
	Close() error
}

// Hasher computes digests for blob naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces alert IDs.
type IDGenerator interface {
	NewID() (string, error)
}
