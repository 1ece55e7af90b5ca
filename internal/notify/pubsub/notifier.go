// Package pubsub publishes completed-alert summaries to a Google Cloud
// Pub/Sub topic for downstream consumers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Notifier wraps a Pub/Sub topic.
type Notifier struct {
	topic *pubsub.Topic
}

// New creates a Notifier for the provided topic.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// Notify marshals the summary to JSON and waits for the server ack.
func (n *Notifier) Notify(ctx context.Context, tenant capture.Tenant, summary capture.Summary) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"tenant_id": tenant.ID,
			"alert_id":  summary.AlertID,
			"strategy":  string(summary.Strategy),
		},
	}
	if _, err := n.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return nil
}

// Stop flushes pending messages and stops the topic's publish goroutines.
func (n *Notifier) Stop() {
	if n.topic != nil {
		n.topic.Stop()
	}
}
