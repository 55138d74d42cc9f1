// Package pubsub publishes session events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

// Notifier publishes JSON-encoded session events to one topic.
type Notifier struct {
	topic *pubsub.Topic
}

// New creates a Notifier for topic.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// Publish marshals event and waits for the server to acknowledge it.
func (n *Notifier) Publish(ctx context.Context, event enrich.SessionEvent) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"session_id": event.SessionID,
			"status":     string(event.Status),
			"finalizer":  event.Finalizer,
		},
	}
	if _, err := n.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (n *Notifier) Stop() {
	if n.topic != nil {
		n.topic.Stop()
	}
}
