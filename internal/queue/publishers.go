package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acme/voice-campaign-engine/internal/health"
)

// DispatchRequestPublisher publishes call requests for the dispatch worker.
type DispatchRequestPublisher struct {
	writer messageWriter
}

// NewDispatchRequestPublisher constructs a publisher for the given topic.
func NewDispatchRequestPublisher(k *Kafka, topic string) *DispatchRequestPublisher {
	return &DispatchRequestPublisher{writer: k.NewWriter(topic)}
}

// RequestCall writes the request keyed by contact.
func (p *DispatchRequestPublisher) RequestCall(ctx context.Context, req DispatchRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch request publisher: marshal message: %w", err)
	}
	return writeJSON(ctx, p.writer, "dispatch request publisher", req.ContactID[:], value)
}

// Close closes the underlying writer.
func (p *DispatchRequestPublisher) Close() error {
	return p.writer.Close()
}

// EventPublisher publishes lifecycle events.
type EventPublisher struct {
	writer messageWriter
}

// NewEventPublisher constructs an event publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the event keyed by campaign.
func (p *EventPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event publisher: marshal message: %w", err)
	}
	return writeJSON(ctx, p.writer, "event publisher", evt.CampaignID[:], value)
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

// Notifier publishes organization notifications for the notification
// service.
type Notifier struct {
	writer messageWriter
}

// NewNotifier constructs a notifier for the given topic.
func NewNotifier(k *Kafka, topic string) *Notifier {
	return &Notifier{writer: k.NewWriter(topic)}
}

// Notify implements health.Notifier.
func (n *Notifier) Notify(ctx context.Context, notification health.Notification) error {
	value, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("notifier: marshal message: %w", err)
	}
	return writeJSON(ctx, n.writer, "notifier", notification.OrganizationID[:], value)
}

// Close closes the notifier.
func (n *Notifier) Close() error {
	return n.writer.Close()
}
