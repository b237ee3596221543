// Package channels hands SMS and email messages to the delivery services
// through durable RabbitMQ queues.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SMS is one text message to deliver.
type SMS struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	To             string    `json:"to"`
	Body           string    `json:"body"`
}

// Email is one email to deliver. Either TemplateID or Subject and HTML are
// set.
type Email struct {
	OrganizationID uuid.UUID         `json:"organization_id"`
	To             string            `json:"to"`
	TemplateID     string            `json:"template_id,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	HTML           string            `json:"html,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// Publisher is the part of an AMQP channel the senders use.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type queuePublisher struct {
	mu    sync.Mutex
	ch    Publisher
	queue string
}

func (p *queuePublisher) publish(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s sender: marshal message: %w", kind, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         kind,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%s sender: publish: %w", kind, err)
	}
	return nil
}

// SMSSender queues SMS messages.
type SMSSender struct {
	p *queuePublisher
}

// NewSMSSender constructs a sender publishing to queue.
func NewSMSSender(ch Publisher, queue string) *SMSSender {
	return &SMSSender{p: &queuePublisher{ch: ch, queue: queue}}
}

// SendSMS queues one message.
func (s *SMSSender) SendSMS(ctx context.Context, msg SMS) error {
	if msg.To == "" {
		return fmt.Errorf("sms sender: missing recipient")
	}
	return s.p.publish(ctx, "sms", msg)
}

// EmailSender queues emails.
type EmailSender struct {
	p *queuePublisher
}

// NewEmailSender constructs a sender publishing to queue.
func NewEmailSender(ch Publisher, queue string) *EmailSender {
	return &EmailSender{p: &queuePublisher{ch: ch, queue: queue}}
}

// SendEmail queues one email.
func (s *EmailSender) SendEmail(ctx context.Context, msg Email) error {
	if msg.To == "" {
		return fmt.Errorf("email sender: missing recipient")
	}
	return s.p.publish(ctx, "email", msg)
}
