package channels

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type capturePublisher struct {
	key  string
	msgs []amqp.Publishing
}

func (c *capturePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.key = key
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestSMSSenderPublishesPersistentJSON(t *testing.T) {
	pub := &capturePublisher{}
	sender := NewSMSSender(pub, "outbound_sms")
	org := uuid.New()

	if err := sender.SendSMS(context.Background(), SMS{OrganizationID: org, To: "+15551234567", Body: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.key != "outbound_sms" || len(pub.msgs) != 1 {
		t.Fatalf("expected one message on outbound_sms, got %q %d", pub.key, len(pub.msgs))
	}
	if pub.msgs[0].DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery")
	}
	var decoded SMS
	if err := json.Unmarshal(pub.msgs[0].Body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.OrganizationID != org || decoded.Body != "hi" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestEmailSenderRequiresRecipient(t *testing.T) {
	sender := NewEmailSender(&capturePublisher{}, "outbound_email")
	if err := sender.SendEmail(context.Background(), Email{Subject: "x"}); err == nil {
		t.Fatalf("expected missing recipient to fail")
	}
}
