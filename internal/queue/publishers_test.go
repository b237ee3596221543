package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/voice-campaign-engine/internal/health"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestDispatchRequestKeyedByContact(t *testing.T) {
	w := &captureWriter{}
	p := &DispatchRequestPublisher{writer: w}
	req := DispatchRequest{RequestID: uuid.New(), CampaignID: uuid.New(), ContactID: uuid.New(), RequestedAt: time.Now().UTC()}

	if err := p.RequestCall(context.Background(), req); err != nil {
		t.Fatalf("request call: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != string(req.ContactID[:]) {
		t.Fatalf("expected message keyed by contact id")
	}
	var decoded DispatchRequest
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ContactID != req.ContactID || decoded.CampaignID != req.CampaignID {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestNotifierKeyedByOrganization(t *testing.T) {
	w := &captureWriter{}
	n := &Notifier{writer: w}
	org := uuid.New()

	err := n.Notify(context.Background(), health.Notification{Kind: health.NotificationCampaignsPaused, OrganizationID: org, Count: 2})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if string(w.msgs[0].Key) != string(org[:]) {
		t.Fatalf("expected message keyed by organization id")
	}
}
