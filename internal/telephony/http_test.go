package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/acme/voice-campaign-engine/internal/config"
)

func TestHTTPProviderPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req PlaceCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Customer.Number != "+15551234567" {
			t.Errorf("unexpected number %q", req.Customer.Number)
		}
		_ = json.NewEncoder(w).Encode(PlacedCall{ID: "call-1", Status: "queued"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{BaseURL: srv.URL, APIKey: "secret"}, time.Second)
	placed, err := p.PlaceCall(context.Background(), PlaceCallRequest{Customer: Customer{Number: "+15551234567"}})
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if placed.ID != "call-1" {
		t.Fatalf("unexpected call id %q", placed.ID)
	}
}

func TestHTTPProviderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid key"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{BaseURL: srv.URL}, time.Second)
	_, err := p.PlaceCall(context.Background(), PlaceCallRequest{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || statusErr.Body != `{"message":"invalid key"}` {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestCallPayloadResult(t *testing.T) {
	started := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(200 * time.Second)
	payload := CallPayload{
		ID:        "call-1",
		StartedAt: &started,
		EndedAt:   &ended,
		Messages:  []Message{{Role: "assistant", Message: "Hi"}, {Role: "user", Message: "Hello"}},
		Recording: "https://example.test/rec.wav",
	}
	res := payload.Result()
	if res.Duration != 200*time.Second {
		t.Fatalf("expected duration from timestamps, got %s", res.Duration)
	}
	if res.Transcript != "assistant: Hi\nuser: Hello" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if res.RecordingURL != payload.Recording {
		t.Fatalf("expected recording fallback")
	}
}
