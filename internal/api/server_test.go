package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/api/auth"
	"github.com/acme/voice-campaign-engine/internal/api/handlers"
	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/repository/memory"
	"github.com/acme/voice-campaign-engine/internal/webhook"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

type noopSettler struct{}

func (noopSettler) Settle(context.Context, *domain.CallAttempt) error { return nil }

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(_ context.Context, call domain.CallAttempt) (*domain.QueueItem, error) {
	return &domain.QueueItem{ID: uuid.New(), CallID: call.ProviderCallID}, nil
}

type fakeHealth struct {
	latest *domain.HealthRecord
	checks int
}

func (f *fakeHealth) Latest(context.Context) (*domain.HealthRecord, error) { return f.latest, nil }

func (f *fakeHealth) CheckNow(context.Context) (domain.HealthRecord, error) {
	f.checks++
	rec := domain.HealthRecord{Provider: "vapi", Status: domain.HealthDegraded, ResponseTime: 6 * time.Second, CheckedAt: time.Now().UTC()}
	f.latest = &rec
	return rec, nil
}

type fakeQueue struct{ failed map[uuid.UUID]bool }

func (f *fakeQueue) Requeue(_ context.Context, id uuid.UUID) error {
	if !f.failed[id] {
		return repository.ErrConflict
	}
	delete(f.failed, id)
	return nil
}

type fakeSequences struct{}

func (fakeSequences) Enroll(_ context.Context, sequenceID, contactID uuid.UUID) (*domain.SequenceProgress, error) {
	return &domain.SequenceProgress{ID: uuid.New(), SequenceID: sequenceID, ContactID: contactID, Status: domain.ProgressActive}, nil
}

func (fakeSequences) Resume(context.Context, uuid.UUID) error {
	return apperrors.ErrInvalidTransition
}

type harness struct {
	server *Server
	store  *memory.Store
	health *fakeHealth
	queue  *fakeQueue
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	log := logger.NewNop()
	verifier, err := auth.NewVerifier(config.AuthConfig{JWTSecret: "test-secret"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Issue("operator", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	h := &harness{store: store, health: &fakeHealth{}, queue: &fakeQueue{failed: map[uuid.UUID]bool{}}, token: token}
	set := handlers.NewHandlerSet(handlers.Dependencies{
		Webhook:   webhook.NewHandler(store.Attempts(), store.Contacts(), store.Events(), noopSettler{}, noopEnqueuer{}, nil, log),
		Health:    h.health,
		Queue:     h.queue,
		Events:    store.Events(),
		Sequences: fakeSequences{},
		Auth:      verifier,
		Logger:    log,
	})
	h.server = NewServer(config.HTTPConfig{}, set)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, authed bool) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestWebhookRecordsAndArchives(t *testing.T) {
	h := newHarness(t)
	contact := domain.Contact{ID: uuid.New(), CampaignID: uuid.New(), CallStatus: domain.CallStatusCalling}
	h.store.PutContact(contact)
	h.store.PutAttempt(domain.CallAttempt{ID: uuid.New(), CampaignID: contact.CampaignID, ContactID: contact.ID, ProviderCallID: "call-7"})

	body := `{"message":{"type":"end-of-call-report","call":{"id":"call-7","endedReason":"customer-busy","duration":0}}}`
	status, _ := h.do(t, http.MethodPost, "/webhooks/provider", body, false)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	c, _ := h.store.Contacts().Get(context.Background(), contact.ID)
	if c.CallStatus != domain.CallStatusFailed {
		t.Fatalf("busy call must fail the contact, got %s", c.CallStatus)
	}

	status, out := h.do(t, http.MethodGet, "/calls/call-7/events", "", true)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	events, _ := out["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected one archived event, got %v", out)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodPost, "/webhooks/provider", `{"type":"call-ended","call":{}}`, false)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a result without call id, got %d", status)
	}
}

func TestProviderHealthRoutes(t *testing.T) {
	h := newHarness(t)

	status, out := h.do(t, http.MethodGet, "/health/provider", "", false)
	if status != http.StatusOK || out["status"] != string(domain.HealthHealthy) || out["last_checked"] != nil {
		t.Fatalf("expected healthy default without records, got %d %v", status, out)
	}

	if status, _ := h.do(t, http.MethodPost, "/health/provider/check", "", false); status != http.StatusUnauthorized {
		t.Fatalf("manual check must require a token, got %d", status)
	}
	status, out = h.do(t, http.MethodPost, "/health/provider/check", "", true)
	if status != http.StatusOK || out["status"] != string(domain.HealthDegraded) {
		t.Fatalf("unexpected check response %d %v", status, out)
	}
	if out["response_time_ms"].(float64) != 6000 {
		t.Fatalf("expected response time in ms, got %v", out["response_time_ms"])
	}
	if h.health.checks != 1 {
		t.Fatalf("expected one probe, got %d", h.health.checks)
	}
}

func TestRequeueRoute(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	h.queue.failed[id] = true

	if status, _ := h.do(t, http.MethodPost, "/queue/"+id.String()+"/requeue", "", true); status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if status, _ := h.do(t, http.MethodPost, "/queue/"+id.String()+"/requeue", "", true); status != http.StatusConflict {
		t.Fatalf("expected 409 for an item that is not failed, got %d", status)
	}
	if status, _ := h.do(t, http.MethodPost, "/queue/not-a-uuid/requeue", "", true); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad id, got %d", status)
	}
}

func TestSequenceRoutes(t *testing.T) {
	h := newHarness(t)
	seqID := uuid.New()
	contactID := uuid.New()

	status, out := h.do(t, http.MethodPost, "/sequences/"+seqID.String()+"/enrollments", `{"contact_id":"`+contactID.String()+`"}`, true)
	if status != http.StatusCreated || out["contact_id"] != contactID.String() {
		t.Fatalf("unexpected enroll response %d %v", status, out)
	}
	status, _ = h.do(t, http.MethodPost, "/sequences/progress/"+uuid.NewString()+"/resume", "", true)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for a row that is not paused, got %d", status)
	}
}

func TestErrorTranslationKeepsUnknownErrorsInternal(t *testing.T) {
	h := newHarness(t)
	h.server.App().Get("/boom", func(*fiber.Ctx) error { return errors.New("boom") })
	status, _ := h.do(t, http.MethodGet, "/boom", "", false)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
}

func TestUnknownRouteIsNotFoundWithoutToken(t *testing.T) {
	h := newHarness(t)
	if status, _ := h.do(t, http.MethodGet, "/no-such-route", "", false); status != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown route, got %d", status)
	}
	if status, _ := h.do(t, http.MethodPost, "/queue/"+uuid.NewString()+"/requeue", "", false); status != http.StatusUnauthorized {
		t.Fatalf("protected routes must still require a token, got %d", status)
	}
}
