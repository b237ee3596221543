package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/ratelimit"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/repository/memory"
	"github.com/acme/voice-campaign-engine/internal/telephony"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

type fakeProvider struct {
	mu    sync.Mutex
	err   error
	calls []telephony.PlaceCallRequest
}

func (f *fakeProvider) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (*telephony.PlacedCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, req)
	return &telephony.PlacedCall{ID: uuid.NewString(), Status: "queued"}, nil
}

func (f *fakeProvider) GetCall(context.Context, string) (*domain.CallResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Ping(context.Context) error { return nil }

type fixture struct {
	store    *memory.Store
	provider *fakeProvider
	d        *Dispatcher
	campaign *domain.Campaign
}

func newFixture(settings domain.CampaignSettings) *fixture {
	settings.AssistantID = "asst"
	settings.PhoneNumberID = "phone"
	store := memory.NewStore()
	campaign := &domain.Campaign{ID: uuid.New(), OrganizationID: uuid.New(), Status: domain.CampaignStatusActive, Settings: settings}
	store.PutCampaign(*campaign)
	provider := &fakeProvider{}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 10*time.Minute)
	d := New(store.Contacts(), store.Attempts(), limiter, provider, config.DispatchConfig{DefaultCountryCode: "1"}, logger.NewNop())
	return &fixture{store: store, provider: provider, d: d, campaign: campaign}
}

func (f *fixture) addContact(phone string) domain.Contact {
	c := domain.Contact{ID: uuid.New(), CampaignID: f.campaign.ID, Phone: phone, FirstName: "Ada", CallStatus: domain.CallStatusPending}
	f.store.PutContact(c)
	return c
}

func (f *fixture) status(t *testing.T, id uuid.UUID) domain.CallStatus {
	t.Helper()
	c, err := f.store.Contacts().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	return c.CallStatus
}

func TestDispatchNextRecordsAttempt(t *testing.T) {
	f := newFixture(domain.CampaignSettings{ConcurrencyLimit: 2})
	contact := f.addContact("(555) 123-4567")
	contact.RetryCount = 1
	f.store.PutContact(contact)

	attempt, err := f.d.DispatchNext(context.Background(), f.campaign)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if attempt.ContactID != contact.ID || attempt.RetryCount != 1 {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	if got := f.status(t, contact.ID); got != domain.CallStatusCalling {
		t.Fatalf("expected calling, got %s", got)
	}
	if len(f.provider.calls) != 1 || f.provider.calls[0].Customer.Number != "+15551234567" {
		t.Fatalf("unexpected provider calls %+v", f.provider.calls)
	}
	if len(f.store.AttemptsFor(contact.ID)) != 1 {
		t.Fatalf("expected exactly one attempt row")
	}
}

func TestDispatchTransientFailureMarksContactFailed(t *testing.T) {
	f := newFixture(domain.CampaignSettings{ConcurrencyLimit: 1})
	contact := f.addContact("+15551234567")
	f.provider.err = &telephony.StatusError{StatusCode: 503, Body: "unavailable"}

	_, err := f.d.DispatchNext(context.Background(), f.campaign)
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if dispatchErr.StatusCode != 503 || dispatchErr.Body != "unavailable" || !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("unexpected dispatch error %+v", dispatchErr)
	}
	if got := f.status(t, contact.ID); got != domain.CallStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if n := len(f.store.AttemptsFor(contact.ID)); n != 0 {
		t.Fatalf("expected no attempt row, got %d", n)
	}

	f.provider.err = nil
	next := f.addContact("+15557654321")
	if _, err := f.d.DispatchNext(context.Background(), f.campaign); err != nil {
		t.Fatalf("slot should be free after a failed dispatch: %v", err)
	}
	if got := f.status(t, next.ID); got != domain.CallStatusCalling {
		t.Fatalf("expected next contact calling, got %s", got)
	}
}

func TestDispatchConfigurationErrorKeepsContactPending(t *testing.T) {
	f := newFixture(domain.CampaignSettings{})
	contact := f.addContact("+15551234567")
	f.provider.err = &telephony.StatusError{StatusCode: 401, Body: "bad key"}

	_, err := f.d.DispatchNext(context.Background(), f.campaign)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := f.status(t, contact.ID); got != domain.CallStatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
}

func TestDispatchWithoutAssistantIsConfigurationError(t *testing.T) {
	f := newFixture(domain.CampaignSettings{})
	f.campaign.Settings.AssistantID = ""
	contact := f.addContact("+15551234567")

	if _, err := f.d.DispatchNext(context.Background(), f.campaign); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := f.status(t, contact.ID); got != domain.CallStatusPending {
		t.Fatalf("contact must not be claimed, got %s", got)
	}
}

func TestDispatchRespectsConcurrency(t *testing.T) {
	f := newFixture(domain.CampaignSettings{ConcurrencyLimit: 1})
	first := f.addContact("+15551234567")
	second := f.addContact("+15557654321")

	if _, err := f.d.DispatchNext(context.Background(), f.campaign); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := f.d.DispatchNext(context.Background(), f.campaign); !errors.Is(err, apperrors.ErrQuotaExceeded) {
		t.Fatalf("expected quota refusal, got %v", err)
	}
	if f.status(t, first.ID) != domain.CallStatusCalling || f.status(t, second.ID) != domain.CallStatusPending {
		t.Fatalf("expected only the first contact to be calling")
	}
}

func TestDispatchNextWithoutContactsKeepsBudget(t *testing.T) {
	f := newFixture(domain.CampaignSettings{CallsPerMinute: 1})
	ctx := context.Background()

	if _, err := f.d.DispatchNext(ctx, f.campaign); !errors.Is(err, ErrNoPendingContact) {
		t.Fatalf("expected ErrNoPendingContact, got %v", err)
	}
	f.addContact("+15551234567")
	if _, err := f.d.DispatchNext(ctx, f.campaign); err != nil {
		t.Fatalf("an empty tick must not consume the minute budget: %v", err)
	}
}

func TestDispatchContactRequiresPending(t *testing.T) {
	f := newFixture(domain.CampaignSettings{})
	contact := f.addContact("+15551234567")
	contact.CallStatus = domain.CallStatusCompleted
	f.store.PutContact(contact)

	if _, err := f.d.DispatchContact(context.Background(), f.campaign, contact.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("no call should be placed")
	}
}

func TestSettleReleasesOnce(t *testing.T) {
	f := newFixture(domain.CampaignSettings{ConcurrencyLimit: 1})
	f.addContact("+15551234567")
	f.addContact("+15557654321")
	ctx := context.Background()

	attempt, err := f.d.DispatchNext(ctx, f.campaign)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := f.d.Settle(ctx, attempt); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := f.d.Settle(ctx, attempt); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if _, err := f.d.DispatchNext(ctx, f.campaign); err != nil {
		t.Fatalf("expected slot free after settle: %v", err)
	}
}

type failingAttempts struct {
	repository.CallAttemptRepository
	mu       sync.Mutex
	failures int
}

func (f *failingAttempts) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("db down")
	}
	f.mu.Unlock()
	return f.CallAttemptRepository.Create(ctx, attempt)
}

func (f *fixture) withFailingAttempts(failures int) *failingAttempts {
	attempts := &failingAttempts{CallAttemptRepository: f.store.Attempts(), failures: failures}
	f.d.attempts = attempts
	return attempts
}

func TestDispatchPersistFailureFailsContactAndFreesSlot(t *testing.T) {
	f := newFixture(domain.CampaignSettings{ConcurrencyLimit: 1})
	f.withFailingAttempts(2)
	first := f.addContact("+15551234567")
	second := f.addContact("+15557654321")
	ctx := context.Background()

	if _, err := f.d.DispatchNext(ctx, f.campaign); err == nil {
		t.Fatalf("expected persist error")
	}
	if got := f.status(t, first.ID); got != domain.CallStatusFailed {
		t.Fatalf("expected failed contact after persist failure, got %s", got)
	}
	if n := len(f.store.AttemptsFor(first.ID)); n != 0 {
		t.Fatalf("expected no attempt row, got %d", n)
	}

	if _, err := f.d.DispatchNext(ctx, f.campaign); err != nil {
		t.Fatalf("expected the slot to be free after a persist failure: %v", err)
	}
	if got := f.status(t, second.ID); got != domain.CallStatusCalling {
		t.Fatalf("expected second contact calling, got %s", got)
	}
}

func TestDispatchPersistRetriesOnce(t *testing.T) {
	f := newFixture(domain.CampaignSettings{ConcurrencyLimit: 1})
	f.withFailingAttempts(1)
	contact := f.addContact("+15551234567")

	attempt, err := f.d.DispatchNext(context.Background(), f.campaign)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := f.status(t, contact.ID); got != domain.CallStatusCalling {
		t.Fatalf("expected calling, got %s", got)
	}
	if rows := f.store.AttemptsFor(contact.ID); len(rows) != 1 || rows[0].ID != attempt.ID {
		t.Fatalf("expected the retried insert to persist the attempt, got %+v", rows)
	}
}
