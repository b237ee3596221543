package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/goleak"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/queue"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/repository/memory"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

type chanReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed int
	closed    bool
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *chanReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *chanReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

type stubDispatcher struct {
	mu       sync.Mutex
	contacts []uuid.UUID
	err      error
}

func (d *stubDispatcher) DispatchContact(_ context.Context, _ *domain.Campaign, contactID uuid.UUID) (*domain.CallAttempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts = append(d.contacts, contactID)
	if d.err != nil {
		return nil, d.err
	}
	return &domain.CallAttempt{ID: uuid.New(), ContactID: contactID, ProviderCallID: "p-" + contactID.String()}, nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contacts)
}

type stubHealth struct{ status domain.HealthStatus }

func (s stubHealth) Current(context.Context) (domain.HealthStatus, error) { return s.status, nil }

func message(t *testing.T, req queue.DispatchRequest) kafka.Message {
	t.Helper()
	value, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Value: value}
}

func setup(status domain.HealthStatus, dispatcher *stubDispatcher) (*Worker, *memory.Store, domain.Campaign) {
	store := memory.NewStore()
	campaign := domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusActive}
	store.PutCampaign(campaign)
	w := New(&chanReader{msgs: make(chan kafka.Message)}, store.Campaigns(), dispatcher, stubHealth{status: status}, logger.NewNop())
	return w, store, campaign
}

func TestHandleDispatchesActiveCampaign(t *testing.T) {
	d := &stubDispatcher{}
	w, _, campaign := setup(domain.HealthHealthy, d)
	contactID := uuid.New()

	if err := w.handle(context.Background(), message(t, queue.DispatchRequest{CampaignID: campaign.ID, ContactID: contactID})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if d.count() != 1 || d.contacts[0] != contactID {
		t.Fatalf("expected the requested contact to be dialled")
	}
}

func TestHandleSkipsWhenProviderDownOrCampaignPaused(t *testing.T) {
	d := &stubDispatcher{}
	w, _, campaign := setup(domain.HealthDown, d)
	if err := w.handle(context.Background(), message(t, queue.DispatchRequest{CampaignID: campaign.ID, ContactID: uuid.New()})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	w2, store, _ := setup(domain.HealthHealthy, d)
	reason := domain.PausedReasonProviderOutage
	paused := domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusPaused, PausedReason: &reason}
	store.PutCampaign(paused)
	if err := w2.handle(context.Background(), message(t, queue.DispatchRequest{CampaignID: paused.ID, ContactID: uuid.New()})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if d.count() != 0 {
		t.Fatalf("no call may be placed, got %d", d.count())
	}
}

func TestHandleTreatsRateLimitAndConflictAsDone(t *testing.T) {
	for _, dispatchErr := range []error{
		fmt.Errorf("dispatch: %w: concurrency", apperrors.ErrQuotaExceeded),
		fmt.Errorf("dispatch: claim contact: %w", repository.ErrConflict),
	} {
		w, _, campaign := setup(domain.HealthHealthy, &stubDispatcher{err: dispatchErr})
		if err := w.handle(context.Background(), message(t, queue.DispatchRequest{CampaignID: campaign.ID, ContactID: uuid.New()})); err != nil {
			t.Fatalf("expected %v to be absorbed, got %v", dispatchErr, err)
		}
	}

	w, _, campaign := setup(domain.HealthHealthy, &stubDispatcher{err: errors.New("provider exploded")})
	if err := w.handle(context.Background(), message(t, queue.DispatchRequest{CampaignID: campaign.ID, ContactID: uuid.New()})); err == nil {
		t.Fatalf("expected other dispatch errors to surface")
	}
}

func TestRunCommitsEveryMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &stubDispatcher{}
	store := memory.NewStore()
	campaign := domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusActive}
	store.PutCampaign(campaign)
	reader := &chanReader{msgs: make(chan kafka.Message)}
	w := New(reader, store.Campaigns(), d, nil, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	reader.msgs <- kafka.Message{Value: []byte("not json")}
	reader.msgs <- message(t, queue.DispatchRequest{CampaignID: campaign.ID, ContactID: uuid.New()})

	deadline := time.Now().Add(2 * time.Second)
	for reader.commits() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if reader.commits() != 2 || d.count() != 1 {
		t.Fatalf("expected two commits and one dispatch, got %d and %d", reader.commits(), d.count())
	}
	if !reader.closed {
		t.Fatalf("reader must be closed on exit")
	}
}
