package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/repository/memory"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	err    error
	seen   []string
	transc []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, call domain.CallAttempt, _ *domain.Campaign) (domain.AnalysisResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, call.ProviderCallID)
	a.transc = append(a.transc, call.Transcript)
	if a.err != nil {
		return domain.AnalysisResult{}, a.err
	}
	return domain.AnalysisResult{Outcome: "interested", Sentiment: "positive", Summary: "ok"}, nil
}

type fakeCalls struct{ transcript string }

func (f fakeCalls) GetCall(_ context.Context, id string) (*domain.CallResult, error) {
	return &domain.CallResult{ProviderCallID: id, Transcript: f.transcript}, nil
}

type fixture struct {
	store    *memory.Store
	analyzer *fakeAnalyzer
	queue    *Queue
	now      time.Time
	campaign domain.Campaign
}

func newFixture() *fixture {
	f := &fixture{
		store:    memory.NewStore(),
		analyzer: &fakeAnalyzer{},
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.campaign = domain.Campaign{ID: uuid.New(), OrganizationID: uuid.New(), Status: domain.CampaignStatusActive}
	f.store.PutCampaign(f.campaign)
	f.queue = NewQueue(f.store.Queue(), f.store.Attempts(), f.store.Campaigns(), f.analyzer, fakeCalls{transcript: "fetched"},
		config.ProcessingConfig{}, logger.NewNop(), nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) call(id string, duration time.Duration, status string) domain.CallAttempt {
	a := domain.CallAttempt{ID: uuid.New(), CampaignID: f.campaign.ID, ContactID: uuid.New(), OrganizationID: f.campaign.OrganizationID,
		ProviderCallID: id, Duration: duration, Status: status, Transcript: "agent: hello"}
	f.store.PutAttempt(a)
	return a
}

func TestPriority(t *testing.T) {
	cases := []struct {
		name string
		call domain.CallAttempt
		want int
	}{
		{"base", domain.CallAttempt{}, 5},
		{"medium call", domain.CallAttempt{Duration: 200 * time.Second}, 6},
		{"boundary 180s", domain.CallAttempt{Duration: 180 * time.Second}, 5},
		{"boundary 300s", domain.CallAttempt{Duration: 300 * time.Second}, 6},
		{"long completed", domain.CallAttempt{Duration: 301 * time.Second, Status: "completed"}, 8},
		{"interested", domain.CallAttempt{Summary: "Customer is Interested"}, 7},
		{"clamped", domain.CallAttempt{Duration: 320 * time.Second, Status: "completed", Summary: "booked an appointment"}, 10},
	}
	for _, tc := range cases {
		if got := Priority(tc.call); got != tc.want {
			t.Fatalf("%s: priority = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestEnqueueDuplicateIsAlreadyQueued(t *testing.T) {
	f := newFixture()
	call := f.call("call-1", 60*time.Second, "ended")
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, call); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, call); !errors.Is(err, repository.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if n := len(f.store.QueueItems()); n != 1 {
		t.Fatalf("expected one item, got %d", n)
	}
}

func TestFastPathProcessesInline(t *testing.T) {
	f := newFixture()
	call := f.call("hot", 320*time.Second, "completed")
	call.Summary = "wants an appointment"

	item, err := f.queue.Enqueue(context.Background(), call)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.Priority != 10 || item.Status != domain.QueueCompleted {
		t.Fatalf("expected completed item with priority 10, got %d %s", item.Priority, item.Status)
	}
	stored, _ := f.store.Attempts().GetByProviderCallID(context.Background(), "hot")
	if stored.Analysis == nil || stored.Analysis.Outcome != "interested" {
		t.Fatalf("expected analysis written back to the call")
	}
}

func TestPollOrdersByPriorityThenAge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	older := f.call("older", 200*time.Second, "ended")
	if _, err := f.queue.Enqueue(ctx, older); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	newer := f.call("newer", 200*time.Second, "ended")
	if _, err := f.queue.Enqueue(ctx, newer); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	low := f.call("low", 10*time.Second, "ended")
	if _, err := f.queue.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := f.queue.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	want := []string{"older", "newer", "low"}
	if len(f.analyzer.seen) != len(want) {
		t.Fatalf("expected %d scored calls, got %v", len(want), f.analyzer.seen)
	}
	for i := range want {
		if f.analyzer.seen[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, f.analyzer.seen)
		}
	}
}

func TestScoringFailureBacksOffUntilRequeued(t *testing.T) {
	f := newFixture()
	f.analyzer.err = errors.New("model overloaded")
	ctx := context.Background()

	item, err := f.queue.Enqueue(ctx, f.call("flaky", 60*time.Second, "ended"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, _ := f.store.Queue().Get(ctx, item.ID)
	if got.Status != domain.QueueFailed || got.Attempts != 1 {
		t.Fatalf("expected failed item with one attempt, got %s %d", got.Status, got.Attempts)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(f.now.Add(5*time.Minute)) {
		t.Fatalf("expected next retry at now+5m, got %v", got.NextRetryAt)
	}

	f.now = f.now.Add(10 * time.Minute)
	if err := f.queue.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.analyzer.seen) != 1 {
		t.Fatalf("failed items must not be retried without a requeue")
	}

	f.analyzer.err = nil
	if err := f.queue.Requeue(ctx, item.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := f.queue.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got, _ = f.store.Queue().Get(ctx, item.ID)
	if got.Status != domain.QueueCompleted || got.Result == nil {
		t.Fatalf("expected completed item after requeue, got %s", got.Status)
	}
}

func TestMissingTranscriptIsFetched(t *testing.T) {
	f := newFixture()
	call := f.call("no-transcript", 60*time.Second, "ended")
	call.Transcript = ""
	f.store.PutAttempt(call)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, call); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.analyzer.transc) != 1 || f.analyzer.transc[0] != "fetched" {
		t.Fatalf("expected the provider transcript to be scored, got %v", f.analyzer.transc)
	}
}
