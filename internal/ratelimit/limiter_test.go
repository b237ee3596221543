package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

func newCampaign(settings domain.CampaignSettings) *domain.Campaign {
	return &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusActive, Settings: settings}
}

func TestAcquireRespectsConcurrencyUnderContention(t *testing.T) {
	limiter := New(NewMemoryStore(), time.Minute)
	campaign := newCampaign(domain.CampaignSettings{ConcurrencyLimit: 3})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, reason, err := limiter.Acquire(context.Background(), campaign, uuid.NewString(), now)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if reason.Allowed() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != 3 {
		t.Fatalf("expected exactly 3 slots granted, got %d", granted)
	}
}

func TestMinuteSpacing(t *testing.T) {
	limiter := New(NewMemoryStore(), time.Hour)
	campaign := newCampaign(domain.CampaignSettings{CallsPerMinute: 2})
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	if _, reason, _ := limiter.Acquire(ctx, campaign, "a", now); !reason.Allowed() {
		t.Fatalf("first dispatch refused: %s", reason)
	}
	if _, reason, _ := limiter.Acquire(ctx, campaign, "b", now.Add(29*time.Second)); reason != ReasonMinuteRate {
		t.Fatalf("expected minute rate refusal, got %q", reason)
	}
	if ok, _ := limiter.CanDispatch(ctx, campaign, now.Add(29*time.Second)); ok {
		t.Fatalf("CanDispatch must agree with Acquire")
	}
	if _, reason, _ := limiter.Acquire(ctx, campaign, "c", now.Add(30*time.Second)); !reason.Allowed() {
		t.Fatalf("expected dispatch after 30s, got %q", reason)
	}
}

func TestHourCap(t *testing.T) {
	limiter := New(NewMemoryStore(), time.Hour)
	campaign := newCampaign(domain.CampaignSettings{CallsPerHour: 2})
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i, slot := range []string{"a", "b"} {
		if _, reason, _ := limiter.Acquire(ctx, campaign, slot, now.Add(time.Duration(i)*time.Minute)); !reason.Allowed() {
			t.Fatalf("dispatch %d refused: %s", i, reason)
		}
	}
	if _, reason, _ := limiter.Acquire(ctx, campaign, "c", now.Add(5*time.Minute)); reason != ReasonHourRate {
		t.Fatalf("expected hour cap, got %q", reason)
	}
	if _, reason, _ := limiter.Acquire(ctx, campaign, "d", now.Add(time.Hour)); !reason.Allowed() {
		t.Fatalf("expected new hour bucket to allow dispatch, got %q", reason)
	}
}

func TestReleaseIsIdempotentAndSlotsExpire(t *testing.T) {
	limiter := New(NewMemoryStore(), 10*time.Minute)
	campaign := newCampaign(domain.CampaignSettings{ConcurrencyLimit: 1})
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	if _, reason, _ := limiter.Acquire(ctx, campaign, "a", now); !reason.Allowed() {
		t.Fatalf("acquire refused: %s", reason)
	}
	if _, reason, _ := limiter.Acquire(ctx, campaign, "b", now.Add(time.Minute)); reason != ReasonConcurrency {
		t.Fatalf("expected concurrency refusal, got %q", reason)
	}
	released, _ := limiter.Release(ctx, campaign.ID, "a")
	if !released {
		t.Fatalf("expected first release to free the slot")
	}
	released, _ = limiter.Release(ctx, campaign.ID, "a")
	if released {
		t.Fatalf("second release must be a no-op")
	}

	if _, reason, _ := limiter.Acquire(ctx, campaign, "b", now.Add(time.Minute)); !reason.Allowed() {
		t.Fatalf("acquire after release refused: %s", reason)
	}
	if ok, _ := limiter.CanDispatch(ctx, campaign, now.Add(11*time.Minute)); !ok {
		t.Fatalf("expected slot to expire after the settlement timeout")
	}
}

func TestScheduledStart(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	limiter := New(NewMemoryStore(), time.Minute)
	campaign := newCampaign(domain.CampaignSettings{WhenToSend: domain.SendScheduled, StartedAt: &start})

	reason, _ := limiter.Check(context.Background(), campaign, start.Add(-time.Second))
	if reason != ReasonNotStarted {
		t.Fatalf("expected not started, got %q", reason)
	}
	reason, _ = limiter.Check(context.Background(), campaign, start)
	if !reason.Allowed() {
		t.Fatalf("expected dispatch at start time, got %q", reason)
	}
}

func TestWithinWorkingHours(t *testing.T) {
	settings := domain.CampaignSettings{
		TimeZone:            "UTC",
		WorkingHoursEnabled: true,
		WorkingHours: map[time.Weekday]domain.WorkingDay{
			time.Monday: {Enabled: true, Start: "09:00", End: "17:00"},
			time.Sunday: {Enabled: false, Start: "09:00", End: "17:00"},
		},
	}

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !withinWorkingHours(mondayMorning, settings) {
		t.Fatalf("expected %v to be within working hours", mondayMorning)
	}

	mondayClose := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	if !withinWorkingHours(mondayClose, settings) {
		t.Fatalf("expected the end minute to be inclusive")
	}

	mondayNight := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	if withinWorkingHours(mondayNight, settings) {
		t.Fatalf("expected %v to be outside working hours", mondayNight)
	}

	sunday := time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC)
	if withinWorkingHours(sunday, settings) {
		t.Fatalf("expected disabled day to be closed")
	}

	tuesday := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if withinWorkingHours(tuesday, settings) {
		t.Fatalf("expected missing day to be closed")
	}
}

func TestWithinWorkingHoursSpanningMidnight(t *testing.T) {
	settings := domain.CampaignSettings{
		TimeZone: "America/New_York",
		WorkingHours: map[time.Weekday]domain.WorkingDay{
			time.Monday: {Enabled: true, Start: "22:00", End: "02:00"},
		},
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, loc)
	if !withinWorkingHours(night, settings) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2024, 1, 2, 1, 0, 0, 0, loc)
	if !withinWorkingHours(earlyMorning, settings) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}

	afternoon := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	if withinWorkingHours(afternoon, settings) {
		t.Fatalf("expected %v to be outside the window", afternoon)
	}
}

func TestCancelRestoresBudget(t *testing.T) {
	limiter := New(NewMemoryStore(), time.Hour)
	campaign := newCampaign(domain.CampaignSettings{ConcurrencyLimit: 1, CallsPerMinute: 1, CallsPerHour: 1})
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	lease, reason, err := limiter.Acquire(ctx, campaign, "a", now)
	if err != nil || !reason.Allowed() || lease == nil {
		t.Fatalf("acquire: %v %q", err, reason)
	}
	if err := limiter.Cancel(ctx, lease); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, reason, _ := limiter.Acquire(ctx, campaign, "b", now.Add(time.Second)); !reason.Allowed() {
		t.Fatalf("expected cancelled lease to leave no trace, got %q", reason)
	}
}
