// Package ratelimit enforces per-campaign dispatch ceilings: scheduled start,
// working hours, concurrency, calls per minute and calls per hour.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

// Reason explains why a dispatch was refused. ReasonNone means allowed.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotStarted          Reason = "not_started"
	ReasonOutsideWorkingHours Reason = "outside_working_hours"
	ReasonConcurrency         Reason = "concurrency"
	ReasonMinuteRate          Reason = "minute_rate"
	ReasonHourRate            Reason = "hour_rate"
)

// Allowed reports whether the reason permits a dispatch.
func (r Reason) Allowed() bool { return r == ReasonNone }

// Reservation is the request for one concurrency slot.
type Reservation struct {
	CampaignID       uuid.UUID
	SlotID           string
	Now              time.Time
	ConcurrencyLimit int
	MinInterval      time.Duration
	HourLimit        int
	// SlotTTL bounds how long an unreleased slot counts as active.
	SlotTTL time.Duration
}

// Usage is the counter snapshot of a campaign.
type Usage struct {
	ActiveCalls int
	LastCallAt  time.Time
	HourCount   int
}

// Store keeps the counters. Reserve must check and update as one atomic step
// and report the last call time it replaced so Cancel can restore it.
type Store interface {
	Reserve(ctx context.Context, r Reservation) (Reason, time.Time, error)
	Release(ctx context.Context, campaignID uuid.UUID, slotID string) (bool, error)
	Cancel(ctx context.Context, lease Lease) error
	Usage(ctx context.Context, campaignID uuid.UUID, now time.Time) (Usage, error)
}

// Lease is a granted slot. It is released when the call settles or cancelled
// when no call was placed with it.
type Lease struct {
	CampaignID   uuid.UUID
	SlotID       string
	At           time.Time
	PrevLastCall time.Time
}

// Limiter evaluates campaign settings against the counter store.
type Limiter struct {
	store      Store
	settlement time.Duration
}

// New constructs a limiter. settlement is how long a slot stays active when
// no terminal webhook releases it.
func New(store Store, settlement time.Duration) *Limiter {
	if settlement <= 0 {
		settlement = 10 * time.Minute
	}
	return &Limiter{store: store, settlement: settlement}
}

// CanDispatch reports whether the campaign may place a call at now.
func (l *Limiter) CanDispatch(ctx context.Context, c *domain.Campaign, now time.Time) (bool, error) {
	reason, err := l.Check(ctx, c, now)
	if err != nil {
		return false, err
	}
	return reason.Allowed(), nil
}

// Check evaluates every gate in order without reserving anything.
func (l *Limiter) Check(ctx context.Context, c *domain.Campaign, now time.Time) (Reason, error) {
	if reason := calendarGate(c, now); !reason.Allowed() {
		return reason, nil
	}
	usage, err := l.store.Usage(ctx, c.ID, now)
	if err != nil {
		return ReasonNone, fmt.Errorf("ratelimit: usage: %w", err)
	}
	s := c.Settings
	if s.ConcurrencyLimit > 0 && usage.ActiveCalls >= s.ConcurrencyLimit {
		return ReasonConcurrency, nil
	}
	if interval := minInterval(s.CallsPerMinute); interval > 0 && !usage.LastCallAt.IsZero() && now.Sub(usage.LastCallAt) < interval {
		return ReasonMinuteRate, nil
	}
	if s.CallsPerHour > 0 && usage.HourCount >= s.CallsPerHour {
		return ReasonHourRate, nil
	}
	return ReasonNone, nil
}

// Acquire re-checks every gate and, when allowed, takes a slot identified by
// slotID while advancing the minute and hour counters. The lease is nil when
// the reason refuses the dispatch.
func (l *Limiter) Acquire(ctx context.Context, c *domain.Campaign, slotID string, now time.Time) (*Lease, Reason, error) {
	if reason := calendarGate(c, now); !reason.Allowed() {
		return nil, reason, nil
	}
	reason, prev, err := l.store.Reserve(ctx, Reservation{
		CampaignID:       c.ID,
		SlotID:           slotID,
		Now:              now,
		ConcurrencyLimit: c.Settings.ConcurrencyLimit,
		MinInterval:      minInterval(c.Settings.CallsPerMinute),
		HourLimit:        c.Settings.CallsPerHour,
		SlotTTL:          l.settlement,
	})
	if err != nil {
		return nil, ReasonNone, fmt.Errorf("ratelimit: reserve: %w", err)
	}
	if !reason.Allowed() {
		return nil, reason, nil
	}
	return &Lease{CampaignID: c.ID, SlotID: slotID, At: now, PrevLastCall: prev}, ReasonNone, nil
}

// Cancel undoes a lease that placed no call: the slot, the hour count and
// the last call time are restored.
func (l *Limiter) Cancel(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := l.store.Cancel(ctx, *lease); err != nil {
		return fmt.Errorf("ratelimit: cancel: %w", err)
	}
	return nil
}

// Release frees a slot. Releasing a slot that already expired or was
// released is a no-op.
func (l *Limiter) Release(ctx context.Context, campaignID uuid.UUID, slotID string) (bool, error) {
	released, err := l.store.Release(ctx, campaignID, slotID)
	if err != nil {
		return false, fmt.Errorf("ratelimit: release: %w", err)
	}
	return released, nil
}

func minInterval(callsPerMinute int) time.Duration {
	if callsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(callsPerMinute)
}

func hourBucket(now time.Time) int64 {
	return now.UTC().Truncate(time.Hour).Unix()
}
