package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps counters in process. It is safe for concurrent use and
// suits single-instance runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*campaignCounters
}

type campaignCounters struct {
	slots    map[string]time.Time
	lastCall time.Time
	hours    map[int64]int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: make(map[uuid.UUID]*campaignCounters)}
}

// Reserve implements Store.
func (m *MemoryStore) Reserve(_ context.Context, r Reservation) (Reason, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters(r.CampaignID)
	c.prune(r.Now)
	if r.ConcurrencyLimit > 0 && len(c.slots) >= r.ConcurrencyLimit {
		return ReasonConcurrency, time.Time{}, nil
	}
	if r.MinInterval > 0 && !c.lastCall.IsZero() && r.Now.Sub(c.lastCall) < r.MinInterval {
		return ReasonMinuteRate, time.Time{}, nil
	}
	bucket := hourBucket(r.Now)
	if r.HourLimit > 0 && c.hours[bucket] >= r.HourLimit {
		return ReasonHourRate, time.Time{}, nil
	}

	prev := c.lastCall
	c.slots[r.SlotID] = r.Now.Add(r.SlotTTL)
	c.lastCall = r.Now
	c.hours[bucket]++
	for b := range c.hours {
		if b < bucket {
			delete(c.hours, b)
		}
	}
	return ReasonNone, prev, nil
}

// Cancel implements Store.
func (m *MemoryStore) Cancel(_ context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[lease.CampaignID]
	if !ok {
		return nil
	}
	if _, ok := c.slots[lease.SlotID]; !ok {
		return nil
	}
	delete(c.slots, lease.SlotID)
	if c.lastCall.Equal(lease.At) {
		c.lastCall = lease.PrevLastCall
	}
	if bucket := hourBucket(lease.At); c.hours[bucket] > 0 {
		c.hours[bucket]--
	}
	return nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, campaignID uuid.UUID, slotID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return false, nil
	}
	if _, ok := c.slots[slotID]; !ok {
		return false, nil
	}
	delete(c.slots, slotID)
	return true, nil
}

// Usage implements Store.
func (m *MemoryStore) Usage(_ context.Context, campaignID uuid.UUID, now time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return Usage{}, nil
	}
	c.prune(now)
	return Usage{ActiveCalls: len(c.slots), LastCallAt: c.lastCall, HourCount: c.hours[hourBucket(now)]}, nil
}

func (m *MemoryStore) counters(id uuid.UUID) *campaignCounters {
	c, ok := m.campaigns[id]
	if !ok {
		c = &campaignCounters{slots: make(map[string]time.Time), hours: make(map[int64]int)}
		m.campaigns[id] = c
	}
	return c
}

func (c *campaignCounters) prune(now time.Time) {
	for id, expires := range c.slots {
		if !now.Before(expires) {
			delete(c.slots, id)
		}
	}
}
