package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// reserveScript prunes expired slots, checks the three counter gates and, when
// all pass, records the slot, the call time and the hour bucket.
var reserveScript = redis.NewScript(`
local slots = KEYS[1]
local last = KEYS[2]
local hour = KEYS[3]
local now = tonumber(ARGV[1])
local slot = ARGV[2]
local expires = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local interval = tonumber(ARGV[5])
local hourLimit = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', slots, '-inf', now)
if limit > 0 and redis.call('ZCARD', slots) >= limit then
  return {'concurrency', 0}
end
local lastCall = tonumber(redis.call('GET', last) or '0')
if interval > 0 and lastCall > 0 and now - lastCall < interval then
  return {'minute_rate', 0}
end
if hourLimit > 0 and tonumber(redis.call('GET', hour) or '0') >= hourLimit then
  return {'hour_rate', 0}
end

redis.call('ZADD', slots, expires, slot)
redis.call('PEXPIREAT', slots, expires)
redis.call('SET', last, ARGV[1], 'PX', 3600000)
redis.call('INCR', hour)
redis.call('PEXPIRE', hour, 7200000)
return {'ok', lastCall}
`)

// cancelScript undoes a reservation that placed no call.
var cancelScript = redis.NewScript(`
local slots = KEYS[1]
local last = KEYS[2]
local hour = KEYS[3]
local slot = ARGV[1]
local at = ARGV[2]
local prev = tonumber(ARGV[3])

if redis.call('ZREM', slots, slot) == 0 then
  return 0
end
if redis.call('GET', last) == at then
  if prev > 0 then
    redis.call('SET', last, ARGV[3], 'PX', 3600000)
  else
    redis.call('DEL', last)
  end
end
if tonumber(redis.call('GET', hour) or '0') > 0 then
  redis.call('DECR', hour)
end
return 1
`)

// RedisStore keeps counters in Redis so several scheduler instances share
// them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis backed store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "outbound"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, r Reservation) (Reason, time.Time, error) {
	now := r.Now.UnixMilli()
	keys := []string{s.slotsKey(r.CampaignID), s.lastKey(r.CampaignID), s.hourKey(r.CampaignID, r.Now)}
	res, err := reserveScript.Run(ctx, s.client, keys,
		now, r.SlotID, now+r.SlotTTL.Milliseconds(), r.ConcurrencyLimit, r.MinInterval.Milliseconds(), r.HourLimit,
	).Slice()
	if err != nil {
		return ReasonNone, time.Time{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 2 {
		return ReasonNone, time.Time{}, fmt.Errorf("redis reserve: unexpected reply %v", res)
	}
	status, _ := res[0].(string)
	if status != "ok" {
		return Reason(status), time.Time{}, nil
	}
	var prev time.Time
	if ms, ok := res[1].(int64); ok && ms > 0 {
		prev = time.UnixMilli(ms)
	}
	return ReasonNone, prev, nil
}

// Cancel implements Store.
func (s *RedisStore) Cancel(ctx context.Context, lease Lease) error {
	var prev int64
	if !lease.PrevLastCall.IsZero() {
		prev = lease.PrevLastCall.UnixMilli()
	}
	keys := []string{s.slotsKey(lease.CampaignID), s.lastKey(lease.CampaignID), s.hourKey(lease.CampaignID, lease.At)}
	at := strconv.FormatInt(lease.At.UnixMilli(), 10)
	if err := cancelScript.Run(ctx, s.client, keys, lease.SlotID, at, prev).Err(); err != nil {
		return fmt.Errorf("redis cancel: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, campaignID uuid.UUID, slotID string) (bool, error) {
	n, err := s.client.ZRem(ctx, s.slotsKey(campaignID), slotID).Result()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	return n > 0, nil
}

// Usage implements Store.
func (s *RedisStore) Usage(ctx context.Context, campaignID uuid.UUID, now time.Time) (Usage, error) {
	pipe := s.client.Pipeline()
	active := pipe.ZCount(ctx, s.slotsKey(campaignID), "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf")
	last := pipe.Get(ctx, s.lastKey(campaignID))
	hour := pipe.Get(ctx, s.hourKey(campaignID, now))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("redis usage: %w", err)
	}

	usage := Usage{ActiveCalls: int(active.Val())}
	if ms, err := last.Int64(); err == nil && ms > 0 {
		usage.LastCallAt = time.UnixMilli(ms)
	}
	if n, err := hour.Int(); err == nil {
		usage.HourCount = n
	}
	return usage, nil
}

func (s *RedisStore) slotsKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s:slots", s.prefix, campaignID)
}

func (s *RedisStore) lastKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s:last_call", s.prefix, campaignID)
}

func (s *RedisStore) hourKey(campaignID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("%s:campaign:%s:hour:%d", s.prefix, campaignID, hourBucket(now))
}
