package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/store"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// The bucket lives in one hash and every mutation runs as a single
// server-side script, so concurrent processes cannot interleave their
// read-modify-write cycles.
var (
	acquireScript = valkey.NewLuaScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  last = now
end

if now - last >= interval then
  local ticks = math.floor((now - last) / interval)
  tokens = math.min(capacity, tokens + ticks * refill)
  last = last + ticks * interval
end

local ok = 0
if tokens > 0 then
  tokens = tokens - 1
  ok = 1
  redis.call('HINCRBY', key, 'in_flight', 1)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last)
return ok
`)

	releaseScript = valkey.NewLuaScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local success = tonumber(ARGV[2])

local inflight = tonumber(redis.call('HGET', key, 'in_flight') or '0')
if inflight > 0 then
  redis.call('HINCRBY', key, 'in_flight', -1)
end

if success == 0 then
  local tokens = tonumber(redis.call('HGET', key, 'tokens') or '0')
  if tokens < capacity then
    redis.call('HINCRBY', key, 'tokens', 1)
  end
end
return 1
`)

	stateScript = valkey.NewLuaScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms', 'in_flight')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
local inflight = tonumber(state[3])
if tokens == nil then
  tokens = capacity
  last = now
end
if inflight == nil then
  inflight = 0
end

if now - last >= interval then
  local ticks = math.floor((now - last) / interval)
  tokens = math.min(capacity, tokens + ticks * refill)
  last = last + ticks * interval
end

return {tokens, last, inflight}
`)
)

// bucketOps isolates the server-side bucket so the limiter's behavior is
// testable without a live valkey.
type bucketOps interface {
	acquire(ctx context.Context, key string, capacity int, refill int, intervalMs int64, nowMs int64) (bool, error)
	release(ctx context.Context, key string, capacity int, success bool) error
	state(ctx context.Context, key string, capacity int, refill int, intervalMs int64, nowMs int64) (tokens int, lastRefillMs int64, inFlight int, err error)
}

type luaBucketOps struct {
	client valkey.Client
}

func (o luaBucketOps) acquire(ctx context.Context, key string, capacity int, refill int, intervalMs int64, nowMs int64) (bool, error) {
	res := acquireScript.Exec(ctx, o.client, []string{key}, []string{
		strconv.Itoa(capacity),
		strconv.Itoa(refill),
		strconv.FormatInt(intervalMs, 10),
		strconv.FormatInt(nowMs, 10),
	})
	n, err := res.AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o luaBucketOps) release(ctx context.Context, key string, capacity int, success bool) error {
	successFlag := "0"
	if success {
		successFlag = "1"
	}
	return releaseScript.Exec(ctx, o.client, []string{key}, []string{
		strconv.Itoa(capacity),
		successFlag,
	}).Error()
}

func (o luaBucketOps) state(ctx context.Context, key string, capacity int, refill int, intervalMs int64, nowMs int64) (int, int64, int, error) {
	res := stateScript.Exec(ctx, o.client, []string{key}, []string{
		strconv.Itoa(capacity),
		strconv.Itoa(refill),
		strconv.FormatInt(intervalMs, 10),
		strconv.FormatInt(nowMs, 10),
	})
	values, err := res.AsIntSlice()
	if err != nil {
		return 0, 0, 0, err
	}
	if len(values) != 3 {
		return 0, 0, 0, errUnexpectedReply
	}
	return int(values[0]), values[1], int(values[2]), nil
}

var errUnexpectedReply = errors.New("ratelimit: unexpected script reply")

// SharedLimiter coordinates the bucket across processes through the
// durable store. While the store is unreachable it degrades to a
// process-local bucket so fetches stay bounded rather than unbounded or
// frozen, and reattaches on the next successful call.
type SharedLimiter struct {
	log        zerolog.Logger
	ops        bucketOps
	key        string
	capacity   int
	refillRate int
	interval   time.Duration

	mu       sync.Mutex
	degraded bool
	fallback *LocalLimiter

	now func() time.Time
}

// NewSharedLimiter builds the valkey-backed limiter.
func NewSharedLimiter(log logger.Logger, client valkey.Client, capacity int, refillRate int, interval time.Duration) *SharedLimiter {
	return newSharedLimiter(log, luaBucketOps{client: client}, capacity, refillRate, interval)
}

func newSharedLimiter(log logger.Logger, ops bucketOps, capacity int, refillRate int, interval time.Duration) *SharedLimiter {
	return &SharedLimiter{
		log:        log.With().Str("module", "ratelimit").Str("mode", "shared").Logger(),
		ops:        ops,
		key:        store.KeyRateLimiter,
		capacity:   capacity,
		refillRate: refillRate,
		interval:   interval,
		fallback:   NewLocalLimiter(log, capacity, refillRate, interval),
		now:        time.Now,
	}
}

func (s *SharedLimiter) Acquire(ctx context.Context) bool {
	ok, err := s.ops.acquire(ctx, s.key, s.capacity, s.refillRate, s.interval.Milliseconds(), s.now().UnixMilli())
	if err != nil {
		s.noteDegraded(err)
		return s.fallback.Acquire(ctx)
	}
	s.noteHealthy()
	return ok
}

func (s *SharedLimiter) Release(ctx context.Context, success bool) {
	if s.isDegraded() {
		// the token was taken from the fallback bucket, return it there
		s.fallback.Release(ctx, success)
		return
	}
	if err := s.ops.release(ctx, s.key, s.capacity, success); err != nil {
		s.noteDegraded(err)
		s.fallback.Release(ctx, success)
	}
}

func (s *SharedLimiter) State(ctx context.Context) domain.RateLimiterState {
	tokens, lastRefillMs, inFlight, err := s.ops.state(ctx, s.key, s.capacity, s.refillRate, s.interval.Milliseconds(), s.now().UnixMilli())
	if err != nil {
		s.noteDegraded(err)
		return s.fallback.State(ctx)
	}
	s.noteHealthy()

	return domain.RateLimiterState{
		Tokens:       tokens,
		Capacity:     s.capacity,
		InFlight:     inFlight,
		LastRefillAt: time.UnixMilli(lastRefillMs),
		Distributed:  true,
	}
}

func (s *SharedLimiter) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *SharedLimiter) noteDegraded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		s.degraded = true
		s.log.Warn().Err(err).Msg("shared rate limiter unreachable, degrading to process-local bucket")
	}
}

func (s *SharedLimiter) noteHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		s.degraded = false
		s.log.Info().Msg("shared rate limiter reachable again")
	}
}
