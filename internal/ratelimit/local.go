package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
)

// LocalLimiter keeps the bucket in process memory behind a mutex. This is
// the right mode when a single process runs all workers.
type LocalLimiter struct {
	log        zerolog.Logger
	capacity   int
	refillRate int
	interval   time.Duration

	mu         sync.Mutex
	tokens     int
	inFlight   int
	lastRefill time.Time

	// now is swapped out by tests
	now func() time.Time
}

// NewLocalLimiter returns a full bucket. refillRate tokens are added back
// per interval, capped at capacity.
func NewLocalLimiter(log logger.Logger, capacity int, refillRate int, interval time.Duration) *LocalLimiter {
	l := &LocalLimiter{
		log:        log.With().Str("module", "ratelimit").Str("mode", "local").Logger(),
		capacity:   capacity,
		refillRate: refillRate,
		interval:   interval,
		tokens:     capacity,
		now:        time.Now,
	}
	l.lastRefill = l.now()
	return l
}

// refillLocked adds refillRate tokens per whole elapsed interval. Partial
// intervals carry over via lastRefill so no time is lost between calls.
func (l *LocalLimiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed < l.interval {
		return
	}

	ticks := int(elapsed / l.interval)
	l.tokens += ticks * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(ticks) * l.interval)
}

func (l *LocalLimiter) Acquire(_ context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.tokens <= 0 {
		return false
	}

	l.tokens--
	l.inFlight++
	return true
}

func (l *LocalLimiter) Release(_ context.Context, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}

	// a failed attempt did not really spend upstream budget
	if !success && l.tokens < l.capacity {
		l.tokens++
	}
}

func (l *LocalLimiter) State(_ context.Context) domain.RateLimiterState {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	return domain.RateLimiterState{
		Tokens:       l.tokens,
		Capacity:     l.capacity,
		InFlight:     l.inFlight,
		LastRefillAt: l.lastRefill,
		Distributed:  false,
	}
}
