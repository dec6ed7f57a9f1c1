// Package ratelimit implements the token bucket guarding outbound
// watchlist fetches. The bucket refills lazily from elapsed wall-clock
// time, so there is no background timer to drift.
package ratelimit

import (
	"context"

	"github.com/flurbudurbur/Eiga/internal/domain"
)

// Limiter is the throttle all workers share. Acquire never blocks: a false
// return means no token is available and the caller decides how to back
// off. Release with success=false refunds the token since the attempt was
// wasted.
type Limiter interface {
	Acquire(ctx context.Context) bool
	Release(ctx context.Context, success bool)
	State(ctx context.Context) domain.RateLimiterState
}
