// Package worker runs the fixed pool of fetch workers that drain the job
// queue.
package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/queue"
	"github.com/flurbudurbur/Eiga/internal/ratelimit"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

const (
	// tokenWait is the fixed sleep between acquire attempts while the
	// bucket is dry. Together with tokenTries it bounds how long one job
	// can hold a worker without running.
	defaultTokenWait  = 2 * time.Second
	defaultTokenTries = 15
	// deferDelay is how far a job is pushed back when no token showed up
	// within the wait budget.
	defaultDeferDelay = 5 * time.Second
	// janitorEvery is how often stalled jobs are swept back to waiting.
	defaultJanitorEvery = 30 * time.Second
	// idleAfter marks the pool idle when no job finished within it.
	idleAfter = 30 * time.Second
)

// CacheWriter stores a fetched payload as the user's current watchlist.
type CacheWriter interface {
	Put(ctx context.Context, userID string, payload []byte) error
}

// Pool runs a fixed number of workers. Each worker pulls the next eligible
// job, takes a rate-limiter token, fetches, stores the result and reports
// the outcome back to the queue.
type Pool struct {
	log         zerolog.Logger
	queue       *queue.Queue
	limiter     ratelimit.Limiter
	fetcher     domain.Fetcher
	results     CacheWriter
	concurrency int

	tokenWait    time.Duration
	tokenTries   int
	deferDelay   time.Duration
	janitorEvery time.Duration

	mu        sync.Mutex
	processed int64
	succeeded int64
	failed    int64
	startedAt time.Time
	lastDone  time.Time

	cancel context.CancelFunc
	group  *errgroup.Group

	// now is swapped out by tests
	now func() time.Time
}

func NewPool(log logger.Logger, q *queue.Queue, limiter ratelimit.Limiter, fetcher domain.Fetcher, results CacheWriter, cfg domain.WorkerConfig) *Pool {
	p := &Pool{
		log:          log.With().Str("module", "worker").Logger(),
		queue:        q,
		limiter:      limiter,
		fetcher:      fetcher,
		results:      results,
		concurrency:  cfg.Concurrency,
		tokenWait:    defaultTokenWait,
		tokenTries:   defaultTokenTries,
		deferDelay:   defaultDeferDelay,
		janitorEvery: defaultJanitorEvery,
		now:          time.Now,
	}
	if p.concurrency <= 0 {
		p.concurrency = 3
	}
	return p
}

// Start launches the workers and the stalled-job janitor. It returns
// immediately; Stop blocks until every worker has drained.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	p.group = group

	p.mu.Lock()
	p.startedAt = p.now()
	p.mu.Unlock()

	for i := 0; i < p.concurrency; i++ {
		id := i + 1
		group.Go(func() error {
			p.run(groupCtx, id)
			return nil
		})
	}
	group.Go(func() error {
		p.janitor(groupCtx)
		return nil
	})

	p.log.Info().Int("concurrency", p.concurrency).Msg("worker pool started")
}

// Stop cancels the workers and waits for in-flight jobs to report.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
	p.log.Info().Msg("worker pool stopped")
}

// Stats reports throughput counters. Idle means no job finished in the
// last 30 seconds.
func (p *Pool) Stats() domain.WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := domain.WorkerStats{
		Concurrency:     p.concurrency,
		Processed:       p.processed,
		Succeeded:       p.succeeded,
		Failed:          p.failed,
		StartedAt:       p.startedAt,
		LastCompletedAt: p.lastDone,
		Idle:            p.lastDone.IsZero() || now.Sub(p.lastDone) > idleAfter,
	}
	if !p.startedAt.IsZero() {
		stats.Uptime = strings.TrimSpace(humanize.RelTime(p.startedAt, now, "", ""))
	}
	return stats
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Debug().Msg("worker stopping")
			return
		}
		p.process(ctx, log, job)
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, job *domain.SyncJob) {
	if !p.acquireToken(ctx, log) {
		// out of budget, not a failure: push the job back untouched
		p.queue.Defer(ctx, job, p.deferDelay)
		return
	}

	log.Debug().Str("user", job.UserID).Int("attempt", job.Attempt).Msg("refreshing watchlist")

	payload, err := p.safeFetch(ctx, job.UserID)
	if err != nil {
		p.limiter.Release(ctx, false)
		p.queue.Fail(ctx, job, err)
		p.recordOutcome(false)
		return
	}
	// the upstream call went through, the token is spent either way
	p.limiter.Release(ctx, true)

	if err := p.results.Put(ctx, job.UserID, payload); err != nil {
		p.queue.Fail(ctx, job, err)
		p.recordOutcome(false)
		return
	}

	p.queue.Complete(ctx, job)
	p.recordOutcome(true)
	log.Debug().Str("user", job.UserID).Str("size", humanize.Bytes(uint64(len(payload)))).Msg("watchlist refreshed")
}

// safeFetch converts a panicking fetcher into a plain error so one bad
// response cannot take down the worker loop.
func (p *Pool) safeFetch(ctx context.Context, userID string) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("fetcher panicked: %v", r)
		}
	}()
	return p.fetcher.FetchWatchlist(ctx, userID)
}

// acquireToken loops with a short fixed sleep while the bucket is dry. The
// loop is bounded per job; callers defer the job when it returns false.
func (p *Pool) acquireToken(ctx context.Context, log zerolog.Logger) bool {
	for try := 0; try < p.tokenTries; try++ {
		if p.limiter.Acquire(ctx) {
			return true
		}
		if try == 0 {
			log.Debug().Msg("rate limiter dry, waiting for a token")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.tokenWait):
		}
	}
	return false
}

func (p *Pool) recordOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed++
	if ok {
		p.succeeded++
	} else {
		p.failed++
	}
	p.lastDone = p.now()
}

// janitor sweeps jobs whose lease expired because their worker died.
func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.janitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.queue.RequeueStalled(ctx); n > 0 {
				p.log.Warn().Int("requeued", n).Msg("stalled jobs returned to the queue")
			}
		}
	}
}
