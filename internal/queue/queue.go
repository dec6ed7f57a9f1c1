// Package queue implements the durable priority queue feeding refresh jobs
// to the worker pool. Jobs live in process memory for ordering and are
// mirrored into the store so a restart picks up where the last process
// stopped.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/store"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// pollInterval bounds how long a blocked Dequeue sleeps between checks when
// no wakeup arrives.
const pollInterval = time.Second

type item struct {
	job *domain.SyncJob
	seq uint64
}

// waitingHeap orders by priority class, FIFO within a class.
type waitingHeap []*item

func (h waitingHeap) Len() int { return len(h) }
func (h waitingHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h waitingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *waitingHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *waitingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedHeap orders by ready time.
type delayedHeap []*item

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.ReadyAt.Equal(h[j].job.ReadyAt) {
		return h[i].job.ReadyAt.Before(h[j].job.ReadyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue holds at most one live job per user across the waiting, delayed and
// active states. Completed and failed records are retained up to a bounded
// count for inspection only.
type Queue struct {
	log         zerolog.Logger
	bus         EventBus.Bus
	store       store.Store
	maxAttempts int
	baseDelay   time.Duration
	stalledTTL  time.Duration
	historyCap  int

	mu            sync.Mutex
	seq           uint64
	waiting       waitingHeap
	delayed       delayedHeap
	active        map[string]*domain.SyncJob
	byUser        map[string]*domain.SyncJob
	completedHist []domain.SyncJob
	failedHist    []domain.SyncJob
	closed        bool

	wake chan struct{}
	done chan struct{}

	// now is swapped out by tests
	now func() time.Time
}

func New(log logger.Logger, bus EventBus.Bus, st store.Store, cfg domain.QueueConfig) *Queue {
	q := &Queue{
		log:         log.With().Str("module", "queue").Logger(),
		bus:         bus,
		store:       st,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay(),
		stalledTTL:  cfg.StalledAfter(),
		historyCap:  cfg.HistoryLimit,
		active:      make(map[string]*domain.SyncJob),
		byUser:      make(map[string]*domain.SyncJob),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.baseDelay <= 0 {
		q.baseDelay = time.Minute
	}
	if q.stalledTTL <= 0 {
		q.stalledTTL = 5 * time.Minute
	}
	if q.historyCap <= 0 {
		q.historyCap = 100
	}
	return q
}

// Restore reloads jobs persisted by a previous process. Jobs that were
// active when that process died go back to waiting so they run again.
func (q *Queue) Restore(ctx context.Context) error {
	records, err := q.store.MapGetAll(ctx, store.KeyQueueJobs)
	if err != nil {
		return errors.Wrap(err, "restoring persisted jobs")
	}
	if len(records) == 0 {
		return nil
	}

	q.mu.Lock()
	now := q.now()
	var waiting, delayed []*domain.SyncJob
	for field, raw := range records {
		job := &domain.SyncJob{}
		if err := json.Unmarshal([]byte(raw), job); err != nil {
			q.log.Warn().Err(err).Str("user", field).Msg("dropping unreadable persisted job")
			continue
		}
		if _, ok := q.byUser[job.UserID]; ok {
			continue
		}
		if job.Status == domain.JobStatusDelayed && job.ReadyAt.After(now) {
			delayed = append(delayed, job)
		} else {
			waiting = append(waiting, job)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].EnqueuedAt.Before(waiting[j].EnqueuedAt)
	})
	for _, job := range waiting {
		q.pushWaitingLocked(job)
	}
	for _, job := range delayed {
		q.pushDelayedLocked(job)
	}
	q.mu.Unlock()

	q.log.Info().Int("waiting", len(waiting)).Int("delayed", len(delayed)).Msg("restored persisted jobs")
	q.notify()
	return nil
}

// Enqueue files a refresh job for a user. It returns nil when the user
// already has a waiting, delayed or active job.
func (q *Queue) Enqueue(ctx context.Context, userID string, priority domain.Priority, opts domain.JobOptions) (*domain.SyncJob, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := q.byUser[userID]; ok {
		q.mu.Unlock()
		return nil, nil
	}

	maxAttempts := q.maxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	now := q.now()
	job := &domain.SyncJob{
		ID:          uuid.New().String(),
		UserID:      userID,
		Priority:    priority,
		EnqueuedAt:  now,
		ReadyAt:     now,
		MaxAttempts: maxAttempts,
	}
	if opts.Delay > 0 {
		job.ReadyAt = now.Add(opts.Delay)
		q.pushDelayedLocked(job)
	} else {
		q.pushWaitingLocked(job)
	}
	q.mu.Unlock()

	q.persist(ctx, job)
	q.notify()

	q.log.Debug().Str("user", userID).Str("priority", priority.String()).Str("job", job.ID).Msg("job enqueued")

	out := *job
	return &out, nil
}

// Dequeue blocks until a job is ready, the context ends or the queue
// closes. Delayed jobs are promoted once their ready time passes. The
// caller must report the outcome through Complete, Fail or Defer.
func (q *Queue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.promoteLocked()

		if q.waiting.Len() > 0 {
			it := heap.Pop(&q.waiting).(*item)
			job := it.job
			job.Status = domain.JobStatusActive
			q.active[job.ID] = job
			q.mu.Unlock()

			q.persist(ctx, job)
			q.lease(ctx, job)

			out := *job
			return &out, nil
		}

		wait := pollInterval
		if q.delayed.Len() > 0 {
			if until := q.delayed[0].job.ReadyAt.Sub(q.now()); until < wait {
				wait = until
			}
		}
		q.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.done:
			timer.Stop()
			return nil, ErrClosed
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Complete retires an active job after a successful run.
func (q *Queue) Complete(ctx context.Context, completed *domain.SyncJob) {
	q.mu.Lock()
	job, ok := q.active[completed.ID]
	if !ok {
		q.mu.Unlock()
		q.log.Debug().Str("job", completed.ID).Msg("completion for a job no longer active")
		return
	}
	delete(q.active, job.ID)
	delete(q.byUser, job.UserID)
	job.Status = domain.JobStatusCompleted
	q.pushHistoryLocked(&q.completedHist, *job)
	q.mu.Unlock()

	q.unpersist(ctx, job)
	q.unlease(ctx, job)
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff until it runs out of attempts, then moved to the failed history
// and announced on the bus.
func (q *Queue) Fail(ctx context.Context, failed *domain.SyncJob, cause error) {
	q.mu.Lock()
	job, ok := q.active[failed.ID]
	if !ok {
		q.mu.Unlock()
		q.log.Debug().Str("job", failed.ID).Msg("failure for a job no longer active")
		return
	}
	delete(q.active, job.ID)

	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempt >= job.MaxAttempts {
		event := q.retireLocked(job)
		q.mu.Unlock()

		q.unpersist(ctx, job)
		q.unlease(ctx, job)

		q.log.Error().Str("user", job.UserID).Str("job", job.ID).Int("attempts", job.Attempt).Str("cause", job.LastError).Msg("job failed permanently")
		q.bus.Publish(domain.EventJobFailed, event)
		return
	}

	delay := q.backoff(job.Attempt)
	job.ReadyAt = q.now().Add(delay)
	q.pushDelayedLocked(job)
	q.mu.Unlock()

	q.persist(ctx, job)
	q.unlease(ctx, job)
	q.notify()

	q.log.Warn().Err(cause).Str("user", job.UserID).Int("attempt", job.Attempt).Dur("backoff", delay).Msg("job failed, retrying")
}

// Defer puts an active job back as delayed without burning an attempt.
// Workers use it when no rate-limit token shows up within their wait
// budget.
func (q *Queue) Defer(ctx context.Context, deferred *domain.SyncJob, delay time.Duration) {
	q.mu.Lock()
	job, ok := q.active[deferred.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.active, job.ID)
	job.ReadyAt = q.now().Add(delay)
	q.pushDelayedLocked(job)
	q.mu.Unlock()

	q.persist(ctx, job)
	q.unlease(ctx, job)
	q.notify()

	q.log.Debug().Str("user", job.UserID).Dur("delay", delay).Msg("job deferred")
}

// HasActiveJob reports whether a user already has a job waiting, delayed or
// running.
func (q *Queue) HasActiveJob(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.byUser[userID]
	return ok
}

// RequeueStalled returns active jobs whose lease has expired to the waiting
// heap. A worker that died mid-job never reports an outcome, so its lease
// runs out and the job runs again. The retry counts against the attempt
// budget to keep a crash-looping job bounded.
func (q *Queue) RequeueStalled(ctx context.Context) int {
	q.mu.Lock()
	candidates := make([]*domain.SyncJob, 0, len(q.active))
	for _, job := range q.active {
		candidates = append(candidates, job)
	}
	q.mu.Unlock()

	stalled := 0
	for _, candidate := range candidates {
		_, err := q.store.Get(ctx, store.LeaseKey(candidate.UserID))
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			q.log.Error().Err(err).Str("user", candidate.UserID).Msg("could not check job lease")
			continue
		}

		q.mu.Lock()
		job, ok := q.active[candidate.ID]
		if !ok {
			q.mu.Unlock()
			continue
		}
		delete(q.active, job.ID)
		job.Attempt++
		job.LastError = "stalled: worker never reported an outcome"

		if job.Attempt >= job.MaxAttempts {
			event := q.retireLocked(job)
			q.mu.Unlock()

			q.unpersist(ctx, job)
			q.log.Error().Str("user", job.UserID).Str("job", job.ID).Msg("stalled job out of attempts")
			q.bus.Publish(domain.EventJobFailed, event)
		} else {
			q.pushWaitingLocked(job)
			q.mu.Unlock()

			q.persist(ctx, job)
			q.notify()
			q.log.Warn().Str("user", job.UserID).Str("job", job.ID).Int("attempt", job.Attempt).Msg("requeued stalled job")
		}
		stalled++
	}
	return stalled
}

// Stats is a point-in-time census. Completed and failed report the size of
// the retained history, not lifetime totals.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return domain.QueueStats{
		Waiting:   q.waiting.Len(),
		Active:    len(q.active),
		Delayed:   q.delayed.Len(),
		Completed: len(q.completedHist),
		Failed:    len(q.failedHist),
	}
}

// History returns the retained completed and failed records, newest first.
func (q *Queue) History() (completed []domain.SyncJob, failed []domain.SyncJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	completed = make([]domain.SyncJob, 0, len(q.completedHist))
	for i := len(q.completedHist) - 1; i >= 0; i-- {
		completed = append(completed, q.completedHist[i])
	}
	failed = make([]domain.SyncJob, 0, len(q.failedHist))
	for i := len(q.failedHist) - 1; i >= 0; i-- {
		failed = append(failed, q.failedHist[i])
	}
	return completed, failed
}

// DrainAll purges every job in every state, including the persisted mirror.
// Operational recovery only.
func (q *Queue) DrainAll(ctx context.Context) int {
	q.mu.Lock()
	users := make([]string, 0, len(q.byUser))
	for userID := range q.byUser {
		users = append(users, userID)
	}
	purged := q.waiting.Len() + q.delayed.Len() + len(q.active)
	q.waiting = nil
	q.delayed = nil
	q.active = make(map[string]*domain.SyncJob)
	q.byUser = make(map[string]*domain.SyncJob)
	q.completedHist = nil
	q.failedHist = nil
	q.mu.Unlock()

	if err := q.store.Delete(ctx, store.KeyQueueJobs); err != nil {
		q.log.Error().Err(err).Msg("could not clear persisted jobs")
	}
	for _, userID := range users {
		if err := q.store.Delete(ctx, store.LeaseKey(userID)); err != nil {
			q.log.Error().Err(err).Str("user", userID).Msg("could not clear job lease")
		}
	}

	q.log.Warn().Int("purged", purged).Msg("queue drained")
	return purged
}

// Close stops dequeues and wakes blocked workers. Persisted jobs stay in
// the store for the next process. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	return nil
}

func (q *Queue) pushWaitingLocked(job *domain.SyncJob) {
	job.Status = domain.JobStatusWaiting
	q.seq++
	heap.Push(&q.waiting, &item{job: job, seq: q.seq})
	q.byUser[job.UserID] = job
}

func (q *Queue) pushDelayedLocked(job *domain.SyncJob) {
	job.Status = domain.JobStatusDelayed
	q.seq++
	heap.Push(&q.delayed, &item{job: job, seq: q.seq})
	q.byUser[job.UserID] = job
}

func (q *Queue) promoteLocked() {
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].job.ReadyAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		q.pushWaitingLocked(it.job)
	}
}

// retireLocked moves a job to the failed history and builds the event to
// publish once the lock is released.
func (q *Queue) retireLocked(job *domain.SyncJob) domain.JobFailedPermanently {
	delete(q.byUser, job.UserID)
	job.Status = domain.JobStatusFailed
	q.pushHistoryLocked(&q.failedHist, *job)
	return domain.JobFailedPermanently{
		JobID:    job.ID,
		UserID:   job.UserID,
		Attempts: job.Attempt,
		LastErr:  job.LastError,
		FailedAt: q.now(),
	}
}

func (q *Queue) pushHistoryLocked(ring *[]domain.SyncJob, job domain.SyncJob) {
	*ring = append(*ring, job)
	if len(*ring) > q.historyCap {
		*ring = (*ring)[len(*ring)-q.historyCap:]
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	return q.baseDelay * time.Duration(1<<uint(attempt))
}

func (q *Queue) persist(ctx context.Context, job *domain.SyncJob) {
	payload, err := json.Marshal(job)
	if err != nil {
		q.log.Error().Err(err).Str("user", job.UserID).Msg("could not encode job")
		return
	}
	if err := q.store.MapSet(ctx, store.KeyQueueJobs, job.UserID, string(payload)); err != nil {
		q.log.Error().Err(err).Str("user", job.UserID).Msg("could not persist job")
	}
}

func (q *Queue) unpersist(ctx context.Context, job *domain.SyncJob) {
	if err := q.store.MapDelete(ctx, store.KeyQueueJobs, job.UserID); err != nil {
		q.log.Error().Err(err).Str("user", job.UserID).Msg("could not remove persisted job")
	}
}

func (q *Queue) lease(ctx context.Context, job *domain.SyncJob) {
	if err := q.store.Set(ctx, store.LeaseKey(job.UserID), []byte(job.ID), q.stalledTTL); err != nil {
		q.log.Error().Err(err).Str("user", job.UserID).Msg("could not write job lease")
	}
}

func (q *Queue) unlease(ctx context.Context, job *domain.SyncJob) {
	if err := q.store.Delete(ctx, store.LeaseKey(job.UserID)); err != nil {
		q.log.Error().Err(err).Str("user", job.UserID).Msg("could not clear job lease")
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
