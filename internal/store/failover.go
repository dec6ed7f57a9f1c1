package store

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// probeCooldown bounds how often failed operations may trigger an
// out-of-schedule health probe.
const probeCooldown = time.Second

// Failover presents two backends as one Store. It prefers the durable
// backend and swaps to the fallback when a health probe fails, swapping
// back once the durable store answers again. Switching never migrates
// data: after a failover the fallback starts cold, which may show a brief
// window of incomplete history.
type Failover struct {
	log      zerolog.Logger
	bus      EventBus.Bus
	durable  Store
	fallback Store
	interval time.Duration

	mu          sync.RWMutex
	active      Store
	healthy     bool
	failovers   int64
	lastProbeAt time.Time

	closeOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewFailover wires the selector. Either backend may be nil when disabled
// by configuration, but not both.
func NewFailover(log logger.Logger, bus EventBus.Bus, durable Store, fallback Store, interval time.Duration) *Failover {
	f := &Failover{
		log:      log.With().Str("module", "store").Logger(),
		bus:      bus,
		durable:  durable,
		fallback: fallback,
		interval: interval,
		stop:     make(chan struct{}),
	}

	if durable != nil {
		f.active = durable
		f.healthy = true
	} else {
		f.active = fallback
	}

	return f
}

func (f *Failover) current() Store {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// CheckHealth probes the durable backend and swaps the active pointer when
// its availability changed. Called before every sync cycle, on a fixed
// timer, and lazily after failed operations.
func (f *Failover) CheckHealth(ctx context.Context) {
	if f.durable == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := f.durable.Ping(probeCtx)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastProbeAt = time.Now()

	switch {
	case err == nil && f.active != f.durable:
		f.switchTo(f.durable, "durable store reachable again")
		f.healthy = true

	case err != nil && f.active == f.durable && f.fallback != nil:
		f.log.Warn().Err(err).Msg("durable store unavailable, failing over to in-memory fallback")
		f.switchTo(f.fallback, err.Error())
		f.healthy = false

	case err != nil:
		// either no fallback exists or we are already on it
		f.healthy = false

	default:
		f.healthy = true
	}
}

// switchTo must be called with f.mu held.
func (f *Failover) switchTo(next Store, reason string) {
	from := f.active.Name()
	f.active = next
	f.failovers++

	f.log.Info().
		Str("from", from).
		Str("to", next.Name()).
		Str("reason", reason).
		Msg("storage backend switched")

	if f.bus != nil {
		f.bus.Publish(domain.EventStoreBackendSwitched, domain.BackendSwitched{
			From:       from,
			To:         next.Name(),
			Reason:     reason,
			SwitchedAt: time.Now(),
		})
	}
}

// probeOnFailure re-checks the durable backend after a failed operation,
// rate limited so an outage does not turn into a ping storm.
func (f *Failover) probeOnFailure(ctx context.Context) {
	f.mu.RLock()
	last := f.lastProbeAt
	f.mu.RUnlock()

	if time.Since(last) < probeCooldown {
		return
	}
	f.CheckHealth(ctx)
}

// StartMonitor probes on a fixed interval until Close or context
// cancellation.
func (f *Failover) StartMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				f.CheckHealth(ctx)
			case <-f.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Status reports which backend is active for the stats endpoint.
func (f *Failover) Status() domain.StoreStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return domain.StoreStatus{
		Active:      f.active.Name(),
		Durable:     f.durable != nil && f.active == f.durable,
		Healthy:     f.healthy || f.durable == nil,
		Failovers:   f.failovers,
		LastProbeAt: f.lastProbeAt,
	}
}

func (f *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := f.current().Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		f.probeOnFailure(ctx)
		return f.current().Get(ctx, key)
	}
	return value, err
}

func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.current().Set(ctx, key, value, ttl); err != nil {
		f.probeOnFailure(ctx)
		return f.current().Set(ctx, key, value, ttl)
	}
	return nil
}

func (f *Failover) AddToSet(ctx context.Context, key string, member string) error {
	if err := f.current().AddToSet(ctx, key, member); err != nil {
		f.probeOnFailure(ctx)
		return f.current().AddToSet(ctx, key, member)
	}
	return nil
}

func (f *Failover) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := f.current().SetMembers(ctx, key)
	if err != nil {
		f.probeOnFailure(ctx)
		return f.current().SetMembers(ctx, key)
	}
	return members, err
}

func (f *Failover) MapSet(ctx context.Context, key string, field string, value string) error {
	if err := f.current().MapSet(ctx, key, field, value); err != nil {
		f.probeOnFailure(ctx)
		return f.current().MapSet(ctx, key, field, value)
	}
	return nil
}

func (f *Failover) MapGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := f.current().MapGetAll(ctx, key)
	if err != nil {
		f.probeOnFailure(ctx)
		return f.current().MapGetAll(ctx, key)
	}
	return fields, err
}

func (f *Failover) MapDelete(ctx context.Context, key string, field string) error {
	if err := f.current().MapDelete(ctx, key, field); err != nil {
		f.probeOnFailure(ctx)
		return f.current().MapDelete(ctx, key, field)
	}
	return nil
}

func (f *Failover) Delete(ctx context.Context, key string) error {
	if err := f.current().Delete(ctx, key); err != nil {
		f.probeOnFailure(ctx)
		return f.current().Delete(ctx, key)
	}
	return nil
}

func (f *Failover) Ping(ctx context.Context) error {
	return f.current().Ping(ctx)
}

func (f *Failover) Name() string {
	return f.current().Name()
}

// Close stops the monitor and closes both backends. Idempotent.
func (f *Failover) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.stopOnce.Do(func() { close(f.stop) })

		if f.durable != nil {
			err = f.durable.Close()
		}
		if f.fallback != nil {
			if cerr := f.fallback.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
