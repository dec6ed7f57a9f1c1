package store

import (
	"context"
	"sync"
	"time"

	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// MemoryStore is the process-local fallback backend. TTLs are enforced
// lazily on read. Contents do not survive a restart, which is the accepted
// price of staying available while the durable store is down.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	sets   map[string]map[string]struct{}
	maps   map[string]map[string]string
	closed bool
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		maps:   make(map[string]map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(time.Now()) {
		delete(m.values, key)
		return nil, ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *MemoryStore) AddToSet(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) MapSet(_ context.Context, key string, field string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.maps[key]
	if !ok {
		h = make(map[string]string)
		m.maps[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemoryStore) MapGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.maps[key]))
	for field, value := range m.maps[key] {
		out[field] = value
	}
	return out, nil
}

func (m *MemoryStore) MapDelete(_ context.Context, key string, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.maps[key]; ok {
		delete(h, field)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.sets, key)
	delete(m.maps, key)
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("store: memory store closed")
	}
	return nil
}

func (m *MemoryStore) Name() string { return "memory" }

// Close is idempotent. Contents stay readable so in-flight work can finish.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
