package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Decision is the outcome of an atomic check-and-increment across a set
// of sliding-window keys.
type Decision struct {
	Allowed bool
	// Blocked is the index of the first key that was full, or -1.
	Blocked int
	// Count is the size of the fullest window after the call.
	Count int
	// Oldest is the oldest counted hit in the blocked window.
	Oldest time.Time
}

// CounterStore keeps sliding windows of hits keyed by string. Acquire must
// be atomic: the check of every key and the insertion into every key happen
// as one step, so concurrent callers on different instances cannot both
// take the last slot.
type CounterStore interface {
	// Acquire records member in every key if each key holds fewer than
	// limit hits inside (now-window, now]; otherwise it records nothing.
	Acquire(ctx context.Context, keys []string, member string, now time.Time, window time.Duration, limit int) (Decision, error)
	// Add records member in key unconditionally.
	Add(ctx context.Context, key, member string, now time.Time, window time.Duration) error
	// Window returns the number of hits in key inside the window and the
	// oldest of them.
	Window(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
}

// MemoryStore is a process-local CounterStore. It is only correct for a
// single instance and exists for tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

func (m *MemoryStore) prune(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := m.hits[key][:0]
	for _, h := range m.hits[key] {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	m.hits[key] = kept
	return kept
}

func (m *MemoryStore) Acquire(ctx context.Context, keys []string, member string, now time.Time, window time.Duration, limit int) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, k := range keys {
		hits := m.prune(k, now, window)
		if len(hits) >= limit {
			return Decision{Allowed: false, Blocked: i, Count: len(hits), Oldest: hits[0]}, nil
		}
	}

	max := 0
	for _, k := range keys {
		m.hits[k] = append(m.hits[k], now)
		sort.Slice(m.hits[k], func(a, b int) bool { return m.hits[k][a].Before(m.hits[k][b]) })
		if n := len(m.hits[k]); n > max {
			max = n
		}
	}
	return Decision{Allowed: true, Blocked: -1, Count: max}, nil
}

func (m *MemoryStore) Add(ctx context.Context, key, member string, now time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune(key, now, window)
	m.hits[key] = append(m.hits[key], now)
	sort.Slice(m.hits[key], func(a, b int) bool { return m.hits[key][a].Before(m.hits[key][b]) })
	return nil
}

func (m *MemoryStore) Window(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.prune(key, now, window)
	if len(hits) == 0 {
		return 0, time.Time{}, nil
	}
	return len(hits), hits[0], nil
}
