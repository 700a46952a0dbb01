package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps slots in process memory. Expired entries are dropped
// lazily by Take and in bulk by Sweep.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[Key]Pending
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		slots: make(map[Key]Pending),
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Set stores p for key, replacing any previous slot.
func (m *MemoryStore) Set(_ context.Context, key Key, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[key] = stamp(p, m.now(), m.ttl)
	return nil
}

// Take removes and returns the slot for key.
func (m *MemoryStore) Take(_ context.Context, key Key) (Pending, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.slots[key]
	if !ok {
		return Pending{}, false, nil
	}
	delete(m.slots, key)
	if p.Expired(m.now()) {
		return Pending{}, false, nil
	}
	return p, true, nil
}

// Discard removes the slot if it still holds token.
func (m *MemoryStore) Discard(_ context.Context, key Key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.slots[key]
	if !ok || p.Token != token {
		return false, nil
	}
	delete(m.slots, key)
	return true, nil
}

// Sweep drops every slot expired at now and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, p := range m.slots {
		if p.Expired(now) {
			delete(m.slots, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored slots, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
