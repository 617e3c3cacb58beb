package storage

import (
	"context"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements Storage with in-process maps. It is safe for
// concurrent use and suitable for development and tests; state is lost on
// restart. Expired entries are dropped lazily on access and swept
// opportunistically on writes.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]timedEntry
	locks   map[string]time.Time

	// writes since the last sweep of expired entries
	writes int
}

// sweepEvery bounds how much garbage can pile up between sweeps.
const sweepEvery = 256

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]timedEntry),
		locks:   make(map[string]time.Time),
	}
}

// Get implements Storage.
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	m.maybeSweep()
	return nil
}

func (m *MemoryStorage) set(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := timedEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = entry
	m.writes++
}

// Delete implements Storage.
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Exists implements Storage.
func (m *MemoryStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if entry.expired(time.Now()) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// MultiGet implements Storage.
func (m *MemoryStorage) MultiGet(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		entry, ok := m.entries[key]
		if !ok {
			continue
		}
		if entry.expired(now) {
			delete(m.entries, key)
			continue
		}
		value := make([]byte, len(entry.value))
		copy(value, entry.value)
		out[key] = value
	}
	return out, nil
}

// MultiSet implements Storage. All writes land under one critical section so
// readers never observe a partial batch.
func (m *MemoryStorage) MultiSet(_ context.Context, values map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range values {
		m.set(key, value, ttl)
	}
	m.maybeSweep()
	return nil
}

// AcquireLock implements Storage. The monitor guarding the lock map makes
// test-and-set atomic.
func (m *MemoryStorage) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if until, held := m.locks[key]; held && now.Before(until) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLock implements Storage.
func (m *MemoryStorage) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// Close implements Storage.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]timedEntry)
	m.locks = make(map[string]time.Time)
	return nil
}

// maybeSweep drops expired entries and locks. Callers must hold m.mu.
func (m *MemoryStorage) maybeSweep() {
	if m.writes < sweepEvery {
		return
	}
	m.writes = 0

	now := time.Now()
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
		}
	}
	for key, until := range m.locks {
		if now.After(until) {
			delete(m.locks, key)
		}
	}
}
