// Package sharedcache implements the cross-process cache tier and its
// coherence protocol. A Backend supplies the raw operations; Store layers
// the lock-token protocol on top: every entry is in exactly one of three
// states (value, locked, miss), a lock marks a write in flight, and readers
// treat locked entries as misses so they can never cache a value a pending
// write is about to invalidate.
package sharedcache

import (
	"context"
	"sync"
	"time"
)

// Backend is the raw shared-cache contract. Implementations must make
// AddIfAbsent atomic: it is what installs locks without clobbering
// concurrent writers.
type Backend interface {
	// GetMulti returns the stored values for the given keys. Missing keys
	// are simply absent from the result map.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	// Set stores val under key with the given TTL (zero = no expiry).
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Delete removes the given keys. Deleting absent keys is not an error.
	Delete(ctx context.Context, keys ...string) error
	// AddIfAbsent stores val only if key has no entry, reporting whether it
	// was stored.
	AddIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
}

type memoryEntry struct {
	val    []byte
	expiry time.Time // zero = no expiry
}

// MemoryBackend is an in-process Backend used by tests and local
// development. Unlike the local cache it is safe for concurrent use, since
// multiple Contexts may share one instance.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]memoryEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) live(key string) ([]byte, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiry.IsZero() && time.Now().After(e.expiry) {
		delete(m.data, key)
		return nil, false
	}
	return e.val, true
}

// GetMulti implements Backend.
func (m *MemoryBackend) GetMulti(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.live(k); ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{val: append([]byte(nil), val...), expiry: expiry(ttl)}
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// AddIfAbsent implements Backend.
func (m *MemoryBackend) AddIfAbsent(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = memoryEntry{val: append([]byte(nil), val...), expiry: expiry(ttl)}
	return true, nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
