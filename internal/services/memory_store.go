package services

import (
	"context"
	"fmt"
	"log"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process KVStore for single-instance deployments without Redis.
// Rate windows and the circuit flag are then per process rather than shared.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an in-process KV store
func NewMemoryStore() *MemoryStore {
	log.Println("📦 [KV] Using in-memory store (REDIS_URL not set)")
	return &MemoryStore{cache: cache.New(cache.NoExpiration, time.Minute)}
}

// Get retrieves a value by key
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, found := m.cache.Get(key)
	if !found {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case int64:
		return fmt.Sprintf("%d", val), true, nil
	default:
		return "", false, fmt.Errorf("unexpected value type %T for key %s", v, key)
	}
}

// SetEx stores a value with expiration
func (m *MemoryStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	m.cache.Set(key, value, ttl)
	return nil
}

// TTL returns the remaining lifetime of a key
func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	_, expiration, found := m.cache.GetWithExpiration(key)
	if !found || expiration.IsZero() {
		return 0, false, nil
	}
	remaining := time.Until(expiration)
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Keys lists live keys matching a glob pattern
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	var keys []string
	for key := range m.cache.Items() {
		if matchGlob(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// IncrWindow atomically increments a counter, creating it with the window expiry when absent
func (m *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	// Add is a no-op when the key exists; the retry covers expiry between Add and Increment
	for attempt := 0; attempt < 3; attempt++ {
		_ = m.cache.Add(key, int64(0), window)
		count, err := m.cache.IncrementInt64(key, 1)
		if err == nil {
			return count, nil
		}
	}
	return 0, fmt.Errorf("failed to increment %s", key)
}

// Ping always succeeds for the in-process store
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
