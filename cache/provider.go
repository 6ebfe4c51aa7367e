package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrQuotaExceeded is returned by a Provider when the underlying storage
	// cannot accept more data.
	ErrQuotaExceeded = errors.New("cache: storage quota exceeded")
	// ErrUnknownPartition is returned for partitions that were not configured.
	ErrUnknownPartition = errors.New("cache: unknown partition")
)

// Provider is the persistent storage behind a Store.
// It stores and retrieves []byte values, grouped into named partitions.
// Operating on partitions is very important so that every partition can be
// counted and pruned on its own.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the value stored under the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, partition, key string) ([]byte, bool, error)
	// Put stores the value under the given key, replacing any previous value.
	// Providers with limited capacity return an error wrapping ErrQuotaExceeded
	// when the value does not fit.
	Put(ctx context.Context, partition, key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, partition, key string) error
	// Keys calls the given callback for each key in the partition.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	Keys(ctx context.Context, partition string, cb func(key string)) error
	Close() error
}

// MemCache is an in-memory Provider.
// A positive QuotaBytes limits the total size of all stored values.
type MemCache struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
	size       int
	quotaBytes int
}

func NewMemCache(quotaBytes int) *MemCache {
	return &MemCache{
		partitions: make(map[string]map[string][]byte),
		quotaBytes: quotaBytes,
	}
}

func (m *MemCache) Get(_ context.Context, partition, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.partitions[partition][key]
	return value, ok, nil
}

func (m *MemCache) Put(_ context.Context, partition, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partition]
	if !ok {
		p = make(map[string][]byte)
		m.partitions[partition] = p
	}
	newSize := m.size - len(p[key]) + len(value)
	if m.quotaBytes > 0 && newSize > m.quotaBytes {
		return ErrQuotaExceeded
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	p[key] = stored
	m.size = newSize
	return nil
}

func (m *MemCache) Delete(_ context.Context, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.partitions[partition]; ok {
		m.size -= len(p[key])
		delete(p, key)
	}
	return nil
}

func (m *MemCache) Keys(_ context.Context, partition string, cb func(string)) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.partitions[partition]))
	for key := range m.partitions[partition] {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// Size returns the number of bytes currently stored.
func (m *MemCache) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemCache) Close() error {
	return nil
}
