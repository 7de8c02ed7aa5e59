package storage

import (
	"sort"
	"sync"
)

// MemoryStore is the default in-process backend. Values are held as-is,
// with no serialization round trip.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]any)}
}

func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Set(key string, value any) {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
}

func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
}

func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	m.data = make(map[string]any)
	m.mu.Unlock()
}

func (m *MemoryStore) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Load(data map[string]any) {
	fresh := make(map[string]any, len(data))
	for k, v := range data {
		fresh[k] = v
	}

	m.mu.Lock()
	m.data = fresh
	m.mu.Unlock()
}

func (m *MemoryStore) Close() error {
	return nil
}
