package store

import (
	"maps"
	"sync"
)

// Memory is an in-process Store used by tests and as a fallback when no
// durable backend is configured.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]map[string]any)}
}

func (m *Memory) Get(table, key string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tables[table][key]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(v), true, nil
}

func (m *Memory) Put(table, key string, value map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]map[string]any)
		m.tables[table] = t
	}
	t[key] = maps.Clone(value)
	return nil
}

func (m *Memory) Delete(table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

func (m *Memory) List(table string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tables[table]
	out := make([]Entry, 0, len(t))
	for k, v := range t {
		out = append(out, Entry{Key: k, Value: maps.Clone(v)})
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
