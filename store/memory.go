package store

import (
	"context"
	"slices"
	"sync"
)

type memoryBackend struct {
	mutex  sync.RWMutex
	tables map[Table]map[string]Entry
}

var _ Backend = (*memoryBackend)(nil)

// NewMemory returns an in-process Backend. Entries are lost when the process
// exits.
func NewMemory() Backend {
	return &memoryBackend{}
}

func (m *memoryBackend) Open(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.tables == nil {
		m.tables = make(map[Table]map[string]Entry, 3)
		for _, t := range Tables() {
			m.tables[t] = make(map[string]Entry)
		}
	}
	return nil
}

func (m *memoryBackend) table(table Table) (map[string]Entry, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if m.tables == nil {
		return nil, ErrClosed
	}
	return m.tables[table], nil
}

func copyEntry(e Entry) Entry {
	e.Data = slices.Clone(e.Data)
	return e
}

func (m *memoryBackend) Get(_ context.Context, table Table, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := t[key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

func (m *memoryBackend) Put(_ context.Context, table Table, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	t[entry.Key] = copyEntry(entry)
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, table Table, keys ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(t, k)
	}
	return nil
}

func (m *memoryBackend) Scan(_ context.Context, table Table) ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(t))
	for _, e := range t {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (m *memoryBackend) Clear(_ context.Context, tables ...Table) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, table := range tables {
		if _, err := m.table(table); err != nil {
			return err
		}
		m.tables[table] = make(map[string]Entry)
	}
	return nil
}

func (m *memoryBackend) Close() error {
	m.mutex.Lock()
	m.tables = nil
	m.mutex.Unlock()
	return nil
}
