package kvstore

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	sequence uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return entry, nil
}

func (m *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, ErrExists
	}
	return m.store(key, value), nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[key]
	if !ok || current.Revision != revision {
		return 0, ErrRevisionMismatch
	}
	return m.store(key, value), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(key, value), nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) store(key string, value []byte) uint64 {
	m.sequence++
	m.entries[key] = Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: m.sequence,
	}
	return m.sequence
}
