package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory keeps records in process. State is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Load(_ context.Context, room string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[room]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.State = slices.Clone(rec.State)
	return rec, nil
}

func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.Room]; ok && cur.Version > rec.Version {
		return nil
	}
	rec.State = slices.Clone(rec.State)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.records[rec.Room] = rec
	return nil
}

func (m *Memory) Delete(_ context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, room)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
