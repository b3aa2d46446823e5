package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and embedded use.
type Memory struct {
	mu       sync.Mutex
	bySeries map[string][]Entry
}

func NewMemory() *Memory {
	return &Memory{bySeries: map[string][]Entry{}}
}

func (m *Memory) Append(ctx context.Context, e Entry) error {
	_ = ctx
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySeries[e.Series] = append(m.bySeries[e.Series], e)
	return nil
}

func (m *Memory) History(ctx context.Context, series string) ([]Entry, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.bySeries[series]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) Close() error { return nil }
