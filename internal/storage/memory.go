package storage

import (
	"context"
	"sync"

	"logvault/internal/domain"
)

// MemoryStore is an in-process LogStore with full-replace semantics.
// Entries keep their first insertion position across upserts.
type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	rows   map[string]domain.LogEntry
	closed bool
}

var _ LogStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]domain.LogEntry)}
}

func (m *MemoryStore) Kind() Kind { return KindMemory }

func (m *MemoryStore) AddLog(ctx context.Context, entry domain.LogEntry, opts ...AddOption) error {
	if err := ValidateID(entry.ID); err != nil {
		return err
	}
	ctx, cancel := ResolveAddOptions(opts...).Context(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.rows[entry.ID]; !ok {
		m.order = append(m.order, entry.ID)
	}
	m.rows[entry.ID] = entry.WithDefaults()
	return nil
}

func (m *MemoryStore) RemoveLog(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryStore) GetLogByID(ctx context.Context, id string) (domain.LogEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.LogEntry{}, false, ErrClosed
	}
	e, ok := m.rows[id]
	return e, ok, nil
}

func (m *MemoryStore) GetLogs(ctx context.Context, filter Filter, opts ListOptions) ([]domain.LogEntry, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	ids := m.order
	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(ids) {
		ids = ids[:opts.Limit]
	}
	page := make([]domain.LogEntry, 0, len(ids))
	for _, id := range ids {
		page = append(page, m.rows[id])
	}
	m.mu.RUnlock()
	// Filters may block; run them without holding the lock.
	return filter.Apply(ctx, page)
}

func (m *MemoryStore) WaitReady(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close is idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
