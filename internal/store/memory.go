package store

import (
	"context"
	"sync"
	"time"
)

type memValue struct {
	value   string
	expires time.Time
}

type memList struct {
	items   []string
	expires time.Time
}

// MemoryStore is a process-local Store. State lives as long as the process.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	vals  map[string]memValue
	lists map[string]*memList
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock lets tests control expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:   now,
		vals:  make(map[string]memValue),
		lists: make(map[string]*memList),
	}
}

func (m *MemoryStore) expired(t time.Time) bool {
	return !t.IsZero() && !m.now().Before(t)
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	if !ok || m.expired(v.expires) {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = memValue{value: value, expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) RPush(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expires) {
		l = &memList{}
		m.lists[key] = l
	}
	l.items = append(l.items, value)
	if ttl > 0 {
		l.expires = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expires) {
		return []string{}, nil
	}
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l.items[start:stop+1])
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
