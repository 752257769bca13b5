package lock

import (
	"context"
	"sync"
	"time"
)

// Locker is an exclusive, short-lived lock with set-if-absent semantics.
// Acquire returns false immediately when the key is held; callers never
// spin-wait. The TTL is only the crash-safety net; Release is the primary
// path.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type memEntry struct {
	expires time.Time
}

// MemoryLocker is a process-local Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memEntry)}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok && time.Now().Before(e.expires) {
		return false, nil
	}
	m.locks[key] = memEntry{expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}
