// Package timeout defers auto-rejection of rides nobody accepted in time.
package timeout

import (
	"context"
	"sync"
	"time"
)

// Scheduler enqueues one deferred expiry per ride. Scheduling an already
// scheduled ride is a no-op, as is cancelling a fired or unknown one.
type Scheduler interface {
	Schedule(ctx context.Context, rideID string, delay time.Duration) error
	Cancel(ctx context.Context, rideID string) error
}

// MemoryScheduler fires expiries from in-process timers. The handler must
// be idempotent; it runs on the timer goroutine.
type MemoryScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler func(rideID string)
}

func NewMemoryScheduler(handler func(rideID string)) *MemoryScheduler {
	return &MemoryScheduler{timers: make(map[string]*time.Timer), handler: handler}
}

func (m *MemoryScheduler) Schedule(_ context.Context, rideID string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[rideID]; ok {
		return nil
	}
	m.timers[rideID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, rideID)
		m.mu.Unlock()
		m.handler(rideID)
	})
	return nil
}

func (m *MemoryScheduler) Cancel(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[rideID]; ok {
		t.Stop()
		delete(m.timers, rideID)
	}
	return nil
}
