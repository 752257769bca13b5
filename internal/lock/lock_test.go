package lock

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, _ = m.Acquire(ctx, "k", time.Minute)
	if ok {
		t.Fatal("second acquire should fail while held")
	}

	if err := m.Release(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	ok, _ = m.Acquire(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestMemoryLocker_TTLExpires(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	m.Acquire(ctx, "k", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	ok, _ := m.Acquire(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("expired lock should be acquirable")
	}
}

func TestMemoryLocker_KeysAreIndependent(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	m.Acquire(ctx, "a", time.Minute)
	ok, _ := m.Acquire(ctx, "b", time.Minute)
	if !ok {
		t.Fatal("unrelated key should be free")
	}
}
