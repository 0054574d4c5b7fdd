package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m.Held() != 1 {
		t.Fatalf("expected 1 held key, got %d", m.Held())
	}
	unlock()
	if m.Held() != 0 {
		t.Fatalf("expected key to be released, got %d held", m.Held())
	}
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			time.Sleep(time.Microsecond)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d: mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
	if m.Held() != 0 {
		t.Fatalf("expected no held keys after all unlocks, got %d", m.Held())
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	if m.Held() != 0 {
		t.Fatalf("waiter that gave up should not leak its reference, got %d held", m.Held())
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()

	unlockA, err := m.LockContext(context.Background(), "esc_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	unlockB, err := m.LockContext(ctx, "esc_b")
	if err != nil {
		t.Fatalf("different key should not contend: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
	unlock()

	unlock2, err := m.LockContext(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected relock to succeed: %v", err)
	}
	unlock2()
}
