package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultCeiling is the webhook set size at which eviction kicks in.
const DefaultCeiling = 10000

// BoundedStore keeps at most ceiling entries. When full, the oldest half by
// insertion order is evicted before the new entry is added. TTLs are ignored.
type BoundedStore struct {
	mu      sync.Mutex
	ceiling int
	entries map[string]Entry
	order   []string
	now     func() time.Time
}

// NewBoundedStore creates a store with the given ceiling (DefaultCeiling if <= 1).
func NewBoundedStore(ceiling int) *BoundedStore {
	if ceiling <= 1 {
		ceiling = DefaultCeiling
	}
	return &BoundedStore{
		ceiling: ceiling,
		entries: make(map[string]Entry, ceiling),
		order:   make([]string, 0, ceiling),
		now:     time.Now,
	}
}

func (b *BoundedStore) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok, nil
}

func (b *BoundedStore) PutIfAbsent(_ context.Context, e Entry, _ time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[e.Key]; ok {
		return false, nil
	}
	if len(b.order) >= b.ceiling {
		b.evictOldestHalf()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.now()
	}
	b.entries[e.Key] = e
	b.order = append(b.order, e.Key)
	return true, nil
}

func (b *BoundedStore) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return nil
	}
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// evictOldestHalf drops the first half of the insertion order.
// Caller must hold b.mu.
func (b *BoundedStore) evictOldestHalf() {
	n := len(b.order) / 2
	for _, key := range b.order[:n] {
		delete(b.entries, key)
	}
	remaining := make([]string, len(b.order)-n, b.ceiling)
	copy(remaining, b.order[n:])
	b.order = remaining
	idemEvictions.Add(float64(n))
}

// Len returns the number of stored entries.
func (b *BoundedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
