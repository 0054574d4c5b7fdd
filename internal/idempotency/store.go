package idempotency

import (
	"context"
	"time"
)

// Entry is a recorded outcome.
type Entry struct {
	Key       string    `json:"key"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists idempotency entries. PutIfAbsent must be atomic: it stores
// the entry only when no live entry exists for the key and reports whether it
// did. Expired entries behave as absent. Delete of a missing key is not an
// error.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	PutIfAbsent(ctx context.Context, e Entry, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
