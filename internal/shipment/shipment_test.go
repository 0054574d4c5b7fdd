package shipment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/freightpay/internal/retry"
)

func TestMemoryStore_GetAndSetPaid(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Shipment{ID: "shp_1", OwnerID: "shipper_1", AgreedPrice: 5000})
	ctx := context.Background()

	s, err := store.Get(ctx, "shp_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Paid {
		t.Fatal("new shipment should not be paid")
	}

	if err := store.SetPaid(ctx, "shp_1", true); err != nil {
		t.Fatalf("SetPaid: %v", err)
	}
	s, _ = store.Get(ctx, "shp_1")
	if !s.Paid {
		t.Fatal("expected paid")
	}

	if _, err := store.Get(ctx, "shp_x"); !errors.Is(err, ErrShipmentNotFound) {
		t.Fatalf("expected ErrShipmentNotFound, got %v", err)
	}
	if err := store.SetPaid(ctx, "shp_x", true); !errors.Is(err, ErrShipmentNotFound) {
		t.Fatalf("expected ErrShipmentNotFound, got %v", err)
	}
}

// flakyStore fails the first n SetPaid calls.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) SetPaid(ctx context.Context, id string, paid bool) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.SetPaid(ctx, id, paid)
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
}

func TestCoupler_InlineSuccess(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Shipment{ID: "shp_1", OwnerID: "o", AgreedPrice: 1})
	c := NewCoupler(store, nil)

	if err := c.SetPaid(context.Background(), "shp_1", true); err != nil {
		t.Fatalf("SetPaid: %v", err)
	}
	s, _ := store.Get(context.Background(), "shp_1")
	if !s.Paid {
		t.Fatal("expected paid flag set inline")
	}
}

func TestCoupler_RetriesInBackground(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 3}
	store.Put(&Shipment{ID: "shp_1", OwnerID: "o", AgreedPrice: 1})
	c := NewCoupler(store, nil).WithPolicy(fastPolicy())

	if err := c.SetPaid(context.Background(), "shp_1", true); err != nil {
		t.Fatalf("transient failures must not surface, got %v", err)
	}
	c.Wait()

	s, _ := store.Get(context.Background(), "shp_1")
	if !s.Paid {
		t.Fatal("expected paid after background retries")
	}
}

func TestCoupler_IgnoresCallerCancellation(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	store.Put(&Shipment{ID: "shp_1", OwnerID: "o", AgreedPrice: 1, Paid: true})
	c := NewCoupler(store, nil).WithPolicy(fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	_ = c.SetPaid(ctx, "shp_1", false)
	cancel()
	c.Wait()

	s, _ := store.Get(context.Background(), "shp_1")
	if s.Paid {
		t.Fatal("expected paid flag cleared despite cancelled caller")
	}
}

func TestCoupler_MissingShipmentIsReported(t *testing.T) {
	c := NewCoupler(NewMemoryStore(), nil)
	if err := c.SetPaid(context.Background(), "shp_none", true); !errors.Is(err, ErrShipmentNotFound) {
		t.Fatalf("expected ErrShipmentNotFound, got %v", err)
	}
}

// stickyStore fails the first write of one value and records every write.
type stickyStore struct {
	*MemoryStore
	mu     sync.Mutex
	failOn bool
	failed bool
	writes []bool
}

func (s *stickyStore) SetPaid(ctx context.Context, id string, paid bool) error {
	s.mu.Lock()
	s.writes = append(s.writes, paid)
	fail := paid == s.failOn && !s.failed
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SetPaid(ctx, id, paid)
}

// A funded write stuck in retry must not land after the refund that
// followed it.
func TestCoupler_RetryDoesNotOverwriteNewerWrite(t *testing.T) {
	store := &stickyStore{MemoryStore: NewMemoryStore(), failOn: true}
	store.Put(&Shipment{ID: "shp_1", OwnerID: "o", AgreedPrice: 1})
	c := NewCoupler(store, nil).WithPolicy(retry.Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond})
	ctx := context.Background()

	if err := c.SetPaid(ctx, "shp_1", true); err != nil {
		t.Fatalf("SetPaid(true): %v", err)
	}
	if err := c.SetPaid(ctx, "shp_1", false); err != nil {
		t.Fatalf("SetPaid(false): %v", err)
	}
	c.Wait()

	s, _ := store.Get(ctx, "shp_1")
	if s.Paid {
		t.Fatal("stale funded retry overwrote the refund")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.writes) != 2 {
		t.Fatalf("expected the superseded retry to skip the store, got writes %v", store.writes)
	}
}

func TestCoupler_RetryStillAppliesLatestWrite(t *testing.T) {
	store := &stickyStore{MemoryStore: NewMemoryStore(), failOn: false}
	store.Put(&Shipment{ID: "shp_1", OwnerID: "o", AgreedPrice: 1, Paid: true})
	c := NewCoupler(store, nil).WithPolicy(fastPolicy())
	ctx := context.Background()

	if err := c.SetPaid(ctx, "shp_1", false); err != nil {
		t.Fatalf("SetPaid(false): %v", err)
	}
	c.Wait()

	s, _ := store.Get(ctx, "shp_1")
	if s.Paid {
		t.Fatal("expected the retried clear to land")
	}
}
