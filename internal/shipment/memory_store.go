package shipment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory shipment store for demo/development mode.
type MemoryStore struct {
	shipments map[string]*Shipment
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory shipment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shipments: make(map[string]*Shipment)}
}

// Put inserts or replaces a shipment. The marketplace owns shipment
// creation; this exists for development seeding and tests.
func (m *MemoryStore) Put(s *Shipment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.shipments[s.ID] = &cp
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shipments[id]
	if !ok {
		return nil, ErrShipmentNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetPaid(ctx context.Context, id string, paid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shipments[id]
	if !ok {
		return ErrShipmentNotFound
	}
	s.Paid = paid
	s.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
