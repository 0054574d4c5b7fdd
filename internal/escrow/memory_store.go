package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/freightpay/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	active  map[string]string // shipment id → non-terminal escrow id
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		active:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[e.ShipmentID]; ok {
		return &DuplicateError{ShipmentID: e.ShipmentID, EscrowID: existing}
	}
	cp := *e
	m.escrows[e.ID] = &cp
	if !e.IsTerminal() {
		m.active[e.ShipmentID] = e.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetActiveByShipment(ctx context.Context, shipmentID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[shipmentID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) ListByShipment(ctx context.Context, shipmentID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ShipmentID == shipmentID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := *e
	m.escrows[e.ID] = &cp
	if e.IsTerminal() && m.active[e.ShipmentID] == e.ID {
		delete(m.active, e.ShipmentID)
	}
	return nil
}

func (m *MemoryStore) ListNonTerminal(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Escrow, 0, len(m.active))
	for _, id := range m.active {
		cp := *m.escrows[id]
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StateEnteredAt.Before(result[j].StateEnteredAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State != state {
			continue
		}
		if after != nil && !pagination.After(e.CreatedAt, e.ID, after) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByState(ctx context.Context) (map[State]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[State]int, len(AllStates))
	for _, e := range m.escrows {
		counts[e.State]++
	}
	return counts, nil
}

func sortNewestFirst(es []*Escrow) {
	sort.Slice(es, func(i, j int) bool {
		return es[i].CreatedAt.After(es[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
