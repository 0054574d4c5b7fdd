package payments

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.txs {
		if existing.EscrowID == tx.EscrowID && existing.Status == StatusPending {
			return ErrAttemptInProgress
		}
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.Reference == reference {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) GetByProviderTx(ctx context.Context, provider, providerTxID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.Provider == provider && tx.ProviderTxID != "" && tx.ProviderTxID == providerTxID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.EscrowID == escrowID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.txs[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if existing.Status == StatusCompleted {
		return ErrTransactionCompleted
	}
	if tx.Status == StatusCompleted {
		for id, other := range m.txs {
			if id != tx.ID && other.EscrowID == tx.EscrowID && other.Status == StatusCompleted {
				return ErrTransactionCompleted
			}
		}
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int, 3)
	for _, tx := range m.txs {
		counts[tx.Status]++
	}
	return counts, nil
}

var _ Store = (*MemoryStore)(nil)
