package consensus

import (
	"sort"
	"sync"

	"batchledger/internal/commitment"
)

// Store is the persistence the engine relies on. Nullifiers are append-only.
type Store interface {
	SaveBatch(b *Batch) error
	// LoadLatestBatch returns the batch with the highest id, or nil when none was saved.
	LoadLatestBatch() (*Batch, error)
	SavePendingTransfer(t *Transfer) error
	DeletePendingTransfer(t *Transfer) error
	LoadPendingTransfers() ([]*Transfer, error)
	SaveNullifier(n commitment.Nullifier) error
	LoadNullifiers() ([]commitment.Nullifier, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	batches    map[uint64]*Batch
	pending    map[uint64]*Transfer
	nullifiers []commitment.Nullifier
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[uint64]*Batch),
		pending: make(map[uint64]*Transfer),
	}
}

func (s *MemoryStore) SaveBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b.clone()
	return nil
}

func (s *MemoryStore) LoadLatestBatch() (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Batch
	for id, b := range s.batches {
		if latest == nil || id > latest.ID {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.clone(), nil
}

// Batch returns a saved batch.
func (s *MemoryStore) Batch(id uint64) (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

func (s *MemoryStore) SavePendingTransfer(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[t.Ordinal] = t
	return nil
}

func (s *MemoryStore) DeletePendingTransfer(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, t.Ordinal)
	return nil
}

func (s *MemoryStore) LoadPendingTransfers() ([]*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transfer, 0, len(s.pending))
	for _, t := range s.pending {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *MemoryStore) SaveNullifier(n commitment.Nullifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nullifiers = append(s.nullifiers, n)
	return nil
}

func (s *MemoryStore) LoadNullifiers() ([]commitment.Nullifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commitment.Nullifier(nil), s.nullifiers...), nil
}
