// accumulator.go - Append-only nullifier accumulator.
//
// The accumulator keeps a hash set for O(1) membership and a running SHA3 hash chain over the
// insertion order, so two replicas that committed the same nullifiers in the same order agree on Digest.
//
// Removal is intentionally absent: the hash chain would have to be recomputed from scratch (O(n)).

package commitment

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// ErrReplay is returned when a nullifier is already a member of the accumulator.
var ErrReplay = errors.New("replay detected: nullifier already committed")

// Accumulator is the NullifierSet: a nullifier, once added, is permanently a member.
// It is safe for concurrent use.
type Accumulator struct {
	mu      sync.RWMutex
	members map[Nullifier]struct{}
	order   []Nullifier
	digest  Digest
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		members: make(map[Nullifier]struct{}),
		order:   make([]Nullifier, 0),
	}
}

// RestoreAccumulator rebuilds an accumulator from nullifiers in their original insertion order.
func RestoreAccumulator(nullifiers []Nullifier) (*Accumulator, error) {
	acc := NewAccumulator()
	for _, n := range nullifiers {
		if err := acc.Add(n); err != nil {
			return nil, fmt.Errorf("restore accumulator: %w", err)
		}
	}
	return acc, nil
}

// Add inserts n, failing with ErrReplay if it is already a member.
func (a *Accumulator) Add(n Nullifier) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.members[n]; ok {
		return fmt.Errorf("%w: %s", ErrReplay, n)
	}
	a.insert(n)
	return nil
}

// AddAll inserts every nullifier or none of them.
// Duplicates inside ns are replays as well.
func (a *Accumulator) AddAll(ns []Nullifier) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[Nullifier]struct{}, len(ns))
	for _, n := range ns {
		if _, ok := a.members[n]; ok {
			return fmt.Errorf("%w: %s", ErrReplay, n)
		}
		if _, ok := seen[n]; ok {
			return fmt.Errorf("%w: %s (duplicated in batch)", ErrReplay, n)
		}
		seen[n] = struct{}{}
	}
	for _, n := range ns {
		a.insert(n)
	}
	return nil
}

// insert must be called with the write lock held.
func (a *Accumulator) insert(n Nullifier) {
	a.members[n] = struct{}{}
	a.order = append(a.order, n)
	h := sha3.New256()
	h.Write(a.digest[:])
	h.Write(n[:])
	copy(a.digest[:], h.Sum(nil))
}

// Contains reports membership in O(1).
func (a *Accumulator) Contains(n Nullifier) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.members[n]
	return ok
}

// Len returns the number of committed nullifiers.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.members)
}

// Digest returns the current hash-chain value.
func (a *Accumulator) Digest() Digest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.digest
}

// Nullifiers returns the members in insertion order.
func (a *Accumulator) Nullifiers() []Nullifier {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Nullifier, len(a.order))
	copy(out, a.order)
	return out
}
