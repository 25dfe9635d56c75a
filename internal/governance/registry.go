package governance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrDuplicateValidator = errors.New("validator already registered")
)

// Validator is the long-lived registry entry of one validator. Stake and Active are changed
// only through the registry, never by batch consensus.
type Validator struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Active    bool   `json:"active"`
	Stake     uint64 `json:"stake"`
}

// Registry is the validator set shared by governance and consensus.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*Validator
}

// NewRegistry returns a registry holding vs.
func NewRegistry(vs ...Validator) (*Registry, error) {
	r := &Registry{validators: make(map[string]*Validator, len(vs))}
	for _, v := range vs {
		if err := r.Add(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a validator.
func (r *Registry) Add(v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[v.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, v.ID)
	}
	cp := v
	r.validators[v.ID] = &cp
	return nil
}

// Get returns the validator with id.
func (r *Registry) Get(id string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	if !ok {
		return Validator{}, fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	return *v, nil
}

// SetActive changes whether id takes part in votes.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	v.Active = active
	return nil
}

// SetStake changes the stake of id.
func (r *Registry) SetStake(id string, stake uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	v.Stake = stake
	return nil
}

// IsActive reports whether id is registered and active.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	return ok && v.Active
}

// ActiveValidators returns the sorted ids of active validators.
func (r *Registry) ActiveValidators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for id, v := range r.validators {
		if v.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
