package groupsig

import (
	"errors"
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
)

var (
	ErrEmptyRing     = errors.New("empty ring")
	ErrDuplicateKey  = errors.New("duplicate key in ring")
	ErrNotMember     = errors.New("key is not a ring member")
	ErrUnknownSigner = errors.New("opened key matches no ring member")
)

// Member is one entry of a ring: a validator id and its public key.
type Member struct {
	ID     string `json:"id"`
	Public Point  `json:"public"`
}

// Ring is the ordered validator key set signatures are produced against.
// Order matters: signer and verifier must use the same ring.
type Ring struct {
	members []Member
}

// NewRing validates members and builds a ring.
func NewRing(members []Member) (*Ring, error) {
	if len(members) == 0 {
		return nil, ErrEmptyRing
	}
	seen := make(map[[48]byte]string, len(members))
	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		k := m.Public.G1Affine.Bytes()
		if other, ok := seen[k]; ok {
			return nil, fmt.Errorf("%w: %s and %s", ErrDuplicateKey, other, m.ID)
		}
		if _, ok := ids[m.ID]; ok {
			return nil, fmt.Errorf("duplicate member id %q", m.ID)
		}
		seen[k] = m.ID
		ids[m.ID] = struct{}{}
	}
	cp := make([]Member, len(members))
	copy(cp, members)
	return &Ring{members: cp}, nil
}

// Len returns the number of members.
func (r *Ring) Len() int {
	return len(r.members)
}

// Members returns a copy of the ring members.
func (r *Ring) Members() []Member {
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// IndexOf returns the position of pub in the ring.
func (r *Ring) IndexOf(pub bls12377.G1Affine) (int, error) {
	for i := range r.members {
		if r.members[i].Public.G1Affine.Equal(&pub) {
			return i, nil
		}
	}
	return -1, ErrNotMember
}

// Member returns the ring member with the given id.
func (r *Ring) Member(id string) (Member, bool) {
	for _, m := range r.members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}
