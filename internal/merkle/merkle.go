// Package merkle builds binary SHA3-256 Merkle trees over batch leaves.
//
// Odd levels duplicate their last node before pairing. Leaves and inner nodes are
// domain separated (0x00 and 0x01 prefixes) so a leaf can never be confused with a node.
// The root commits to the leaf count as well, SHA3-256(0x02 || count u64 || top), so
// [a b c] and [a b c c] do not share a root.
package merkle

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const HashSize = 32

var (
	ErrEmptyTree    = errors.New("empty merkle tree")
	ErrInvalidIndex = errors.New("invalid leaf index")
)

const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
	rootPrefix byte = 0x02
)

// Hash is a tree node or leaf digest.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash.
func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != HashSize {
		return fmt.Errorf("expected %d hex bytes, got %d characters", HashSize, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// LeafHash hashes raw leaf data with the leaf domain prefix.
func LeafHash(data []byte) Hash {
	hasher := sha3.New256()
	hasher.Write([]byte{leafPrefix})
	hasher.Write(data)
	var h Hash
	hasher.Sum(h[:0])
	return h
}

// NodeHash hashes two children with the node domain prefix.
func NodeHash(left, right Hash) Hash {
	hasher := sha3.New256()
	hasher.Write([]byte{nodePrefix})
	hasher.Write(left[:])
	hasher.Write(right[:])
	var h Hash
	hasher.Sum(h[:0])
	return h
}

// RootHash binds the top node of a tree to its leaf count.
func RootHash(count int, top Hash) Hash {
	hasher := sha3.New256()
	hasher.Write([]byte{rootPrefix})
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(count))
	hasher.Write(n[:])
	hasher.Write(top[:])
	var h Hash
	hasher.Sum(h[:0])
	return h
}

// Tree keeps every level so paths can be produced without rehashing.
// levels[0] are the leaves, the last level holds the top node.
type Tree struct {
	levels [][]Hash
}

// Build hashes leaves bottom-up and returns the root with the full tree.
func Build(leaves []Hash) (Hash, *Tree, error) {
	if len(leaves) == 0 {
		return Hash{}, nil, ErrEmptyTree
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	t := &Tree{levels: [][]Hash{level}}
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := left
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = NodeHash(left, right)
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t.Root(), t, nil
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	top := t.levels[len(t.levels)-1]
	return RootHash(t.Len(), top[0])
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Path is the sibling list from a leaf up to the root, with the leaf count of the tree.
type Path struct {
	Index    int    `json:"index"`
	Leaves   int    `json:"leaves"`
	Siblings []Hash `json:"siblings"`
}

// Prove returns the path for the leaf at index. Its length is ceil(log2(leaf count)).
func (t *Tree) Prove(index int) (Path, error) {
	if index < 0 || index >= t.Len() {
		return Path{}, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, t.Len())
	}
	p := Path{Index: index, Leaves: t.Len(), Siblings: make([]Hash, 0, len(t.levels)-1)}
	i := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := i ^ 1
		if sib >= len(level) {
			sib = i
		}
		p.Siblings = append(p.Siblings, level[sib])
		i /= 2
	}
	return p, nil
}

// Verify recomputes the root from leaf and path and compares it with root. The path must
// have exactly the depth a tree of path.Leaves leaves has.
func Verify(leaf Hash, path Path, root Hash) bool {
	if path.Index < 0 || path.Index >= path.Leaves || len(path.Siblings) != depth(path.Leaves) {
		return false
	}
	h := leaf
	i := path.Index
	width := path.Leaves
	for _, sib := range path.Siblings {
		if i%2 == 0 {
			// The last node of an odd level is paired with itself.
			if i == width-1 && sib != h {
				return false
			}
			h = NodeHash(h, sib)
		} else {
			h = NodeHash(sib, h)
		}
		i /= 2
		width = (width + 1) / 2
	}
	return RootHash(path.Leaves, h) == root
}

func depth(n int) int {
	d := 0
	for 1<<d < n {
		d++
	}
	return d
}
