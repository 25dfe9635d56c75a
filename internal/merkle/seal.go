package merkle

import (
	"context"
	"encoding/binary"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

// Seal searches for a nonce such that SHA3-256(header || nonce) has at least difficulty
// leading zero bits. A difficulty of zero returns nonce 0 immediately.
func Seal(ctx context.Context, header []byte, difficulty uint8) (uint64, Hash, error) {
	var nonce uint64
	for {
		h := sealHash(header, nonce)
		if leadingZeroBits(h) >= int(difficulty) {
			return nonce, h, nil
		}
		nonce++
		if nonce&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return 0, Hash{}, err
			}
		}
	}
}

// CheckSeal reports whether nonce satisfies difficulty for header.
func CheckSeal(header []byte, nonce uint64, difficulty uint8) bool {
	return leadingZeroBits(sealHash(header, nonce)) >= int(difficulty)
}

func sealHash(header []byte, nonce uint64) Hash {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	hasher := sha3.New256()
	hasher.Write(header)
	hasher.Write(nb[:])
	var h Hash
	hasher.Sum(h[:0])
	return h
}

func leadingZeroBits(h Hash) int {
	n := 0
	for _, b := range h {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}
