// field.go - Canonical field encodings shared by commitments, nullifiers and circuits.

package commitment

import (
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr/mimc"
	"golang.org/x/crypto/sha3"
)

// idDomain separates identifier hashing from every other SHA3 use in the module.
const idDomain = "batchledger/id"

// Digest is a 32-byte canonical field element produced by MiMC.
type Digest [32]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// Element returns the digest as a field element.
func (d Digest) Element() fr.Element {
	var e fr.Element
	e.SetBytes(d[:])
	return e
}

// MarshalText encodes the digest as hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(text []byte) error {
	return decodeHex32((*[32]byte)(d), text)
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := d.UnmarshalText([]byte(s))
	return d, err
}

func decodeHex32(dst *[32]byte, text []byte) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return fmt.Errorf("expected %d hex bytes, got %d characters", len(dst), len(text))
	}
	_, err := hex.Decode(dst[:], text)
	return err
}

// IsZero reports whether the digest is all zeroes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// IDElement maps an account identifier to a field element.
func IDElement(id string) fr.Element {
	h := sha3.New256()
	h.Write([]byte(idDomain))
	h.Write([]byte(id))
	var e fr.Element
	e.SetBytes(h.Sum(nil))
	return e
}

// AmountElement maps an amount to a field element.
func AmountElement(amount uint64) fr.Element {
	var e fr.Element
	e.SetUint64(amount)
	return e
}

// mimcSum hashes the canonical encodings of the given elements.
func mimcSum(elems ...fr.Element) Digest {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// randomElement samples a uniformly random field element.
func randomElement() (fr.Element, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return fr.Element{}, err
	}
	return e, nil
}
