// signature.go - Openable, linkable ring signatures over BLS12-377 G1.
//
// A signature carries an ElGamal encryption (C1, C2) = (rG, P_i + rY) of the signer's public key
// under the opener key Y, a linking tag T = x*H where H is hashed from the signing scope, and a
// Fiat-Shamir OR proof that for some ring member j the signer knows x with P_j = xG, T = xH and
// r with C1 = rG and C2 - P_j = rY. Verifiers learn only that some member signed, and that two
// signatures with the same scope and tag come from the same member. The opener recovers P_i as
// C2 - y*C1.

package groupsig

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"golang.org/x/crypto/sha3"
)

var ErrMalformedSignature = errors.New("malformed group signature")

const (
	transcriptTag = "batchledger/groupsig/v2"
	scopeDST      = "BATCHLEDGER-GROUPSIG-SCOPE-V01-CS01-with-BLS12377G1_XMD:SHA-256_SSWU_RO_"
	pointSize     = bls12377.SizeOfG1AffineCompressed
	scalarSize    = fr.Bytes
)

// Signature is an anonymous, openable signature by one ring member.
type Signature struct {
	C1         bls12377.G1Affine
	C2         bls12377.G1Affine
	Tag        bls12377.G1Affine
	Challenges []fr.Element
	Z1         []fr.Element
	Z2         []fr.Element
}

// ScopeBase maps a signing scope to the G1 point linking tags are computed on.
func ScopeBase(scope []byte) (bls12377.G1Affine, error) {
	return bls12377.HashToG1(scope, []byte(scopeDST))
}

// Sign signs msg as the ring member owning key. Signatures by the same key under the same scope
// carry the same tag. opener is the public opening key.
func Sign(scope, msg []byte, key *KeyPair, ring *Ring, opener bls12377.G1Affine) (*Signature, error) {
	idx, err := ring.IndexOf(key.Public)
	if err != nil {
		return nil, err
	}
	h, err := ScopeBase(scope)
	if err != nil {
		return nil, fmt.Errorf("hash scope: %w", err)
	}
	n := ring.Len()

	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, err
	}
	sig := &Signature{
		C1:         mulBase(r),
		C2:         add(key.Public, mul(opener, r)),
		Tag:        mul(h, key.Secret),
		Challenges: make([]fr.Element, n),
		Z1:         make([]fr.Element, n),
		Z2:         make([]fr.Element, n),
	}

	cs := make([]branch, n)

	var alpha, beta fr.Element
	if _, err := alpha.SetRandom(); err != nil {
		return nil, err
	}
	if _, err := beta.SetRandom(); err != nil {
		return nil, err
	}
	cs[idx] = branch{a: mulBase(alpha), e: mul(h, alpha), b: mulBase(beta), d: mul(opener, beta)}

	var sum fr.Element
	for j := 0; j < n; j++ {
		if j == idx {
			continue
		}
		for _, s := range []*fr.Element{&sig.Challenges[j], &sig.Z1[j], &sig.Z2[j]} {
			if _, err := s.SetRandom(); err != nil {
				return nil, err
			}
		}
		cs[j] = sig.branch(j, ring.members[j].Public.G1Affine, h, opener)
		sum.Add(&sum, &sig.Challenges[j])
	}

	c := challenge(msg, ring, opener, h, sig, cs)
	sig.Challenges[idx].Sub(&c, &sum)

	var t fr.Element
	t.Mul(&sig.Challenges[idx], &key.Secret)
	sig.Z1[idx].Add(&alpha, &t)
	t.Mul(&sig.Challenges[idx], &r)
	sig.Z2[idx].Add(&beta, &t)
	return sig, nil
}

// Verify reports whether sig is a valid signature on msg under scope by some member of ring.
func Verify(scope, msg []byte, sig *Signature, ring *Ring, opener bls12377.G1Affine) bool {
	if sig == nil {
		return false
	}
	n := ring.Len()
	if len(sig.Challenges) != n || len(sig.Z1) != n || len(sig.Z2) != n {
		return false
	}
	if sig.Tag.IsInfinity() || !sig.Tag.IsInSubGroup() {
		return false
	}
	h, err := ScopeBase(scope)
	if err != nil {
		return false
	}
	cs := make([]branch, n)
	var sum fr.Element
	for j := 0; j < n; j++ {
		cs[j] = sig.branch(j, ring.members[j].Public.G1Affine, h, opener)
		sum.Add(&sum, &sig.Challenges[j])
	}
	c := challenge(msg, ring, opener, h, sig, cs)
	return c.Equal(&sum)
}

// Linked reports whether a and b, both valid under the same scope, were made by the same member.
func Linked(a, b *Signature) bool {
	return a != nil && b != nil && a.Tag.Equal(&b.Tag)
}

// Open recovers the id of the ring member that produced sig. The signature is verified first
// so a forged ciphertext cannot be attributed to an honest member.
func Open(scope, msg []byte, sig *Signature, ring *Ring, opener *KeyPair) (string, error) {
	if !Verify(scope, msg, sig, ring, opener.Public) {
		return "", ErrMalformedSignature
	}
	pub := sub(sig.C2, mul(sig.C1, opener.Secret))
	idx, err := ring.IndexOf(pub)
	if err != nil {
		return "", ErrUnknownSigner
	}
	return ring.members[idx].ID, nil
}

type branch struct {
	a, e, b, d bls12377.G1Affine
}

// branch recomputes the OR-proof commitments of branch j from its challenge and responses.
func (s *Signature) branch(j int, pj, h, opener bls12377.G1Affine) branch {
	c := s.Challenges[j]
	return branch{
		a: sub(mulBase(s.Z1[j]), mul(pj, c)),
		e: sub(mul(h, s.Z1[j]), mul(s.Tag, c)),
		b: sub(mulBase(s.Z2[j]), mul(s.C1, c)),
		d: sub(mul(opener, s.Z2[j]), mul(sub(s.C2, pj), c)),
	}
}

func challenge(msg []byte, ring *Ring, opener, h bls12377.G1Affine, sig *Signature, cs []branch) fr.Element {
	t := newTranscript(transcriptTag)
	t.bytes(msg)
	t.point(opener)
	t.point(h)
	for _, m := range ring.members {
		t.point(m.Public.G1Affine)
	}
	t.point(sig.C1)
	t.point(sig.C2)
	t.point(sig.Tag)
	for _, c := range cs {
		t.point(c.a)
		t.point(c.e)
		t.point(c.b)
		t.point(c.d)
	}
	return t.challenge()
}

type transcript struct {
	h sha3.ShakeHash
}

func newTranscript(tag string) *transcript {
	t := &transcript{h: sha3.NewShake256()}
	t.bytes([]byte(tag))
	return t
}

func (t *transcript) bytes(b []byte) {
	var lb [8]byte
	binary.BigEndian.PutUint64(lb[:], uint64(len(b)))
	t.h.Write(lb[:])
	t.h.Write(b)
}

func (t *transcript) point(p bls12377.G1Affine) {
	pb := p.Bytes()
	t.h.Write(pb[:])
}

// challenge reduces 64 bytes of output so the result is close to uniform in fr.
func (t *transcript) challenge() fr.Element {
	var out [64]byte
	t.h.Read(out[:])
	var c fr.Element
	c.SetBytes(out[:])
	return c
}

// Bytes encodes the signature as count u16 || C1 || C2 || Tag || (c, z1, z2)*.
func (s *Signature) Bytes() []byte {
	n := len(s.Challenges)
	out := make([]byte, 2, 2+3*pointSize+3*n*scalarSize)
	binary.BigEndian.PutUint16(out, uint16(n))
	for _, p := range []bls12377.G1Affine{s.C1, s.C2, s.Tag} {
		pb := p.Bytes()
		out = append(out, pb[:]...)
	}
	for j := 0; j < n; j++ {
		for _, e := range []fr.Element{s.Challenges[j], s.Z1[j], s.Z2[j]} {
			eb := e.Bytes()
			out = append(out, eb[:]...)
		}
	}
	return out
}

// ParseSignature decodes the output of Signature.Bytes.
func ParseSignature(data []byte) (*Signature, error) {
	if len(data) < 2+3*pointSize {
		return nil, ErrMalformedSignature
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+3*pointSize+3*n*scalarSize {
		return nil, fmt.Errorf("%w: length %d for %d members", ErrMalformedSignature, len(data), n)
	}
	s := &Signature{
		Challenges: make([]fr.Element, n),
		Z1:         make([]fr.Element, n),
		Z2:         make([]fr.Element, n),
	}
	off := 2
	for _, p := range []*bls12377.G1Affine{&s.C1, &s.C2, &s.Tag} {
		if _, err := p.SetBytes(data[off : off+pointSize]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		}
		off += pointSize
	}
	for j := 0; j < n; j++ {
		for _, e := range []*fr.Element{&s.Challenges[j], &s.Z1[j], &s.Z2[j]} {
			if err := e.SetBytesCanonical(data[off : off+scalarSize]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
			}
			off += scalarSize
		}
	}
	return s, nil
}

// MarshalJSON implements the json.Marshaler interface.
func (s *Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Bytes())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSignature(raw)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
