// partial.go - Per-record threshold decryption.
//
// A holder never hands over its key share. For one record with ephemeral point R it publishes
// D = s*R together with a Chaum-Pedersen proof that log_G(Y_x) == log_R(D), where
// Y_x = C0 + x*C1 is the public key of its share. Lagrange interpolation in the exponent over
// the custodian and court partials yields m*R, the record's shared point, which decrypts that
// record and no other.

package disclosure

import (
	"encoding/binary"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"golang.org/x/crypto/sha3"

	"batchledger/internal/groupsig"
)

const partialTag = "batchledger/disclosure/partial/v1"

// Partial is one holder's decryption share for a single record.
type Partial struct {
	Role      string         `json:"role"`
	Mandatory bool           `json:"mandatory"`
	X         uint64         `json:"x"`
	TxID      string         `json:"txId"`
	D         groupsig.Point `json:"d"`
	Challenge Scalar         `json:"c"`
	Response  Scalar         `json:"s"`
}

// Decrypt computes the partial decryption of rec under s.
func (s KeyShare) Decrypt(rec Record) (Partial, error) {
	var k fr.Element
	if _, err := k.SetRandom(); err != nil {
		return Partial{}, err
	}
	r := rec.Ephemeral.G1Affine
	p := Partial{
		Role:      s.Role,
		Mandatory: s.Mandatory,
		X:         s.X,
		TxID:      rec.TxID,
		D:         groupsig.Point{G1Affine: mul(r, s.Value.Element)},
	}
	p.Challenge.Element = partialChallenge(rec.TxID, mulBase(s.Value.Element), r, p.D.G1Affine, mulBase(k), mul(r, k))
	var t fr.Element
	t.Mul(&p.Challenge.Element, &s.Value.Element)
	p.Response.Element.Add(&k, &t)
	return p, nil
}

// SharePublic returns f(x)G, the public key of the share at x.
func (c Commitments) SharePublic(x uint64) bls12377.G1Affine {
	return add(c.C0.G1Affine, mul(c.C1.G1Affine, frU64(x)))
}

// VerifyPartial checks that p was computed for rec with the share the commitments fix at p.X.
func (c Commitments) VerifyPartial(p Partial, rec Record) bool {
	if p.TxID != rec.TxID {
		return false
	}
	y := c.SharePublic(p.X)
	r := rec.Ephemeral.G1Affine
	a := sub(mulBase(p.Response.Element), mul(y, p.Challenge.Element))
	b := sub(mul(r, p.Response.Element), mul(p.D.G1Affine, p.Challenge.Element))
	ch := partialChallenge(p.TxID, y, r, p.D.G1Affine, a, b)
	return ch.Equal(&p.Challenge.Element)
}

// RecordKey opens exactly one record.
type RecordKey struct {
	TxID   string
	shared bls12377.G1Affine
}

// Combine checks parts against the unlock policy and the commitments and derives the key of
// rec. It fails like Reconstruct: without a custodian partial, without an oversight partial,
// or when any partial does not verify for rec.
func Combine(parts []Partial, p Policy, c Commitments, rec Record) (RecordKey, error) {
	var custodian *Partial
	var inner []Partial
	for i := range parts {
		s := parts[i]
		switch {
		case s.Role == Custodian:
			if s.X != custodianX {
				return RecordKey{}, reconstructionError(InvalidShare, "custodian partial has x=%d", s.X)
			}
			if custodian != nil && !custodian.D.G1Affine.Equal(&s.D.G1Affine) {
				return RecordKey{}, reconstructionError(InvalidShare, "conflicting custodian partials")
			}
			custodian = &parts[i]
		case p.isOversight(s.Role):
			if s.X != courtX {
				return RecordKey{}, reconstructionError(InvalidShare, "%s partial has x=%d", s.Role, s.X)
			}
			inner = append(inner, s)
		default:
			return RecordKey{}, reconstructionError(InvalidShare, "unknown role %q", s.Role)
		}
	}
	if custodian == nil {
		return RecordKey{}, reconstructionError(MissingMandatoryShare, "%s partial absent, %d oversight partials present", Custodian, len(inner))
	}
	if len(inner) == 0 {
		return RecordKey{}, reconstructionError(InsufficientShares, "no oversight partial present")
	}
	if !c.VerifyPartial(*custodian, rec) {
		return RecordKey{}, reconstructionError(InvalidShare, "%s partial fails proof for %s", Custodian, rec.TxID)
	}
	for _, s := range inner {
		if !c.VerifyPartial(s, rec) {
			return RecordKey{}, reconstructionError(InvalidShare, "%s partial fails proof for %s", s.Role, rec.TxID)
		}
	}

	l, err := lagrangeAtZero([]fr.Element{frU64(custodianX), frU64(courtX)})
	if err != nil {
		return RecordKey{}, reconstructionError(InvalidShare, "%v", err)
	}
	shared := add(mul(custodian.D.G1Affine, l[0]), mul(inner[0].D.G1Affine, l[1]))
	return RecordKey{TxID: rec.TxID, shared: shared}, nil
}

func partialChallenge(txID string, y, r, d, a, b bls12377.G1Affine) fr.Element {
	h := sha3.NewShake256()
	var lb [8]byte
	for _, chunk := range [][]byte{[]byte(partialTag), []byte(txID)} {
		binary.BigEndian.PutUint64(lb[:], uint64(len(chunk)))
		h.Write(lb[:])
		h.Write(chunk)
	}
	for _, p := range []bls12377.G1Affine{y, r, d, a, b} {
		pb := p.Bytes()
		h.Write(pb[:])
	}
	var out [64]byte
	h.Read(out[:])
	var c fr.Element
	c.SetBytes(out[:])
	return c
}
