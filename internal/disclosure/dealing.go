// dealing.go - Two-layer escrow key dealing.
//
// The master escrow key m is split with a degree-1 polynomial f(x) = m + a*x:
// the Custodian holds f(1) and the court-combined share is f(2). Both are needed for m.
// The court-combined share is itself dealt 1-of-k to the oversight roles (a degree-0 split),
// so any single oversight holder supplies f(2), but no set of them can reach m alone.
// Feldman commitments C0 = mG and C1 = aG let anyone check a share: f(x)G == C0 + x*C1.

package disclosure

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"

	"batchledger/internal/groupsig"
)

// Custodian is the mandatory outer share holder.
const Custodian = "custodian"

const (
	custodianX = 1
	courtX     = 2
)

// DefaultOversightRoles are the inner 1-of-k holders.
var DefaultOversightRoles = []string{"court", "regulator-a", "regulator-b", "regulator-c", "regulator-d"}

// Scalar is a field element with hex JSON encoding.
type Scalar struct {
	fr.Element
}

// MarshalJSON implements the json.Marshaler interface.
func (s Scalar) MarshalJSON() ([]byte, error) {
	b := s.Element.Bytes()
	return json.Marshal(hex.EncodeToString(b[:]))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	var h string
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return err
	}
	return s.Element.SetBytesCanonical(b)
}

// KeyShare is one holder's piece of the escrow key.
type KeyShare struct {
	Role      string `json:"role"`
	Mandatory bool   `json:"mandatory"`
	X         uint64 `json:"x"`
	Value     Scalar `json:"value"`
}

// Commitments are the public Feldman commitments of a dealing.
type Commitments struct {
	C0 groupsig.Point `json:"c0"`
	C1 groupsig.Point `json:"c1"`
}

// EscrowPublic is the public key records are sealed under (mG).
func (c Commitments) EscrowPublic() bls12377.G1Affine {
	return c.C0.G1Affine
}

// Policy lists the oversight roles allowed to supply the court-combined share.
type Policy struct {
	OversightRoles []string
}

func (p Policy) isOversight(role string) bool {
	for _, r := range p.OversightRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Dealing is the output of Deal: the public commitments and every holder's share.
type Dealing struct {
	Commitments Commitments `json:"commitments"`
	Shares      []KeyShare  `json:"shares"`
}

// Deal creates a fresh master key and shares it per the two-layer policy.
func Deal(p Policy) (*Dealing, error) {
	if len(p.OversightRoles) == 0 {
		return nil, fmt.Errorf("at least one oversight role is required")
	}
	seen := map[string]struct{}{Custodian: {}}
	for _, r := range p.OversightRoles {
		if _, ok := seen[r]; ok {
			return nil, fmt.Errorf("duplicate role %q", r)
		}
		seen[r] = struct{}{}
	}

	var master fr.Element
	if _, err := master.SetRandom(); err != nil {
		return nil, err
	}
	coeffs, err := randomPolynomial(master, 1)
	if err != nil {
		return nil, err
	}

	d := &Dealing{
		Commitments: Commitments{
			C0: groupsig.Point{G1Affine: mulBase(coeffs[0])},
			C1: groupsig.Point{G1Affine: mulBase(coeffs[1])},
		},
	}
	var x fr.Element
	x.SetUint64(custodianX)
	d.Shares = append(d.Shares, KeyShare{Role: Custodian, Mandatory: true, X: custodianX, Value: Scalar{evaluate(coeffs, x)}})

	x.SetUint64(courtX)
	court := evaluate(coeffs, x)
	inner, err := randomPolynomial(court, 0)
	if err != nil {
		return nil, err
	}
	for _, role := range p.OversightRoles {
		var idx fr.Element
		idx.SetUint64(uint64(len(d.Shares)))
		d.Shares = append(d.Shares, KeyShare{Role: role, X: courtX, Value: Scalar{evaluate(inner, idx)}})
	}
	return d, nil
}

// Share returns the share dealt to role.
func (d *Dealing) Share(role string) (KeyShare, bool) {
	for _, s := range d.Shares {
		if s.Role == role {
			return s, true
		}
	}
	return KeyShare{}, false
}

// VerifyShare checks a share against the Feldman commitments.
func (c Commitments) VerifyShare(s KeyShare) bool {
	expected := c.SharePublic(s.X)
	got := mulBase(s.Value.Element)
	return got.Equal(&expected)
}

// Reconstruct recovers the master key from shares. The custodian share is required, and at least
// one oversight share must supply the court-combined value; every share must verify. The master
// key opens every record, so it is for escrow recovery only; disclosure of a single transfer
// goes through Combine.
func Reconstruct(shares []KeyShare, p Policy, c Commitments) (fr.Element, error) {
	var custodian *KeyShare
	var inner []KeyShare
	for i := range shares {
		s := shares[i]
		switch {
		case s.Role == Custodian:
			if s.X != custodianX {
				return fr.Element{}, reconstructionError(InvalidShare, "custodian share has x=%d", s.X)
			}
			if custodian != nil && !custodian.Value.Equal(&s.Value.Element) {
				return fr.Element{}, reconstructionError(InvalidShare, "conflicting custodian shares")
			}
			custodian = &shares[i]
		case p.isOversight(s.Role):
			if s.X != courtX {
				return fr.Element{}, reconstructionError(InvalidShare, "%s share has x=%d", s.Role, s.X)
			}
			inner = append(inner, s)
		default:
			return fr.Element{}, reconstructionError(InvalidShare, "unknown role %q", s.Role)
		}
	}
	if custodian == nil {
		return fr.Element{}, reconstructionError(MissingMandatoryShare, "%s share absent, %d oversight shares present", Custodian, len(inner))
	}
	if len(inner) == 0 {
		return fr.Element{}, reconstructionError(InsufficientShares, "no oversight share present")
	}
	if !c.VerifyShare(*custodian) {
		return fr.Element{}, reconstructionError(InvalidShare, "%s share fails commitment check", Custodian)
	}
	for _, s := range inner {
		if !c.VerifyShare(s) {
			return fr.Element{}, reconstructionError(InvalidShare, "%s share fails commitment check", s.Role)
		}
	}

	pts := []point{
		{x: frU64(custodianX), y: custodian.Value.Element},
		{x: frU64(courtX), y: inner[0].Value.Element},
	}
	master, err := interpolateAtZero(pts)
	if err != nil {
		return fr.Element{}, reconstructionError(InvalidShare, "%v", err)
	}
	pub := mulBase(master)
	if !pub.Equal(&c.C0.G1Affine) {
		return fr.Element{}, reconstructionError(InvalidShare, "reconstructed key does not match commitment")
	}
	return master, nil
}

func frU64(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

func mulBase(k fr.Element) bls12377.G1Affine {
	_, _, g, _ := bls12377.Generators()
	return mul(g, k)
}

func mul(p bls12377.G1Affine, k fr.Element) bls12377.G1Affine {
	var out bls12377.G1Affine
	out.ScalarMultiplication(&p, k.BigInt(new(big.Int)))
	return out
}

func add(a, b bls12377.G1Affine) bls12377.G1Affine {
	var ja, jb bls12377.G1Jac
	ja.FromAffine(&a)
	jb.FromAffine(&b)
	ja.AddAssign(&jb)
	var out bls12377.G1Affine
	out.FromJacobian(&ja)
	return out
}

func sub(a, b bls12377.G1Affine) bls12377.G1Affine {
	var ja, jb bls12377.G1Jac
	ja.FromAffine(&a)
	jb.FromAffine(&b)
	ja.SubAssign(&jb)
	var out bls12377.G1Affine
	out.FromJacobian(&ja)
	return out
}
