// keys.go - BLS12-377 key pairs and point encoding for group signatures.

package groupsig

import (
	"encoding/base64"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// KeyPair is a scalar secret and its G1 public key. Validators hold one as signing key,
// the opening authority holds one as opening key.
type KeyPair struct {
	Secret fr.Element
	Public bls12377.G1Affine
}

// GenerateKeyPair returns a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("failed to sample secret: %w", err)
	}
	return KeyPairFromSecret(sk), nil
}

// KeyPairFromSecret derives the public key for sk.
func KeyPairFromSecret(sk fr.Element) *KeyPair {
	return &KeyPair{Secret: sk, Public: mulBase(sk)}
}

func generator() bls12377.G1Affine {
	_, _, g, _ := bls12377.Generators()
	return g
}

func mulBase(k fr.Element) bls12377.G1Affine {
	return mul(generator(), k)
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

// Point wraps a G1 point with base64 JSON encoding of its compressed form.
type Point struct {
	bls12377.G1Affine
}

// MarshalJSON implements the json.Marshaler interface.
func (p Point) MarshalJSON() ([]byte, error) {
	b := p.G1Affine.Bytes()
	return []byte(`"` + base64.StdEncoding.EncodeToString(b[:]) + `"`), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Point) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string for point")
	}
	b, err := base64.StdEncoding.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	_, err = p.G1Affine.SetBytes(b)
	return err
}
