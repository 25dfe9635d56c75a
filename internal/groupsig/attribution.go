package groupsig

import (
	"errors"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

const attributionTag = "batchledger/groupsig/attribution/v1"

var ErrNotAttributed = errors.New("signature tag does not belong to the claimed member")

// Attribution is a Chaum-Pedersen proof that the tag of a signature was made with the secret
// behind one public key. A member attaches it when it must vote under its own name, for example
// as a mandatory participant. Only that one signature is de-anonymised.
type Attribution struct {
	Challenge fr.Element `json:"c"`
	Response  fr.Element `json:"s"`
}

// Attribute proves that key produced sig under scope.
func Attribute(scope []byte, sig *Signature, key *KeyPair) (*Attribution, error) {
	h, err := ScopeBase(scope)
	if err != nil {
		return nil, err
	}
	if tag := mul(h, key.Secret); !tag.Equal(&sig.Tag) {
		return nil, ErrNotAttributed
	}
	var k fr.Element
	if _, err := k.SetRandom(); err != nil {
		return nil, err
	}
	a := &Attribution{}
	a.Challenge = attributionChallenge(scope, key.Public, sig.Tag, mulBase(k), mul(h, k))
	var t fr.Element
	t.Mul(&a.Challenge, &key.Secret)
	a.Response.Add(&k, &t)
	return a, nil
}

// Verify reports whether the tag of sig under scope was made with the secret of pub.
func (a *Attribution) Verify(scope []byte, sig *Signature, pub bls12377.G1Affine) bool {
	if a == nil || sig == nil {
		return false
	}
	h, err := ScopeBase(scope)
	if err != nil {
		return false
	}
	ca := sub(mulBase(a.Response), mul(pub, a.Challenge))
	cb := sub(mul(h, a.Response), mul(sig.Tag, a.Challenge))
	c := attributionChallenge(scope, pub, sig.Tag, ca, cb)
	return c.Equal(&a.Challenge)
}

func attributionChallenge(scope []byte, pub, tag, ca, cb bls12377.G1Affine) fr.Element {
	t := newTranscript(attributionTag)
	t.bytes(scope)
	t.point(pub)
	t.point(tag)
	t.point(ca)
	t.point(cb)
	return t.challenge()
}
