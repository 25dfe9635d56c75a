// commitment.go - Transfer commitments and nullifiers.
//
// A Commitment stands in for the hidden (sender, receiver, amount) triple of a transfer.
// A Nullifier is unique to one spend and is what the accumulator uses to detect replays.

package commitment

import (
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// Commitment is a binding, hiding digest over a transfer's contents.
type Commitment = Digest

// Nullifier is the per-spend tag committed to the accumulator on finalize.
type Nullifier = Digest

// Salt is the high-entropy secret shared by sender and receiver that hides a commitment.
type Salt [32]byte

// SpendSecret is known only to the sender and makes nullifiers unlinkable to commitments.
type SpendSecret [32]byte

// NewSalt samples a fresh salt.
func NewSalt() (Salt, error) {
	e, err := randomElement()
	if err != nil {
		return Salt{}, fmt.Errorf("salt generation failed: %w", err)
	}
	return Salt(e.Bytes()), nil
}

// NewSpendSecret samples a fresh spend secret.
func NewSpendSecret() (SpendSecret, error) {
	e, err := randomElement()
	if err != nil {
		return SpendSecret{}, fmt.Errorf("spend secret generation failed: %w", err)
	}
	return SpendSecret(e.Bytes()), nil
}

// MarshalText encodes the salt as hex.
func (s Salt) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

// UnmarshalText decodes a hex salt.
func (s *Salt) UnmarshalText(text []byte) error {
	return decodeHex32((*[32]byte)(s), text)
}

// Element returns the salt reduced into the scalar field.
func (s Salt) Element() fr.Element {
	var e fr.Element
	e.SetBytes(s[:])
	return e
}

// Element returns the spend secret reduced into the scalar field.
func (s SpendSecret) Element() fr.Element {
	var e fr.Element
	e.SetBytes(s[:])
	return e
}

// Commit computes MiMC(F(sender) || F(receiver) || F(amount) || F(salt)).
// The output is deterministic in its inputs.
func Commit(sender, receiver string, amount uint64, salt Salt) Commitment {
	return mimcSum(IDElement(sender), IDElement(receiver), AmountElement(amount), salt.Element())
}

// ComputeNullifier computes MiMC(commitment || F(sender) || F(spendSecret)).
func ComputeNullifier(cm Commitment, sender string, secret SpendSecret) Nullifier {
	return mimcSum(cm.Element(), IDElement(sender), secret.Element())
}

// Opening is everything needed to recompute a commitment.
type Opening struct {
	Sender   string
	Receiver string
	Amount   uint64
	Salt     Salt
}

// Commit recomputes the commitment for this opening.
func (o Opening) Commit() Commitment {
	return Commit(o.Sender, o.Receiver, o.Amount, o.Salt)
}

// Matches reports whether the opening recomputes cm.
func (o Opening) Matches(cm Commitment) bool {
	return o.Commit() == cm
}

// Elements returns the four committed field elements in canonical order.
func (o Opening) Elements() [4]fr.Element {
	return [4]fr.Element{IDElement(o.Sender), IDElement(o.Receiver), AmountElement(o.Amount), o.Salt.Element()}
}

// Blinding returns the opening with the amount removed, as consumed by the range prover.
func (o Opening) Blinding() Blinding {
	return Blinding{
		Sender:   IDElement(o.Sender),
		Receiver: IDElement(o.Receiver),
		Salt:     o.Salt.Element(),
	}
}

// Blinding is the non-value part of a commitment opening.
type Blinding struct {
	Sender   fr.Element
	Receiver fr.Element
	Salt     fr.Element
}

// CommitValue recomputes the commitment for value under this blinding.
func (b Blinding) CommitValue(value uint64) Commitment {
	return mimcSum(b.Sender, b.Receiver, AmountElement(value), b.Salt)
}

// PaddingBlinding is the fixed all-zero blinding used for empty aggregate slots.
func PaddingBlinding() Blinding {
	return Blinding{}
}
