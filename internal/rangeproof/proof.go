// proof.go - Proving and verification of range statements.

package rangeproof

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"batchledger/internal/commitment"
)

var (
	// ErrOutOfRange is returned when asked to prove a value above the bound.
	ErrOutOfRange = errors.New("value exceeds range bound")
	// ErrOpeningMismatch is returned when the witness does not open the commitment.
	ErrOpeningMismatch = errors.New("witness does not open commitment")
	// ErrMalformed marks a verification request that is structurally invalid (a caller bug,
	// as opposed to a proof that simply fails to verify).
	ErrMalformed = errors.New("malformed range proof input")
)

// Proof is a single-transfer range proof.
type Proof struct {
	MaxValue uint64 `json:"max_value"`
	Data     []byte `json:"data"`
}

// AggregateProof covers every commitment of one batch in a single constant-size proof.
type AggregateProof struct {
	MaxValue uint64 `json:"max_value"`
	Count    int    `json:"count"`
	Data     []byte `json:"data"`
}

// Witness is the secret side of one committed transfer.
type Witness struct {
	Value    uint64
	Blinding commitment.Blinding
}

// Commitment returns the commitment the witness opens.
func (w Witness) Commitment() commitment.Commitment {
	return w.Blinding.CommitValue(w.Value)
}

func bigOf(e fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}

func bigU64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func (s *System) checkBound(maxValue uint64) error {
	if s.params.Bits < 64 && maxValue >= uint64(1)<<uint(s.params.Bits) {
		return fmt.Errorf("%w: max value %d exceeds %d bits", ErrMalformed, maxValue, s.params.Bits)
	}
	return nil
}

// Prove produces a proof that the value hidden in Commitment(w) lies in [0, maxValue].
func (s *System) Prove(w Witness, maxValue uint64) (*Proof, error) {
	if err := s.checkBound(maxValue); err != nil {
		return nil, err
	}
	if w.Value > maxValue {
		return nil, fmt.Errorf("%w: %d > %d", ErrOutOfRange, w.Value, maxValue)
	}
	assignment := &RangeCircuit{
		Commitment: bigOf(w.Commitment().Element()),
		MaxValue:   bigU64(maxValue),
		Value:      bigU64(w.Value),
		Sender:     bigOf(w.Blinding.Sender),
		Receiver:   bigOf(w.Blinding.Receiver),
		Salt:       bigOf(w.Blinding.Salt),
	}
	data, err := s.prove(s.single, assignment)
	if err != nil {
		return nil, err
	}
	return &Proof{MaxValue: maxValue, Data: data}, nil
}

// Verify checks a single proof against the commitment it claims to cover.
// A proof that does not verify, or that proves a bound looser than the system's MaxValue,
// yields false and a nil error.
func (s *System) Verify(cm commitment.Commitment, p *Proof) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil proof", ErrMalformed)
	}
	if err := s.checkBound(p.MaxValue); err != nil {
		return false, err
	}
	if p.MaxValue > s.params.MaxValue {
		return false, nil
	}
	public := &RangeCircuit{
		Commitment: bigOf(cm.Element()),
		MaxValue:   bigU64(p.MaxValue),
		Value:      0,
		Sender:     0,
		Receiver:   0,
		Salt:       0,
	}
	return s.verify(s.single, public, p.Data)
}

// ProveAggregate proves the range statement for every witness of a batch.
// The witness order must match the order of the commitments given to VerifyAggregate.
func (s *System) ProveAggregate(ws []Witness, maxValue uint64) (*AggregateProof, error) {
	if len(ws) > s.params.Capacity {
		return nil, fmt.Errorf("%w: %d witnesses exceed capacity %d", ErrMalformed, len(ws), s.params.Capacity)
	}
	if err := s.checkBound(maxValue); err != nil {
		return nil, err
	}
	assignment := newAggregateCircuit(s.params.Capacity, s.params.Bits)
	assignment.MaxValue = bigU64(maxValue)
	pad := commitment.PaddingBlinding()
	padCm := bigOf(pad.CommitValue(0).Element())
	for i := 0; i < s.params.Capacity; i++ {
		if i >= len(ws) {
			assignment.Commitments[i] = padCm
			assignment.Values[i] = 0
			assignment.Senders[i] = bigOf(pad.Sender)
			assignment.Receivers[i] = bigOf(pad.Receiver)
			assignment.Salts[i] = bigOf(pad.Salt)
			continue
		}
		w := ws[i]
		if w.Value > maxValue {
			return nil, fmt.Errorf("%w: slot %d carries %d > %d", ErrOutOfRange, i, w.Value, maxValue)
		}
		assignment.Commitments[i] = bigOf(w.Commitment().Element())
		assignment.Values[i] = bigU64(w.Value)
		assignment.Senders[i] = bigOf(w.Blinding.Sender)
		assignment.Receivers[i] = bigOf(w.Blinding.Receiver)
		assignment.Salts[i] = bigOf(w.Blinding.Salt)
	}
	data, err := s.prove(s.aggregate, assignment)
	if err != nil {
		return nil, err
	}
	return &AggregateProof{MaxValue: maxValue, Count: len(ws), Data: data}, nil
}

// VerifyAggregate checks an aggregate proof against the commitments of a batch, in order.
// As with Verify, the proven bound must not exceed the system's MaxValue.
func (s *System) VerifyAggregate(cms []commitment.Commitment, p *AggregateProof) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil proof", ErrMalformed)
	}
	if len(cms) > s.params.Capacity {
		return false, fmt.Errorf("%w: %d commitments exceed capacity %d", ErrMalformed, len(cms), s.params.Capacity)
	}
	if err := s.checkBound(p.MaxValue); err != nil {
		return false, err
	}
	if p.Count != len(cms) || p.MaxValue > s.params.MaxValue {
		return false, nil
	}
	public := newAggregateCircuit(s.params.Capacity, s.params.Bits)
	public.MaxValue = bigU64(p.MaxValue)
	padCm := bigOf(commitment.PaddingBlinding().CommitValue(0).Element())
	for i := 0; i < s.params.Capacity; i++ {
		if i < len(cms) {
			public.Commitments[i] = bigOf(cms[i].Element())
		} else {
			public.Commitments[i] = padCm
		}
		public.Values[i] = 0
		public.Senders[i] = 0
		public.Receivers[i] = 0
		public.Salts[i] = 0
	}
	return s.verify(s.aggregate, public, p.Data)
}

func (s *System) prove(ks keySet, assignment frontend.Circuit) ([]byte, error) {
	witness, err := frontend.NewWitness(assignment, curve.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to build witness: %w", err)
	}
	proof, err := groth16.Prove(ks.ccs, ks.pk, witness)
	if err != nil {
		// The inputs were checked above, so this only happens on an opening mismatch.
		return nil, fmt.Errorf("%w: %v", ErrOpeningMismatch, err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize proof: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *System) verify(ks keySet, public frontend.Circuit, data []byte) (bool, error) {
	pw, err := frontend.NewWitness(public, curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("failed to build public witness: %w", err)
	}
	proof := groth16.NewProof(curve)
	if _, err := proof.ReadFrom(bytes.NewReader(data)); err != nil {
		return false, nil
	}
	return groth16.Verify(proof, ks.vk, pw) == nil, nil
}
