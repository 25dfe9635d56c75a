// circuit.go - Range proof circuits.
//
// Both circuits recompute the transfer commitment in-circuit with MiMC, so a proof can only be
// verified against the commitment it was produced for, and constrain the hidden value to [0, MaxValue].

package rangeproof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// RangeCircuit proves that a single committed value lies in [0, MaxValue].
type RangeCircuit struct {
	// Public inputs
	Commitment frontend.Variable `gnark:",public"`
	MaxValue   frontend.Variable `gnark:",public"`

	// Private inputs
	Value    frontend.Variable
	Sender   frontend.Variable
	Receiver frontend.Variable
	Salt     frontend.Variable

	Bits int `gnark:"-"`
}

// Define implements the constraints of a single range proof.
func (c *RangeCircuit) Define(api frontend.API) error {
	cm, err := commitGadget(api, c.Sender, c.Receiver, c.Value, c.Salt)
	if err != nil {
		return err
	}
	api.AssertIsEqual(c.Commitment, cm)
	assertInRange(api, c.Value, c.MaxValue, c.Bits)
	return nil
}

// AggregateCircuit proves the range statement for every slot of a batch at once.
// Unused slots are filled with the zero padding witness.
type AggregateCircuit struct {
	// Public inputs
	Commitments []frontend.Variable `gnark:",public"`
	MaxValue    frontend.Variable   `gnark:",public"`

	// Private inputs
	Values    []frontend.Variable
	Senders   []frontend.Variable
	Receivers []frontend.Variable
	Salts     []frontend.Variable

	Bits int `gnark:"-"`
}

// newAggregateCircuit allocates the slices for a circuit of the given capacity.
func newAggregateCircuit(capacity, bits int) *AggregateCircuit {
	return &AggregateCircuit{
		Commitments: make([]frontend.Variable, capacity),
		Values:      make([]frontend.Variable, capacity),
		Senders:     make([]frontend.Variable, capacity),
		Receivers:   make([]frontend.Variable, capacity),
		Salts:       make([]frontend.Variable, capacity),
		Bits:        bits,
	}
}

// Define implements the constraints of the aggregated proof.
func (c *AggregateCircuit) Define(api frontend.API) error {
	api.ToBinary(c.MaxValue, c.Bits)
	for i := range c.Commitments {
		cm, err := commitGadget(api, c.Senders[i], c.Receivers[i], c.Values[i], c.Salts[i])
		if err != nil {
			return err
		}
		api.AssertIsEqual(c.Commitments[i], cm)
		api.ToBinary(c.Values[i], c.Bits)
		api.ToBinary(api.Sub(c.MaxValue, c.Values[i]), c.Bits)
	}
	return nil
}

// commitGadget mirrors commitment.Commit inside the circuit.
func commitGadget(api frontend.API, sender, receiver, value, salt frontend.Variable) (frontend.Variable, error) {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	hasher.Write(sender, receiver, value, salt)
	return hasher.Sum(), nil
}

// assertInRange constrains 0 <= v <= max with both values below 2^bits.
// MaxValue - v wraps around the field when v > max, which then fails the bit decomposition.
func assertInRange(api frontend.API, v, max frontend.Variable, bits int) {
	api.ToBinary(max, bits)
	api.ToBinary(v, bits)
	api.ToBinary(api.Sub(max, v), bits)
}
