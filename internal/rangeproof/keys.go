// keys.go - Circuit compilation and Groth16 key management.

package rangeproof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// curve is the proving curve; its scalar field matches the MiMC field of package commitment.
const curve = ecc.BLS12_377

// DefaultBits bounds every value and MaxValue to 64 bits.
const DefaultBits = 64

// Params fixes the shape of the compiled circuits.
type Params struct {
	MaxValue uint64 // largest value a transfer may carry
	Bits     int    // bit width of the range check; MaxValue must fit
	Capacity int    // number of slots of the aggregate circuit (batch size N)
}

// Validate checks that the params describe a satisfiable circuit.
func (p Params) Validate() error {
	if p.Bits <= 0 || p.Bits > 64 {
		return fmt.Errorf("range proof bits must be in [1, 64], got %d", p.Bits)
	}
	if p.Bits < 64 && p.MaxValue >= uint64(1)<<uint(p.Bits) {
		return fmt.Errorf("max value %d does not fit in %d bits", p.MaxValue, p.Bits)
	}
	if p.Capacity <= 0 {
		return errors.New("aggregate capacity must be positive")
	}
	return nil
}

// keySet is a compiled circuit with its Groth16 keys.
type keySet struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// System holds the compiled single and aggregate circuits. It is safe for concurrent use
// once constructed; proving and verifying never mutate it.
type System struct {
	params    Params
	single    keySet
	aggregate keySet
}

// Params returns the parameters the system was compiled with.
func (s *System) Params() Params {
	return s.params
}

// Setup compiles both circuits and runs a fresh Groth16 setup for each.
func Setup(p Params) (*System, error) {
	return setup(p, "")
}

// SetupOrLoad behaves like Setup but reuses keys found in dir, writing new ones when absent.
func SetupOrLoad(p Params, dir string) (*System, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return setup(p, dir)
}

func setup(p Params, dir string) (*System, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	single, err := compileAndSetup(&RangeCircuit{Bits: p.Bits}, dir, fmt.Sprintf("range_b%d", p.Bits))
	if err != nil {
		return nil, fmt.Errorf("range circuit: %w", err)
	}
	agg, err := compileAndSetup(newAggregateCircuit(p.Capacity, p.Bits), dir, fmt.Sprintf("aggregate_n%d_b%d", p.Capacity, p.Bits))
	if err != nil {
		return nil, fmt.Errorf("aggregate circuit: %w", err)
	}
	return &System{params: p, single: single, aggregate: agg}, nil
}

func compileAndSetup(circuit frontend.Circuit, dir, name string) (keySet, error) {
	ccs, err := frontend.Compile(curve.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return keySet{}, fmt.Errorf("circuit compilation failed: %w", err)
	}
	if dir == "" {
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			return keySet{}, fmt.Errorf("groth16 setup failed: %w", err)
		}
		return keySet{ccs: ccs, pk: pk, vk: vk}, nil
	}
	pk, vk, err := setupOrLoadKeys(ccs, filepath.Join(dir, name+"_pk.bin"), filepath.Join(dir, name+"_vk.bin"))
	if err != nil {
		return keySet{}, err
	}
	return keySet{ccs: ccs, pk: pk, vk: vk}, nil
}

// setupOrLoadKeys loads Groth16 keys from disk, generating and saving them if either is missing.
func setupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := loadProvingKey(pkPath)
	vk, vkErr := loadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	if err := saveKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := saveKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

func saveKey(path string, key io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()
	if _, err := key.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write key %s: %w", path, err)
	}
	return nil
}

func loadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(curve)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, err
	}
	return pk, nil
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(curve)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, err
	}
	return vk, nil
}
