package rangeproof

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/consensys/gnark/logger"
	"github.com/stretchr/testify/require"

	"batchledger/internal/commitment"
)

var (
	sysOnce sync.Once
	sys     *System
	sysErr  error
)

func testSystem(t *testing.T) *System {
	t.Helper()
	sysOnce.Do(func() {
		logger.Disable()
		sys, sysErr = Setup(Params{MaxValue: 1_000_000, Bits: DefaultBits, Capacity: 4})
	})
	require.NoError(t, sysErr)
	return sys
}

func witnessFor(t *testing.T, sender, receiver string, amount uint64) Witness {
	t.Helper()
	salt, err := commitment.NewSalt()
	require.NoError(t, err)
	o := commitment.Opening{Sender: sender, Receiver: receiver, Amount: amount, Salt: salt}
	return Witness{Value: amount, Blinding: o.Blinding()}
}

func TestSingleProofRoundTrip(t *testing.T) {
	s := testSystem(t)
	w := witnessFor(t, "alice", "bob", 100)

	proof, err := s.Prove(w, 1_000_000)
	require.NoError(t, err)

	ok, err := s.Verify(w.Commitment(), proof)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSingleProofRejectsOtherCommitment(t *testing.T) {
	s := testSystem(t)
	w := witnessFor(t, "alice", "bob", 100)
	other := witnessFor(t, "alice", "bob", 100)

	proof, err := s.Prove(w, 1_000_000)
	require.NoError(t, err)

	ok, err := s.Verify(other.Commitment(), proof)
	require.NoError(t, err)
	require.False(t, ok, "proof must be bound to its own commitment")

	proof.MaxValue = 10
	ok, err = s.Verify(w.Commitment(), proof)
	require.NoError(t, err)
	require.False(t, ok, "public bound is part of the statement")
}

func TestProveOutOfRange(t *testing.T) {
	s := testSystem(t)
	w := witnessFor(t, "alice", "bob", 2_000_000)

	_, err := s.Prove(w, 1_000_000)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestVerifyRejectsLooserBound(t *testing.T) {
	s := testSystem(t)
	w := witnessFor(t, "alice", "bob", 5_000_000)

	proof, err := s.Prove(w, 1<<40)
	require.NoError(t, err, "the circuit accepts any bound that fits the bit width")
	ok, err := s.Verify(w.Commitment(), proof)
	require.NoError(t, err)
	require.False(t, ok, "bound above the system maximum")

	agg, err := s.ProveAggregate([]Witness{w}, 1<<40)
	require.NoError(t, err)
	ok, err = s.VerifyAggregate([]commitment.Commitment{w.Commitment()}, agg)
	require.NoError(t, err)
	require.False(t, ok, "bound above the system maximum")

	small := witnessFor(t, "alice", "bob", 7)
	tight, err := s.Prove(small, 10)
	require.NoError(t, err)
	ok, err = s.Verify(small.Commitment(), tight)
	require.NoError(t, err)
	require.True(t, ok, "a tighter bound still verifies")
}

func TestVerifyGarbageProof(t *testing.T) {
	s := testSystem(t)
	w := witnessFor(t, "alice", "bob", 5)

	ok, err := s.Verify(w.Commitment(), &Proof{MaxValue: 1_000_000, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Verify(w.Commitment(), nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAggregateProof(t *testing.T) {
	s := testSystem(t)
	ws := []Witness{
		witnessFor(t, "alice", "bob", 100),
		witnessFor(t, "carol", "dave", 0),
		witnessFor(t, "erin", "frank", 1_000_000),
	}
	cms := make([]commitment.Commitment, len(ws))
	for i, w := range ws {
		cms[i] = w.Commitment()
	}

	proof, err := s.ProveAggregate(ws, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, 3, proof.Count)

	ok, err := s.VerifyAggregate(cms, proof)
	require.NoError(t, err)
	require.True(t, ok)

	swapped := []commitment.Commitment{cms[1], cms[0], cms[2]}
	ok, err = s.VerifyAggregate(swapped, proof)
	require.NoError(t, err)
	require.False(t, ok, "commitment order is part of the statement")

	ok, err = s.VerifyAggregate(cms[:2], proof)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAggregateProofEmptyBatchAndCapacity(t *testing.T) {
	s := testSystem(t)

	proof, err := s.ProveAggregate(nil, 1_000_000)
	require.NoError(t, err)
	ok, err := s.VerifyAggregate(nil, proof)
	require.NoError(t, err)
	require.True(t, ok)

	ws := make([]Witness, 5)
	for i := range ws {
		ws[i] = witnessFor(t, "a", "b", 1)
	}
	_, err = s.ProveAggregate(ws, 1_000_000)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = s.ProveAggregate([]Witness{witnessFor(t, "a", "b", 7)}, 6)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, Params{MaxValue: 255, Bits: 8, Capacity: 1}.Validate())
	require.Error(t, Params{MaxValue: 256, Bits: 8, Capacity: 1}.Validate())
	require.Error(t, Params{MaxValue: 1, Bits: 0, Capacity: 1}.Validate())
	require.Error(t, Params{MaxValue: 1, Bits: 8, Capacity: 0}.Validate())
}

func TestSetupOrLoadReusesKeys(t *testing.T) {
	logger.Disable()
	dir := t.TempDir()
	p := Params{MaxValue: 255, Bits: 8, Capacity: 1}

	first, err := SetupOrLoad(p, dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "range_b8_vk.bin"))
	require.NoError(t, err)

	w := witnessFor(t, "alice", "bob", 200)
	proof, err := first.Prove(w, 255)
	require.NoError(t, err)

	second, err := SetupOrLoad(p, dir)
	require.NoError(t, err)
	ok, err := second.Verify(w.Commitment(), proof)
	require.NoError(t, err)
	require.True(t, ok, "reloaded verifying key must accept proofs from the saved proving key")
}
