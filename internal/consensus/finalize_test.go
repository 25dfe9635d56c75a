package consensus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchledger/internal/commitment"
	"batchledger/internal/ledger"
)

// unprovenTransfer builds a transfer without a range proof; the finalizer never looks at it.
func unprovenTransfer(t *testing.T, sender, receiver string, amount, seq uint64) *Transfer {
	t.Helper()
	salt, err := commitment.NewSalt()
	require.NoError(t, err)
	secret, err := commitment.NewSpendSecret()
	require.NoError(t, err)
	tr := &Transfer{Sender: sender, Receiver: receiver, Amount: amount, Sequence: seq, Salt: salt}
	tr.Commitment = tr.Opening().Commit()
	tr.Nullifier = commitment.ComputeNullifier(tr.Commitment, sender, secret)
	tr.ID = tr.Commitment.Hex()
	return tr
}

type finalizeFixture struct {
	ledger *ledger.Memory
	acc    *commitment.Accumulator
	store  *MemoryStore
	batch  *Batch
	before []ledger.Account
}

// newFinalizeFixture builds a voting batch of 100 transfers: 50 senders with two transfers each.
func newFinalizeFixture(t *testing.T) *finalizeFixture {
	t.Helper()
	f := &finalizeFixture{ledger: ledger.NewMemory(), acc: commitment.NewAccumulator(), store: NewMemoryStore()}
	for i := 0; i < 10; i++ {
		require.NoError(t, f.ledger.CreateAccount(ledger.Account{ID: fmt.Sprintf("receiver-%02d", i), Bank: "bank-01"}))
	}
	var ts []*Transfer
	for i := 0; i < 50; i++ {
		sender := fmt.Sprintf("sender-%02d", i)
		require.NoError(t, f.ledger.CreateAccount(ledger.Account{ID: sender, Balance: 1000, Sequence: 5, Bank: "bank-00"}))
		for seq := uint64(5); seq < 7; seq++ {
			tr := unprovenTransfer(t, sender, fmt.Sprintf("receiver-%02d", i%10), 10+uint64(i), seq)
			tr.Ordinal = uint64(len(ts) + 1)
			require.NoError(t, f.store.SavePendingTransfer(tr))
			ts = append(ts, tr)
		}
	}
	require.Len(t, ts, 100)
	f.batch = &Batch{SealedBatch: SealedBatch{ID: 1, Transfers: ts}, Votes: map[string]*Vote{}, State: Voting}
	f.before = f.ledger.Accounts()
	return f
}

func (f *finalizeFixture) assertUntouched(t *testing.T) {
	t.Helper()
	assert.Equal(t, f.before, f.ledger.Accounts())
	assert.Equal(t, 0, f.acc.Len())
	ns, err := f.store.LoadNullifiers()
	require.NoError(t, err)
	assert.Empty(t, ns)
	pending, err := f.store.LoadPendingTransfers()
	require.NoError(t, err)
	assert.Len(t, pending, 100)
}

func TestFinalizeAppliesWholeBatch(t *testing.T) {
	f := newFinalizeFixture(t)
	require.NoError(t, NewFinalizer(f.ledger, f.acc, f.store, quietLogger()).Finalize(f.batch))

	for i := 0; i < 50; i++ {
		a, err := f.ledger.GetAccount(fmt.Sprintf("sender-%02d", i))
		require.NoError(t, err)
		assert.Equal(t, 1000-2*(10+uint64(i)), a.Balance)
		assert.Equal(t, uint64(7), a.Sequence)
	}
	var received uint64
	for i := 0; i < 10; i++ {
		a, err := f.ledger.GetAccount(fmt.Sprintf("receiver-%02d", i))
		require.NoError(t, err)
		received += a.Balance
	}
	var sent uint64
	for _, tr := range f.batch.Transfers {
		sent += tr.Amount
		assert.True(t, f.acc.Contains(tr.Nullifier))
	}
	assert.Equal(t, sent, received, "value is conserved")
	assert.Equal(t, 100, f.acc.Len())

	pending, err := f.store.LoadPendingTransfers()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFinalizeFailedWriteLeavesNothingApplied(t *testing.T) {
	f := newFinalizeFixture(t)
	f.ledger.FailWriteAt(250) // 3 writes per transfer: fails inside transfer 84

	err := NewFinalizer(f.ledger, f.acc, f.store, quietLogger()).Finalize(f.batch)
	require.ErrorIs(t, err, ledger.ErrInjected)
	var fe *FinalizeError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Applied)
	f.assertUntouched(t)
}

func TestFinalizeFailedCommitLeavesNothingApplied(t *testing.T) {
	f := newFinalizeFixture(t)
	f.ledger.FailNextCommit()

	err := NewFinalizer(f.ledger, f.acc, f.store, quietLogger()).Finalize(f.batch)
	require.ErrorIs(t, err, ledger.ErrInjected)
	f.assertUntouched(t)
}

func TestFinalizeRefusesReplayedNullifier(t *testing.T) {
	f := newFinalizeFixture(t)
	require.NoError(t, f.acc.Add(f.batch.Transfers[60].Nullifier))

	err := NewFinalizer(f.ledger, f.acc, f.store, quietLogger()).Finalize(f.batch)
	require.ErrorIs(t, err, commitment.ErrReplay)
	assert.Equal(t, f.before, f.ledger.Accounts())
	assert.Equal(t, 1, f.acc.Len())
}

func TestFinalizeRejectsOverdraftAtomically(t *testing.T) {
	f := newFinalizeFixture(t)
	last := f.batch.Transfers[99]
	last.Amount = 5000 // the commitment no longer opens, but the finalizer only moves balances

	err := NewFinalizer(f.ledger, f.acc, f.store, quietLogger()).Finalize(f.batch)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	f.assertUntouched(t)
}
