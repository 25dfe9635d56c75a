package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"batchledger/internal/commitment"
	"batchledger/internal/consensus"
	"batchledger/internal/disclosure"
	"batchledger/internal/groupsig"
	"batchledger/internal/merkle"
	"batchledger/internal/rangeproof"
)

func memStore(t *testing.T) *LevelStore {
	t.Helper()
	s, err := OpenStorage(storage.NewMemStorage())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func transfer(t *testing.T, ordinal uint64, sender string) *consensus.Transfer {
	t.Helper()
	salt, err := commitment.NewSalt()
	require.NoError(t, err)
	secret, err := commitment.NewSpendSecret()
	require.NoError(t, err)
	tr := &consensus.Transfer{Ordinal: ordinal, Sender: sender, Receiver: "bob", Amount: 100, Sequence: 47, Salt: salt}
	tr.Commitment = tr.Opening().Commit()
	tr.Nullifier = commitment.ComputeNullifier(tr.Commitment, sender, secret)
	tr.ID = tr.Commitment.Hex()
	tr.RangeProof = &rangeproof.Proof{MaxValue: 1000, Data: []byte{1, 2, 3}}
	return tr
}

func TestBatchRoundTrip(t *testing.T) {
	s := memStore(t)
	kp, err := groupsig.GenerateKeyPair()
	require.NoError(t, err)
	ring, err := groupsig.NewRing([]groupsig.Member{{ID: "bank-00", Public: groupsig.Point{G1Affine: kp.Public}}})
	require.NoError(t, err)
	opener, err := groupsig.GenerateKeyPair()
	require.NoError(t, err)

	tr := transfer(t, 1, "alice")
	root := tr.Leaf()
	scope := consensus.VoteScope(3, root)
	sig, err := groupsig.Sign(scope, consensus.VoteMessage(3, root, consensus.Approve), kp, ring, opener.Public)
	require.NoError(t, err)
	attr, err := groupsig.Attribute(scope, sig, kp)
	require.NoError(t, err)
	b := &consensus.Batch{
		SealedBatch: consensus.SealedBatch{
			ID:        3,
			PrevRoot:  merkle.LeafHash([]byte("prev")),
			Root:      root,
			Nonce:     42,
			Transfers: []*consensus.Transfer{tr},
			Proof:     &rangeproof.AggregateProof{MaxValue: 1000, Count: 1, Data: []byte{9}},
		},
		Validators: []string{"bank-00"},
		Votes: map[string]*consensus.Vote{
			"bank-00": {Validator: "bank-00", BatchID: 3, Decision: consensus.Approve, Signature: sig, Attribution: attr},
		},
		State:    consensus.Finalized,
		SealedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveBatch(b))

	got, err := s.LoadBatch(3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.Root, got.Root)
	assert.Equal(t, b.PrevRoot, got.PrevRoot)
	assert.Equal(t, uint64(42), got.Nonce)
	assert.Equal(t, consensus.Finalized, got.State)
	assert.True(t, b.SealedAt.Equal(got.SealedAt))
	require.Len(t, got.Transfers, 1)
	assert.Equal(t, tr.Leaf(), got.Transfers[0].Leaf())
	assert.True(t, got.Transfers[0].Opening().Matches(got.Transfers[0].Commitment))

	vote := got.Votes["bank-00"]
	require.NotNil(t, vote)
	assert.True(t, groupsig.Verify(scope, consensus.VoteMessage(3, got.Root, vote.Decision), vote.Signature, ring, opener.Public))
	assert.True(t, vote.Attribution.Verify(scope, vote.Signature, kp.Public))

	missing, err := s.LoadBatch(4)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoadLatestBatch(t *testing.T) {
	s := memStore(t)
	latest, err := s.LoadLatestBatch()
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, id := range []uint64{2, 300, 255, 1} {
		require.NoError(t, s.SaveBatch(&consensus.Batch{SealedBatch: consensus.SealedBatch{ID: id}, State: consensus.Rejected}))
	}
	latest, err = s.LoadLatestBatch()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(300), latest.ID)

	// Saving again overwrites the state of a batch.
	require.NoError(t, s.SaveBatch(&consensus.Batch{SealedBatch: consensus.SealedBatch{ID: 300}, State: consensus.Finalized}))
	latest, err = s.LoadLatestBatch()
	require.NoError(t, err)
	assert.Equal(t, consensus.Finalized, latest.State)
}

func TestPendingTransfers(t *testing.T) {
	s := memStore(t)
	a, b, c := transfer(t, 300, "alice"), transfer(t, 2, "carol"), transfer(t, 17, "dave")
	for _, tr := range []*consensus.Transfer{a, b, c} {
		require.NoError(t, s.SavePendingTransfer(tr))
	}
	require.NoError(t, s.DeletePendingTransfer(c))

	got, err := s.LoadPendingTransfers()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "ordered by ordinal")
	assert.Equal(t, a.ID, got[1].ID)
	assert.Equal(t, a.Nullifier, got[1].Nullifier)
	assert.Equal(t, a.Salt, got[1].Salt)
	assert.Equal(t, a.RangeProof.Data, got[1].RangeProof.Data)
}

func TestNullifierLogRestoresAccumulator(t *testing.T) {
	s := memStore(t)
	acc := commitment.NewAccumulator()
	for i := 0; i < 300; i++ {
		n := transfer(t, uint64(i), "alice").Nullifier
		require.NoError(t, acc.Add(n))
		require.NoError(t, s.SaveNullifier(n))
	}

	ns, err := s.LoadNullifiers()
	require.NoError(t, err)
	require.Len(t, ns, 300)
	restored, err := commitment.RestoreAccumulator(ns)
	require.NoError(t, err)
	assert.Equal(t, acc.Digest(), restored.Digest())
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	tr := transfer(t, 5, "alice")
	require.NoError(t, s.SavePendingTransfer(tr))
	require.NoError(t, s.SaveNullifier(tr.Nullifier))
	require.NoError(t, s.Ping())
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	pending, err := s.LoadPendingTransfers()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tr.ID, pending[0].ID)

	require.NoError(t, s.SaveNullifier(transfer(t, 6, "bob").Nullifier))
	ns, err := s.LoadNullifiers()
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, tr.Nullifier, ns[0])
}

func TestRecordsSurviveReopen(t *testing.T) {
	d, err := disclosure.Deal(disclosure.Policy{OversightRoles: disclosure.DefaultOversightRoles})
	require.NoError(t, err)
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	v := disclosure.NewVault(d.Commitments.EscrowPublic())
	require.NoError(t, v.Persist(s))
	require.NoError(t, v.Seal("tx-a", disclosure.Fields{Sender: "alice", Receiver: "bob", Amount: 100}))
	require.NoError(t, v.Seal("tx-b", disclosure.Fields{Sender: "carol", Receiver: "dave", Amount: 3}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.LoadRecords()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	restored := disclosure.NewVault(d.Commitments.EscrowPublic())
	require.NoError(t, restored.Persist(s))
	rec, ok := restored.Record("tx-b")
	require.True(t, ok)
	want, _ := v.Record("tx-b")
	assert.Equal(t, want.Ciphertext, rec.Ciphertext)
	assert.True(t, want.Ephemeral.G1Affine.Equal(&rec.Ephemeral.G1Affine))
}
