package commitment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustSalt(t *testing.T) Salt {
	t.Helper()
	s, err := NewSalt()
	require.NoError(t, err)
	return s
}

func TestCommitBinding(t *testing.T) {
	salt := mustSalt(t)
	cm1 := Commit("alice", "bob", 100, salt)
	cm2 := Commit("alice", "bob", 100, salt)
	require.Equal(t, cm1, cm2, "commitment is not deterministic")

	require.NotEqual(t, cm1, Commit("alice", "bob", 101, salt))
	require.NotEqual(t, cm1, Commit("alice", "carol", 100, salt))
	require.NotEqual(t, cm1, Commit("mallory", "bob", 100, salt))
	require.NotEqual(t, cm1, Commit("alice", "bob", 100, mustSalt(t)))
}

func TestCommitIsCanonicalFieldElement(t *testing.T) {
	cm := Commit("alice", "bob", 7, mustSalt(t))
	e := cm.Element()
	require.Equal(t, [32]byte(cm), e.Bytes())
}

func TestOpeningMatches(t *testing.T) {
	o := Opening{Sender: "alice", Receiver: "bob", Amount: 42, Salt: mustSalt(t)}
	cm := o.Commit()
	require.True(t, o.Matches(cm))
	require.Equal(t, cm, o.Blinding().CommitValue(42))
	require.NotEqual(t, cm, o.Blinding().CommitValue(43))

	o.Amount = 43
	require.False(t, o.Matches(cm))
}

func TestNullifierUniqueness(t *testing.T) {
	secret, err := NewSpendSecret()
	require.NoError(t, err)

	cm1 := Commit("alice", "bob", 10, mustSalt(t))
	cm2 := Commit("alice", "bob", 10, mustSalt(t))

	n1 := ComputeNullifier(cm1, "alice", secret)
	require.Equal(t, n1, ComputeNullifier(cm1, "alice", secret))
	require.NotEqual(t, n1, ComputeNullifier(cm2, "alice", secret), "distinct transfers must not collide")

	other, err := NewSpendSecret()
	require.NoError(t, err)
	require.NotEqual(t, n1, ComputeNullifier(cm1, "alice", other))
}

func TestAccumulatorReplay(t *testing.T) {
	acc := NewAccumulator()
	secret, err := NewSpendSecret()
	require.NoError(t, err)
	n := ComputeNullifier(Commit("alice", "bob", 1, mustSalt(t)), "alice", secret)

	require.False(t, acc.Contains(n))
	require.NoError(t, acc.Add(n))
	require.True(t, acc.Contains(n))
	digest := acc.Digest()

	err = acc.Add(n)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrReplay))
	require.Equal(t, 1, acc.Len(), "set size changed on replay")
	require.Equal(t, digest, acc.Digest())
}

func TestAccumulatorAddAllIsAtomic(t *testing.T) {
	acc := NewAccumulator()
	a := Digest{1}
	b := Digest{2}
	c := Digest{3}
	require.NoError(t, acc.Add(b))

	err := acc.AddAll([]Nullifier{a, b, c})
	require.ErrorIs(t, err, ErrReplay)
	require.False(t, acc.Contains(a))
	require.False(t, acc.Contains(c))
	require.Equal(t, 1, acc.Len())

	require.ErrorIs(t, acc.AddAll([]Nullifier{a, a}), ErrReplay)
	require.Equal(t, 1, acc.Len())

	require.NoError(t, acc.AddAll([]Nullifier{a, c}))
	require.Equal(t, 3, acc.Len())
	require.Equal(t, []Nullifier{b, a, c}, acc.Nullifiers())
}

func TestRestoreAccumulatorReproducesDigest(t *testing.T) {
	acc := NewAccumulator()
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, acc.Add(Digest{i}))
	}
	restored, err := RestoreAccumulator(acc.Nullifiers())
	require.NoError(t, err)
	require.Equal(t, acc.Digest(), restored.Digest())
	require.Equal(t, acc.Len(), restored.Len())

	_, err = RestoreAccumulator([]Nullifier{{9}, {9}})
	require.ErrorIs(t, err, ErrReplay)
}

func TestDigestText(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	cm := Commit("alice", "bob", 1, salt)

	text, err := cm.MarshalText()
	require.NoError(t, err)
	back, err := ParseDigest(string(text))
	require.NoError(t, err)
	require.Equal(t, cm, back)

	_, err = ParseDigest("abcd")
	require.Error(t, err)

	st, err := salt.MarshalText()
	require.NoError(t, err)
	var salt2 Salt
	require.NoError(t, salt2.UnmarshalText(st))
	require.Equal(t, salt, salt2)
}
