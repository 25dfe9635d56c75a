package merkle

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func leaves(n int) []Hash {
	out := make([]Hash, n)
	for i := range out {
		out[i] = LeafHash([]byte(fmt.Sprintf("transfer-%d", i)))
	}
	return out
}

func TestBuildOddLeafCountDuplicatesLast(t *testing.T) {
	ls := leaves(3)
	root, tree, err := Build(ls)
	require.NoError(t, err)
	want := RootHash(3, NodeHash(NodeHash(ls[0], ls[1]), NodeHash(ls[2], ls[2])))
	require.Equal(t, want, root)
	require.Equal(t, root, tree.Root())
}

func TestDuplicatedLastLeafChangesRoot(t *testing.T) {
	ls := leaves(3)
	root3, tree3, err := Build(ls)
	require.NoError(t, err)
	root4, _, err := Build(append(ls, ls[2]))
	require.NoError(t, err)
	require.NotEqual(t, root3, root4)

	// A path for the padding slot of the three-leaf tree does not exist.
	p, err := tree3.Prove(2)
	require.NoError(t, err)
	forged := p
	forged.Index = 3
	require.False(t, Verify(ls[2], forged, root3))
	forged.Leaves = 4
	require.False(t, Verify(ls[2], forged, root3))

	// Nor can a path shorten or lengthen the tree.
	short := p
	short.Siblings = short.Siblings[:1]
	require.False(t, Verify(ls[2], short, root3))
}

func TestSingleLeafIsRoot(t *testing.T) {
	ls := leaves(1)
	root, tree, err := Build(ls)
	require.NoError(t, err)
	require.Equal(t, RootHash(1, ls[0]), root)

	p, err := tree.Prove(0)
	require.NoError(t, err)
	require.Empty(t, p.Siblings)
	require.True(t, Verify(ls[0], p, root))
}

func TestEmptyTree(t *testing.T) {
	_, _, err := Build(nil)
	require.ErrorIs(t, err, ErrEmptyTree)
}

func TestPathsVerify(t *testing.T) {
	for _, n := range []int{2, 5, 7, 8, 100} {
		ls := leaves(n)
		root, tree, err := Build(ls)
		require.NoError(t, err)
		depth := 0
		for 1<<depth < n {
			depth++
		}
		for i := range ls {
			p, err := tree.Prove(i)
			require.NoError(t, err)
			require.Len(t, p.Siblings, depth)
			require.True(t, Verify(ls[i], p, root), "n=%d i=%d", n, i)
		}
	}
}

func TestSevenLeafTamperEvidence(t *testing.T) {
	ls := leaves(7)
	root, tree, err := Build(ls)
	require.NoError(t, err)

	for i := range ls {
		for bit := 0; bit < 8; bit++ {
			tampered := make([]Hash, len(ls))
			copy(tampered, ls)
			tampered[i][0] ^= 1 << bit
			r, _, err := Build(tampered)
			require.NoError(t, err)
			require.NotEqual(t, root, r, "leaf %d bit %d", i, bit)
		}
	}

	p3, err := tree.Prove(3)
	require.NoError(t, err)
	require.True(t, Verify(ls[3], p3, root))
	require.False(t, Verify(ls[4], p3, root), "path for leaf 3 must not verify leaf 4")

	p6, err := tree.Prove(6)
	require.NoError(t, err)
	require.True(t, Verify(ls[6], p6, root))
	require.False(t, Verify(ls[5], p6, root))
}

func TestProveInvalidIndex(t *testing.T) {
	_, tree, err := Build(leaves(4))
	require.NoError(t, err)
	_, err = tree.Prove(4)
	require.ErrorIs(t, err, ErrInvalidIndex)
	_, err = tree.Prove(-1)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestSeal(t *testing.T) {
	header := []byte("batch-header")

	nonce, _, err := Seal(context.Background(), header, 0)
	require.NoError(t, err)
	require.Zero(t, nonce)

	nonce, h, err := Seal(context.Background(), header, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, leadingZeroBits(h), 10)
	require.True(t, CheckSeal(header, nonce, 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Seal(ctx, header, 255)
	require.ErrorIs(t, err, context.Canceled)
}
