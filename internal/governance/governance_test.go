package governance

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchledger/internal/events"
	"batchledger/internal/ledger"
)

func council(t *testing.T, m, f int) (*Council, *Registry, *ledger.Memory, *events.Recorder) {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	for i := 0; i < m; i++ {
		require.NoError(t, reg.Add(Validator{ID: fmt.Sprintf("bank-%02d", i), Active: true, Stake: 100}))
	}
	l := ledger.NewMemory()
	require.NoError(t, l.CreateAccount(ledger.Account{ID: "mallory", Balance: 10}))
	rec := &events.Recorder{}
	log, _ := test.NewNullLogger()
	c, err := NewCouncil(f, reg, l, rec, log)
	require.NoError(t, err)
	return c, reg, l, rec
}

func TestFreezeLifecycle(t *testing.T) {
	c, _, l, rec := council(t, 12, 8)

	p, err := c.Propose("mallory", "sanctions hit", Freeze)
	require.NoError(t, err)
	assert.Equal(t, Open, p.State)

	for i := 0; i < 7; i++ {
		require.NoError(t, c.Vote(p.ID, fmt.Sprintf("bank-%02d", i), true))
	}
	_, err = c.Tally(p.ID)
	require.ErrorIs(t, err, ErrThresholdUnmet)
	require.ErrorIs(t, c.Execute(p.ID), ErrNotApproved)
	assert.False(t, c.IsFrozen("mallory"))

	require.NoError(t, c.Vote(p.ID, "bank-07", true))
	state, err := c.Tally(p.ID)
	require.NoError(t, err)
	assert.Equal(t, Approved, state)

	require.NoError(t, c.Execute(p.ID))
	require.NoError(t, c.Execute(p.ID), "re-execution is a no-op")
	assert.True(t, c.IsFrozen("mallory"))
	frozen, err := l.IsFrozen("mallory")
	require.NoError(t, err)
	assert.True(t, frozen)
	assert.Equal(t, 1, rec.Count(events.AccountFrozen))

	u, err := c.Propose("mallory", "cleared", Unfreeze)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Vote(u.ID, fmt.Sprintf("bank-%02d", i), true))
	}
	_, err = c.Tally(u.ID)
	require.NoError(t, err)
	require.NoError(t, c.Execute(u.ID))
	assert.False(t, c.IsFrozen("mallory"))
	assert.Equal(t, 1, rec.Count(events.AccountUnfrozen))
}

func TestRepeatVotesAreIgnored(t *testing.T) {
	c, _, _, _ := council(t, 3, 2)
	p, err := c.Propose("mallory", "", Freeze)
	require.NoError(t, err)

	require.NoError(t, c.Vote(p.ID, "bank-00", true))
	require.NoError(t, c.Vote(p.ID, "bank-00", false))
	require.NoError(t, c.Vote(p.ID, "bank-00", true))

	got, err := c.Get(p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Votes, 1)
	assert.True(t, got.Votes["bank-00"])

	_, err = c.Tally(p.ID)
	require.ErrorIs(t, err, ErrThresholdUnmet)
}

func TestRejectedWhenThresholdUnreachable(t *testing.T) {
	c, _, l, _ := council(t, 12, 8)
	p, err := c.Propose("mallory", "weak evidence", Freeze)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Vote(p.ID, fmt.Sprintf("bank-%02d", i), false))
	}
	state, err := c.Tally(p.ID)
	require.NoError(t, err)
	assert.Equal(t, Rejected, state)

	require.ErrorIs(t, c.Vote(p.ID, "bank-09", true), ErrProposalClosed)
	require.ErrorIs(t, c.Execute(p.ID), ErrNotApproved)
	frozen, err := l.IsFrozen("mallory")
	require.NoError(t, err)
	assert.False(t, frozen)
}

func TestOnlyActiveValidatorsVote(t *testing.T) {
	c, reg, _, _ := council(t, 4, 3)
	require.NoError(t, reg.SetActive("bank-03", false))

	p, err := c.Propose("mallory", "", Freeze)
	require.NoError(t, err)
	require.ErrorIs(t, c.Vote(p.ID, "bank-03", true), ErrInactiveVoter)
	require.ErrorIs(t, c.Vote(p.ID, "stranger", true), ErrInactiveVoter)

	require.NoError(t, c.Vote(p.ID, "bank-00", false))
	state, err := c.Tally(p.ID)
	require.NoError(t, err)
	assert.Equal(t, Rejected, state, "3 approvals out of 2 remaining active voters is impossible")
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(Validator{ID: "b", Active: true}, Validator{ID: "a", Active: true}, Validator{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.ActiveValidators())

	require.NoError(t, reg.SetStake("c", 42))
	require.NoError(t, reg.SetActive("c", true))
	v, err := reg.Get("c")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v.Stake)
	assert.Equal(t, []string{"a", "b", "c"}, reg.ActiveValidators())

	require.ErrorIs(t, reg.Add(Validator{ID: "a"}), ErrDuplicateValidator)
	require.ErrorIs(t, reg.SetActive("zz", true), ErrUnknownValidator)
}

func TestInvalidThreshold(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	_, err = NewCouncil(0, reg, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestCouncilSeesPersistedFreeze(t *testing.T) {
	reg, err := NewRegistry(Validator{ID: "bank-00", Active: true, Stake: 1})
	require.NoError(t, err)
	l := ledger.NewMemory()
	require.NoError(t, l.CreateAccount(ledger.Account{ID: "mallory", Balance: 10, Frozen: true}))
	require.NoError(t, l.CreateAccount(ledger.Account{ID: "bob"}))
	log, _ := test.NewNullLogger()

	c, err := NewCouncil(1, reg, l, nil, log)
	require.NoError(t, err)
	assert.True(t, c.IsFrozen("mallory"), "a freeze executed before the restart still holds")
	assert.False(t, c.IsFrozen("bob"))
	assert.False(t, c.IsFrozen("nobody"))

	p, err := c.Propose("mallory", "cleared", Unfreeze)
	require.NoError(t, err)
	require.NoError(t, c.Vote(p.ID, "bank-00", true))
	_, err = c.Tally(p.ID)
	require.NoError(t, err)
	require.NoError(t, c.Execute(p.ID))
	assert.False(t, c.IsFrozen("mallory"))
}

func TestStringsOutOfRange(t *testing.T) {
	assert.Equal(t, "executed", Executed.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "state(-1)", State(-1).String())
	assert.Equal(t, "unfreeze", Unfreeze.String())
	assert.Equal(t, "action(7)", Action(7).String())
}
