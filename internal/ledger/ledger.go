// Package ledger is the account store consensus reads during voting and writes during finalize.
//
// Reads are always allowed. Writes go through a Tx obtained from Begin; only one Tx is open at a
// time and its staged changes become visible together on Commit or not at all.
package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSequence          = errors.New("sequence number must increase")
	ErrTxClosed          = errors.New("transaction already closed")
)

// Account is the ledger view of one account. Sequence is the next sequence number the
// account's owner must use.
type Account struct {
	ID       string `json:"id"`
	Balance  uint64 `json:"balance"`
	Sequence uint64 `json:"sequence"`
	Frozen   bool   `json:"frozen"`
	Bank     string `json:"bank"`
}

// Ledger is the read side plus the transactional write side.
type Ledger interface {
	GetAccount(id string) (Account, error)
	NextSequenceNumber(id string) (uint64, error)
	IsFrozen(id string) (bool, error)
	SetFrozen(id string, frozen bool) error
	// LockAccounts takes the advisory locks of ids in ascending id order and returns the
	// matching unlock function.
	LockAccounts(ids ...string) func()
	Begin() (Tx, error)
}

// Tx stages balance and sequence updates. Rollback after Commit is a no-op so callers can defer it.
type Tx interface {
	ApplyBalanceDelta(id string, delta int64) error
	AdvanceSequence(id string, next uint64) error
	Commit() error
	Rollback()
}

// applyDelta returns balance+delta or ErrInsufficientFunds on underflow.
func applyDelta(id string, balance uint64, delta int64) (uint64, error) {
	if delta >= 0 {
		return balance + uint64(delta), nil
	}
	debit := uint64(-delta)
	if debit > balance {
		return 0, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, id, balance, debit)
	}
	return balance - debit, nil
}

func advance(id string, current, next uint64) (uint64, error) {
	if next <= current {
		return 0, fmt.Errorf("%w: %s at %d, got %d", ErrSequence, id, current, next)
	}
	return next, nil
}
