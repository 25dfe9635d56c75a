package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyField          = errors.New("required field is empty")
	ErrSelfTransfer        = errors.New("sender and receiver are the same account")
	ErrAmount              = errors.New("amount out of range")
	ErrCommitmentMismatch  = errors.New("commitment does not open to the transfer fields")
	ErrBadSequence         = errors.New("unexpected sequence number")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrFrozen              = errors.New("account is frozen")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrDuplicateNullifier  = errors.New("nullifier already queued")
	ErrPolicy              = errors.New("transfer violates bank policy")

	// ErrFinalizeFailed marks a storage or ledger failure while finalizing a batch.
	// It stops the engine; an operator must inspect the ledger before restarting.
	ErrFinalizeFailed = errors.New("batch finalize failed")
)

// ValidationError rejects a transfer at submission; the transfer never enters a batch.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transfer: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// ProofError reports a range proof, commitment or Merkle root that failed verification.
// Validators turn it into a Reject vote.
type ProofError struct {
	Kind string
	Err  error
}

func (e *ProofError) Error() string {
	if e.Err == nil {
		return e.Kind + " proof rejected"
	}
	return fmt.Sprintf("%s proof rejected: %v", e.Kind, e.Err)
}

func (e *ProofError) Unwrap() error {
	return e.Err
}

// ConsensusError describes why a batch was rejected.
type ConsensusError struct {
	BatchID uint64
	Reason  string
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("batch %d rejected: %s", e.BatchID, e.Reason)
}

// FinalizeError is returned by Finalizer. Applied reports whether the ledger commit went
// through before the failure.
type FinalizeError struct {
	Applied bool
	Err     error
}

func (e *FinalizeError) Error() string {
	stage := "before ledger commit"
	if e.Applied {
		stage = "after ledger commit"
	}
	return fmt.Sprintf("finalize failed %s: %v", stage, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}
