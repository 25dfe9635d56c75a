package consensus

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"batchledger/internal/commitment"
	"batchledger/internal/ledger"
)

// Finalizer applies an approved batch: ledger updates in one transaction, then the nullifiers.
type Finalizer struct {
	ledger ledger.Ledger
	acc    *commitment.Accumulator
	store  Store
	log    logrus.FieldLogger
}

// NewFinalizer returns a Finalizer writing to l, acc and store.
func NewFinalizer(l ledger.Ledger, acc *commitment.Accumulator, store Store, log logrus.FieldLogger) *Finalizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Finalizer{ledger: l, acc: acc, store: store, log: log}
}

// Finalize applies every transfer of b or none of them. A *FinalizeError with Applied == false
// guarantees the ledger and accumulator are untouched.
func (f *Finalizer) Finalize(b *Batch) error {
	nullifiers := make([]commitment.Nullifier, len(b.Transfers))
	for i, t := range b.Transfers {
		if f.acc.Contains(t.Nullifier) {
			return &FinalizeError{Err: fmt.Errorf("%w: %s", commitment.ErrReplay, t.Nullifier.Hex())}
		}
		nullifiers[i] = t.Nullifier
	}

	tx, err := f.ledger.Begin()
	if err != nil {
		return &FinalizeError{Err: err}
	}
	defer tx.Rollback()
	for _, t := range b.Transfers {
		if t.Amount > math.MaxInt64 {
			return &FinalizeError{Err: fmt.Errorf("transfer %s: amount %d overflows delta", t.ID, t.Amount)}
		}
		delta := int64(t.Amount)
		if err := tx.ApplyBalanceDelta(t.Sender, -delta); err != nil {
			return &FinalizeError{Err: fmt.Errorf("transfer %s: %w", t.ID, err)}
		}
		if err := tx.ApplyBalanceDelta(t.Receiver, delta); err != nil {
			return &FinalizeError{Err: fmt.Errorf("transfer %s: %w", t.ID, err)}
		}
		if err := tx.AdvanceSequence(t.Sender, t.Sequence+1); err != nil {
			return &FinalizeError{Err: fmt.Errorf("transfer %s: %w", t.ID, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &FinalizeError{Err: fmt.Errorf("ledger commit: %w", err)}
	}

	if err := f.acc.AddAll(nullifiers); err != nil {
		return &FinalizeError{Applied: true, Err: err}
	}
	for _, n := range nullifiers {
		if err := f.store.SaveNullifier(n); err != nil {
			return &FinalizeError{Applied: true, Err: fmt.Errorf("persist nullifier: %w", err)}
		}
	}
	for _, t := range b.Transfers {
		if err := f.store.DeletePendingTransfer(t); err != nil {
			return &FinalizeError{Applied: true, Err: fmt.Errorf("clear pending transfer: %w", err)}
		}
	}
	f.log.WithFields(logrus.Fields{"batch_id": b.ID, "transfers": len(b.Transfers), "accumulator": f.acc.Digest().Hex()}).Info("batch applied")
	return nil
}
