package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/sirupsen/logrus"

	"batchledger/internal/commitment"
	"batchledger/internal/groupsig"
	"batchledger/internal/ledger"
	"batchledger/internal/merkle"
	"batchledger/internal/rangeproof"
)

// Validator evaluates a sealed batch and returns its signed vote. Implementations run
// concurrently with each other and must treat the batch as read-only. An error or a missing
// answer before the voting deadline counts as Reject.
type Validator interface {
	ID() string
	Evaluate(ctx context.Context, b *SealedBatch) (*Vote, error)
}

// NullifierSet answers replay checks.
type NullifierSet interface {
	Contains(n commitment.Nullifier) bool
}

// Policy is the bank-specific configuration of a BankValidator.
type Policy struct {
	// MaxAmount rejects batches moving more than this per transfer in or out of accounts
	// homed at the bank. Zero disables the limit.
	MaxAmount uint64
	// Delay postpones the vote, simulating a slow validator.
	Delay time.Duration
}

// BankValidator is the standard validator: it checks a batch against the ledger and signs its
// verdict with a group signature.
type BankValidator struct {
	id         string
	key        *groupsig.KeyPair
	ring       *groupsig.Ring
	opener     bls12377.G1Affine
	proofs     *rangeproof.System
	ledger     ledger.Ledger
	nullifiers NullifierSet
	policy     Policy
	log        logrus.FieldLogger
}

// BankValidatorConfig groups what a BankValidator needs.
type BankValidatorConfig struct {
	ID         string
	Key        *groupsig.KeyPair
	Ring       *groupsig.Ring
	Opener     bls12377.G1Affine
	Proofs     *rangeproof.System
	Ledger     ledger.Ledger
	Nullifiers NullifierSet
	Policy     Policy
	Log        logrus.FieldLogger
}

// NewBankValidator creates a validator from cfg.
func NewBankValidator(cfg BankValidatorConfig) (*BankValidator, error) {
	if cfg.ID == "" || cfg.Key == nil || cfg.Ring == nil || cfg.Proofs == nil || cfg.Ledger == nil || cfg.Nullifiers == nil {
		return nil, errors.New("bank validator: incomplete configuration")
	}
	if _, err := cfg.Ring.IndexOf(cfg.Key.Public); err != nil {
		return nil, fmt.Errorf("bank validator %s: %w", cfg.ID, err)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BankValidator{
		id:         cfg.ID,
		key:        cfg.Key,
		ring:       cfg.Ring,
		opener:     cfg.Opener,
		proofs:     cfg.Proofs,
		ledger:     cfg.Ledger,
		nullifiers: cfg.Nullifiers,
		policy:     cfg.Policy,
		log:        log.WithField("validator", cfg.ID),
	}, nil
}

func (v *BankValidator) ID() string {
	return v.id
}

// Evaluate checks b and signs the verdict.
func (v *BankValidator) Evaluate(ctx context.Context, b *SealedBatch) (*Vote, error) {
	if v.policy.Delay > 0 {
		t := time.NewTimer(v.policy.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	decision, reason := Approve, ""
	if err := v.check(ctx, b); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		decision, reason = Reject, err.Error()
		v.log.WithFields(logrus.Fields{"batch_id": b.ID, "reason": reason}).Info("rejecting batch")
	}
	scope := VoteScope(b.ID, b.Root)
	sig, err := groupsig.Sign(scope, VoteMessage(b.ID, b.Root, decision), v.key, v.ring, v.opener)
	if err != nil {
		return nil, fmt.Errorf("failed to sign vote: %w", err)
	}
	vote := &Vote{Validator: v.id, BatchID: b.ID, Decision: decision, Reason: reason, Signature: sig}
	if decision == Approve && v.homes(b) {
		if vote.Attribution, err = groupsig.Attribute(scope, sig, v.key); err != nil {
			return nil, fmt.Errorf("failed to attribute vote: %w", err)
		}
	}
	return vote, nil
}

// homes reports whether the bank holds a sender or receiver account of b. Its approval then
// has to be attributable to it.
func (v *BankValidator) homes(b *SealedBatch) bool {
	for _, t := range b.Transfers {
		for _, id := range []string{t.Sender, t.Receiver} {
			if a, err := v.ledger.GetAccount(id); err == nil && a.Bank == v.id {
				return true
			}
		}
	}
	return false
}

// check runs every validator rule in order: range proof, amount bound, replay, Merkle root,
// then the per-transfer ledger checks.
func (v *BankValidator) check(ctx context.Context, b *SealedBatch) error {
	if len(b.Transfers) == 0 {
		return errors.New("empty batch")
	}
	ok, err := v.proofs.VerifyAggregate(b.Commitments(), b.Proof)
	if err != nil {
		return &ProofError{Kind: "range", Err: err}
	}
	if !ok {
		return &ProofError{Kind: "range"}
	}

	limit := v.proofs.Params().MaxValue
	seen := make(map[commitment.Nullifier]struct{}, len(b.Transfers))
	leaves := make([]merkle.Hash, len(b.Transfers))
	for i, t := range b.Transfers {
		if t.Amount == 0 || t.Amount > limit {
			return fmt.Errorf("transfer %s: %w: %d not in [1, %d]", t.ID, ErrAmount, t.Amount, limit)
		}
		if _, dup := seen[t.Nullifier]; dup || v.nullifiers.Contains(t.Nullifier) {
			return fmt.Errorf("%w: %s", commitment.ErrReplay, t.Nullifier.Hex())
		}
		seen[t.Nullifier] = struct{}{}
		if !t.Opening().Matches(t.Commitment) {
			return &ProofError{Kind: "commitment", Err: fmt.Errorf("transfer %s", t.ID)}
		}
		leaves[i] = t.Leaf()
	}
	root, _, err := merkle.Build(leaves)
	if err != nil {
		return &ProofError{Kind: "merkle", Err: err}
	}
	if root != b.Root {
		return &ProofError{Kind: "merkle", Err: fmt.Errorf("root %s does not match leaves", b.Root)}
	}

	next := make(map[string]uint64)
	debits := make(map[string]uint64)
	for _, t := range b.Transfers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.checkAccounts(t, next, debits); err != nil {
			return fmt.Errorf("transfer %s: %w", t.ID, err)
		}
	}
	return nil
}

// checkAccounts checks one transfer under the sender and receiver locks. next and debits carry
// the expected sequence and accumulated debit of senders seen earlier in the batch.
func (v *BankValidator) checkAccounts(t *Transfer, next, debits map[string]uint64) error {
	unlock := v.ledger.LockAccounts(t.Sender, t.Receiver)
	defer unlock()

	sender, err := v.ledger.GetAccount(t.Sender)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	receiver, err := v.ledger.GetAccount(t.Receiver)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	if sender.Frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, sender.ID)
	}
	if receiver.Frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, receiver.ID)
	}

	want, ok := next[t.Sender]
	if !ok {
		want = sender.Sequence
	}
	if t.Sequence != want {
		return fmt.Errorf("%w: %s expected %d, got %d", ErrBadSequence, t.Sender, want, t.Sequence)
	}
	next[t.Sender] = want + 1

	debits[t.Sender] += t.Amount
	if debits[t.Sender] > sender.Balance {
		return fmt.Errorf("%w: %s has %d, batch debits %d", ErrInsufficientBalance, t.Sender, sender.Balance, debits[t.Sender])
	}

	if v.policy.MaxAmount > 0 && t.Amount > v.policy.MaxAmount && (sender.Bank == v.id || receiver.Bank == v.id) {
		return fmt.Errorf("%w: amount %d above limit %d", ErrPolicy, t.Amount, v.policy.MaxAmount)
	}
	return nil
}
