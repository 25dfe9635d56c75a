package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"batchledger/internal/commitment"
	"batchledger/internal/disclosure"
	"batchledger/internal/events"
	"batchledger/internal/groupsig"
	"batchledger/internal/ledger"
	"batchledger/internal/merkle"
	"batchledger/internal/rangeproof"
)

// Config holds the engine parameters.
type Config struct {
	BatchSize         int           // N: transfers per batch
	Quorum            int           // Q: approvals needed
	CollectionTimeout time.Duration // seal a partial batch after this long
	VotingTimeout     time.Duration // missing votes count as Reject after this long
	MaxConcurrency    int           // validators evaluated at once; 0 means all
	SealDifficulty    uint8         // proof-of-work bits on batch headers; 0 disables
	MaxAttempts       int           // rejected batches a transfer may sit in before it is dropped; 0 means no limit
}

// DefaultConfig returns N=100, Q=10 with one second collection and five second voting timeouts.
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		Quorum:            10,
		CollectionTimeout: time.Second,
		VotingTimeout:     5 * time.Second,
		MaxAttempts:       5,
	}
}

func (c Config) validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Quorum <= 0:
		return fmt.Errorf("quorum must be positive, got %d", c.Quorum)
	case c.CollectionTimeout <= 0 || c.VotingTimeout <= 0:
		return errors.New("timeouts must be positive")
	case c.MaxConcurrency < 0:
		return errors.New("max concurrency must not be negative")
	case c.MaxAttempts < 0:
		return errors.New("max attempts must not be negative")
	}
	return nil
}

// Membership reports which validators currently take part in votes.
type Membership interface {
	ActiveValidators() []string
}

// Deps are the collaborators of an Engine. Membership, Notifier, Vault and Log are optional.
type Deps struct {
	Ledger      ledger.Ledger
	Store       Store
	Accumulator *commitment.Accumulator
	Proofs      *rangeproof.System
	Ring        *groupsig.Ring
	Opener      bls12377.G1Affine
	Validators  []Validator
	Membership  Membership
	Notifier    events.Notifier
	Vault       *disclosure.Vault
	Log         logrus.FieldLogger
}

type senderQueue struct {
	count uint64
	debit uint64
}

// Engine runs the batch pipeline. Transfers are collected into batches by one goroutine and
// voted on by another, so the next batch fills while the current one is being decided.
type Engine struct {
	cfg        Config
	ledger     ledger.Ledger
	store      Store
	acc        *commitment.Accumulator
	proofs     *rangeproof.System
	ring       *groupsig.Ring
	opener     bls12377.G1Affine
	validators map[string]Validator
	membership Membership
	notifier   events.Notifier
	vault      *disclosure.Vault
	finalizer  *Finalizer
	log        logrus.FieldLogger

	mu          sync.Mutex
	queue       []*Transfer
	queued      map[commitment.Nullifier]*Transfer // queued or in a batch being decided
	senders     map[string]*senderQueue
	attempts    map[string]int
	nextOrdinal uint64
	nextBatchID uint64
	prevRoot    merkle.Hash
	batches     map[uint64]*Batch

	wake   chan struct{}
	sealed chan *Batch
	fatal  chan error
}

// New creates an engine. Call Recover before Run to reload persisted pending transfers.
func New(cfg Config, d Deps) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if d.Ledger == nil || d.Store == nil || d.Accumulator == nil || d.Proofs == nil || d.Ring == nil {
		return nil, errors.New("engine: ledger, store, accumulator, proofs and ring are required")
	}
	if d.Proofs.Params().Capacity < cfg.BatchSize {
		return nil, fmt.Errorf("aggregate proof capacity %d is below batch size %d", d.Proofs.Params().Capacity, cfg.BatchSize)
	}
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = events.Discard
	}
	vals := make(map[string]Validator, len(d.Validators))
	for _, v := range d.Validators {
		if _, dup := vals[v.ID()]; dup {
			return nil, fmt.Errorf("duplicate validator %s", v.ID())
		}
		vals[v.ID()] = v
	}
	e := &Engine{
		cfg:         cfg,
		ledger:      d.Ledger,
		store:       d.Store,
		acc:         d.Accumulator,
		proofs:      d.Proofs,
		ring:        d.Ring,
		opener:      d.Opener,
		validators:  vals,
		membership:  d.Membership,
		notifier:    notifier,
		vault:       d.Vault,
		finalizer:   NewFinalizer(d.Ledger, d.Accumulator, d.Store, log),
		log:         log,
		queued:      make(map[commitment.Nullifier]*Transfer),
		senders:     make(map[string]*senderQueue),
		attempts:    make(map[string]int),
		nextOrdinal: 1,
		nextBatchID: 1,
		batches:     make(map[uint64]*Batch),
		wake:        make(chan struct{}, 1),
		sealed:      make(chan *Batch),
		fatal:       make(chan error, 1),
	}
	return e, nil
}

// Fatal delivers the error that stopped the engine, if any.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// Pending returns the number of transfers waiting to be batched.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Batch returns a copy of batch id.
func (e *Engine) Batch(id uint64) (*Batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[id]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// Batches returns copies of every batch sealed so far, by id.
func (e *Engine) Batches() []*Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Batch, 0, len(e.batches))
	for _, b := range e.batches {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Submit validates t and queues it for the next batch. Validation failures are returned as
// *ValidationError; t then never enters a batch.
func (e *Engine) Submit(t *Transfer) error {
	if err := t.checkShape(e.proofs.Params().MaxValue); err != nil {
		return err
	}
	ok, err := e.proofs.Verify(t.Commitment, t.RangeProof)
	if err != nil {
		return invalid("range_proof", &ProofError{Kind: "range", Err: err})
	}
	if !ok {
		return invalid("range_proof", &ProofError{Kind: "range"})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkAgainstLedgerLocked(t); err != nil {
		return err
	}

	t.Ordinal = e.nextOrdinal
	if e.vault != nil {
		fields := disclosure.Fields{Sender: t.Sender, Receiver: t.Receiver, Amount: t.Amount}
		if err := e.vault.Seal(t.ID, fields); err != nil {
			return fmt.Errorf("seal disclosure record: %w", err)
		}
	}
	if err := e.store.SavePendingTransfer(t); err != nil {
		return fmt.Errorf("persist pending transfer: %w", err)
	}
	e.nextOrdinal++
	e.enqueueLocked(t)
	e.signal()
	e.log.WithFields(logrus.Fields{"tx_id": t.ID, "ordinal": t.Ordinal}).Debug("transfer queued")
	return nil
}

func (e *Engine) checkAgainstLedgerLocked(t *Transfer) error {
	unlock := e.ledger.LockAccounts(t.Sender, t.Receiver)
	defer unlock()

	sender, err := e.ledger.GetAccount(t.Sender)
	if err != nil {
		return invalid("sender", fmt.Errorf("%w: %v", ErrUnknownAccount, err))
	}
	receiver, err := e.ledger.GetAccount(t.Receiver)
	if err != nil {
		return invalid("receiver", fmt.Errorf("%w: %v", ErrUnknownAccount, err))
	}
	if sender.Frozen {
		return invalid("sender", fmt.Errorf("%w: %s", ErrFrozen, sender.ID))
	}
	if receiver.Frozen {
		return invalid("receiver", fmt.Errorf("%w: %s", ErrFrozen, receiver.ID))
	}

	q := e.senders[t.Sender]
	if q == nil {
		q = &senderQueue{}
	}
	if want := sender.Sequence + q.count; t.Sequence != want {
		return invalid("sequence", fmt.Errorf("%w: expected %d, got %d", ErrBadSequence, want, t.Sequence))
	}
	if q.debit+t.Amount > sender.Balance {
		return invalid("amount", fmt.Errorf("%w: %s has %d, queued debits %d", ErrInsufficientBalance, t.Sender, sender.Balance, q.debit+t.Amount))
	}
	if e.acc.Contains(t.Nullifier) {
		return invalid("nullifier", fmt.Errorf("%w: %s", commitment.ErrReplay, t.Nullifier.Hex()))
	}
	if _, ok := e.queued[t.Nullifier]; ok {
		return invalid("nullifier", ErrDuplicateNullifier)
	}
	return nil
}

// enqueueLocked appends t and books it against its sender.
func (e *Engine) enqueueLocked(t *Transfer) {
	e.queue = append(e.queue, t)
	e.queued[t.Nullifier] = t
	q := e.senders[t.Sender]
	if q == nil {
		q = &senderQueue{}
		e.senders[t.Sender] = q
	}
	q.count++
	q.debit += t.Amount
}

// releaseLocked drops the bookkeeping of finalized or dropped transfers.
func (e *Engine) releaseLocked(ts []*Transfer) {
	for _, t := range ts {
		delete(e.queued, t.Nullifier)
		delete(e.attempts, t.ID)
		if q := e.senders[t.Sender]; q != nil {
			q.count--
			q.debit -= t.Amount
			if q.count == 0 {
				delete(e.senders, t.Sender)
			}
		}
	}
}

// requeueLocked puts ts back into the queue in submission order.
func (e *Engine) requeueLocked(ts []*Transfer) {
	merged := make([]*Transfer, 0, len(ts)+len(e.queue))
	merged = append(merged, ts...)
	merged = append(merged, e.queue...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Ordinal < merged[j].Ordinal })
	e.queue = merged
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Recover reloads persisted pending transfers and the batch chain position. Transfers whose
// nullifier is already committed were finalized before a crash and are dropped. A pending
// transfer without a disclosure record gets one sealed again.
func (e *Engine) Recover() error {
	ts, err := e.store.LoadPendingTransfers()
	if err != nil {
		return fmt.Errorf("load pending transfers: %w", err)
	}
	latest, err := e.store.LoadLatestBatch()
	if err != nil {
		return fmt.Errorf("load latest batch: %w", err)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Ordinal < ts[j].Ordinal })

	e.mu.Lock()
	defer e.mu.Unlock()
	restored := 0
	for _, t := range ts {
		if e.acc.Contains(t.Nullifier) {
			if err := e.store.DeletePendingTransfer(t); err != nil {
				return err
			}
			continue
		}
		if e.vault != nil {
			if _, ok := e.vault.Record(t.ID); !ok {
				fields := disclosure.Fields{Sender: t.Sender, Receiver: t.Receiver, Amount: t.Amount}
				if err := e.vault.Seal(t.ID, fields); err != nil {
					return fmt.Errorf("reseal disclosure record %s: %w", t.ID, err)
				}
			}
		}
		e.enqueueLocked(t)
		restored++
		if t.Ordinal >= e.nextOrdinal {
			e.nextOrdinal = t.Ordinal + 1
		}
	}
	if latest != nil {
		e.nextBatchID = latest.ID + 1
		e.prevRoot = latest.Root
	}
	e.log.WithFields(logrus.Fields{"pending": restored, "next_batch": e.nextBatchID}).Info("engine recovered")
	return nil
}

// Run drives collection and voting until ctx is cancelled or a finalize failure occurs.
// It returns nil on cancellation and an error wrapping ErrFinalizeFailed otherwise.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.collect(gctx) })
	g.Go(func() error { return e.voteLoop(gctx) })
	return g.Wait()
}

// collect seals a batch when N transfers are queued, or when the collection timeout elapses
// with at least one transfer queued.
func (e *Engine) collect(ctx context.Context) error {
	var timer *time.Timer
	var deadline <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, deadline = nil, nil
	}
	defer stopTimer()

	for {
		n := e.Pending()
		switch {
		case n >= e.cfg.BatchSize:
			stopTimer()
			sealed, err := e.seal(ctx)
			if err != nil {
				return nil
			}
			if sealed {
				continue
			}
			timer = time.NewTimer(e.cfg.CollectionTimeout)
			deadline = timer.C
		case n > 0 && deadline == nil:
			timer = time.NewTimer(e.cfg.CollectionTimeout)
			deadline = timer.C
		case n == 0 && deadline != nil:
			stopTimer()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-deadline:
			timer, deadline = nil, nil
			if _, err := e.seal(ctx); err != nil {
				return nil
			}
		}
	}
}

// seal takes up to N transfers off the queue, builds the batch and hands it to the voter.
// It reports whether a batch was handed over, and only fails when ctx is done; the transfers
// are then back in the queue or in a rejected batch.
func (e *Engine) seal(ctx context.Context) (bool, error) {
	e.mu.Lock()
	n := len(e.queue)
	if n == 0 {
		e.mu.Unlock()
		return false, nil
	}
	if n > e.cfg.BatchSize {
		n = e.cfg.BatchSize
	}
	ts := append([]*Transfer(nil), e.queue[:n]...)
	e.queue = append([]*Transfer(nil), e.queue[n:]...)
	id := e.nextBatchID
	e.nextBatchID++
	prev := e.prevRoot
	e.mu.Unlock()

	b, err := e.build(ctx, id, prev, ts)
	if err != nil {
		e.mu.Lock()
		e.requeueLocked(ts)
		e.mu.Unlock()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// The proof covers transfers that already passed validation, so this is unexpected;
		// the transfers wait for the next seal.
		e.log.WithError(err).WithField("batch_id", id).Error("failed to seal batch")
		return false, nil
	}

	e.mu.Lock()
	e.prevRoot = b.Root
	e.batches[b.ID] = b
	snapshot := b.redacted()
	e.mu.Unlock()
	if err := e.store.SaveBatch(snapshot); err != nil {
		e.log.WithError(err).WithField("batch_id", b.ID).Warn("failed to persist proposed batch")
	}
	e.log.WithFields(logrus.Fields{"batch_id": b.ID, "transfers": len(ts), "root": b.Root.String()}).Info("batch proposed")
	e.notifier.Notify(events.Event{Type: events.BatchProposed, BatchID: b.ID, TxIDs: b.TxIDs(), At: time.Now()})

	select {
	case e.sealed <- b:
		return true, nil
	case <-ctx.Done():
		e.reject(b, "engine stopped", nil)
		return false, ctx.Err()
	}
}

func (e *Engine) build(ctx context.Context, id uint64, prev merkle.Hash, ts []*Transfer) (*Batch, error) {
	leaves := make([]merkle.Hash, len(ts))
	ws := make([]rangeproof.Witness, len(ts))
	for i, t := range ts {
		leaves[i] = t.Leaf()
		ws[i] = t.Witness()
	}
	root, _, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	proof, err := e.proofs.ProveAggregate(ws, e.proofs.Params().MaxValue)
	if err != nil {
		return nil, err
	}
	b := &Batch{
		SealedBatch: SealedBatch{ID: id, PrevRoot: prev, Root: root, Transfers: ts, Proof: proof},
		Votes:       make(map[string]*Vote),
		State:       Collecting,
	}
	if e.cfg.SealDifficulty > 0 {
		nonce, _, err := merkle.Seal(ctx, b.Header(), e.cfg.SealDifficulty)
		if err != nil {
			return nil, err
		}
		b.Nonce = nonce
	}
	b.SealedAt = time.Now()
	if err := b.advance(Proposed); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) voteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-e.sealed:
			if err := e.decide(ctx, b); err != nil {
				select {
				case e.fatal <- err:
				default:
				}
				return err
			}
		}
	}
}

type ballot struct {
	validator string
	vote      *Vote
	err       error
}

// decide runs the voting phase of b and applies the outcome.
func (e *Engine) decide(ctx context.Context, b *Batch) error {
	active := e.activeValidators()
	ids := make([]string, len(active))
	for i, v := range active {
		ids[i] = v.ID()
	}
	mandatory, err := e.mandatoryValidators(b)
	if err != nil {
		e.mu.Lock()
		b.Validators = ids
		e.mu.Unlock()
		e.reject(b, err.Error(), chargeAll)
		return nil
	}
	isMandatory := make(map[string]bool, len(mandatory))
	for _, id := range mandatory {
		isMandatory[id] = true
	}

	e.mu.Lock()
	b.Validators = ids
	if err := b.advance(Voting); err != nil {
		e.mu.Unlock()
		return err
	}
	snap := b.SealedBatch
	e.mu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, e.cfg.VotingTimeout)
	defer cancel()
	results := make(chan ballot, len(active))
	go e.fanOut(vctx, active, &snap, results)

	decisions := make(map[string]Decision, len(active))
	closed := len(active) == 0
	outcome, reason := Decide(ids, decisions, e.cfg.Quorum, mandatory, closed)
	for outcome == OutcomeUndecided {
		select {
		case r := <-results:
			decisions[r.validator] = e.record(b, r, isMandatory)
			closed = len(decisions) == len(active)
		case <-vctx.Done():
			if ctx.Err() != nil {
				e.reject(b, "engine stopped", nil)
				return nil
			}
			closed = true
		}
		outcome, reason = Decide(ids, decisions, e.cfg.Quorum, mandatory, closed)
	}
	cancel()

	if outcome == OutcomeReject {
		e.reject(b, reason, e.charge(mandatory, decisions))
		return nil
	}
	return e.finalize(b)
}

// fanOut evaluates the batch on every active validator, at most MaxConcurrency at a time.
func (e *Engine) fanOut(ctx context.Context, active []Validator, b *SealedBatch, results chan<- ballot) {
	var g errgroup.Group
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}
	for _, v := range active {
		v := v
		g.Go(func() error {
			if ctx.Err() != nil {
				results <- ballot{validator: v.ID(), err: ctx.Err()}
				return nil
			}
			vote, err := v.Evaluate(ctx, b)
			results <- ballot{validator: v.ID(), vote: vote, err: err}
			return nil
		})
	}
	_ = g.Wait()
}

// record files the vote of one validator and returns the decision it counts as. Errors,
// votes for another batch and votes whose group signature fails all count as Reject. So do a
// vote whose signature links to one already filed under another slot, and an approval in a
// mandatory slot that is not attributed to that slot's key.
func (e *Engine) record(b *Batch, r ballot, mandatory map[string]bool) Decision {
	scope := VoteScope(b.ID, b.Root)
	vote := r.vote
	switch {
	case r.err != nil:
		vote = &Vote{Validator: r.validator, BatchID: b.ID, Decision: Reject, Reason: r.err.Error()}
	case vote == nil:
		vote = &Vote{Validator: r.validator, BatchID: b.ID, Decision: Reject, Reason: "no vote"}
	case vote.BatchID != b.ID || !groupsig.Verify(scope, VoteMessage(b.ID, b.Root, vote.Decision), vote.Signature, e.ring, e.opener):
		vote = &Vote{Validator: r.validator, BatchID: b.ID, Decision: Reject, Reason: "invalid vote signature"}
	case vote.Decision == Approve && mandatory[r.validator] && !e.attributed(scope, r.validator, vote):
		vote = &Vote{Validator: r.validator, BatchID: b.ID, Decision: Reject, Reason: "unattributed mandatory approval"}
	default:
		cp := *vote
		cp.Validator = r.validator
		vote = &cp
	}

	e.mu.Lock()
	if _, dup := b.Votes[r.validator]; !dup {
		if vote.Signature != nil && linkedLocked(b, vote) {
			vote = &Vote{Validator: r.validator, BatchID: b.ID, Decision: Reject, Reason: "duplicate signer"}
		}
		b.Votes[r.validator] = vote
	}
	vote = b.Votes[r.validator]
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"batch_id": b.ID, "validator": r.validator, "decision": vote.Decision}).Debug("vote recorded")
	e.notifier.Notify(events.Event{
		Type:      events.VoteRecorded,
		BatchID:   b.ID,
		Validator: r.validator,
		Approve:   vote.Decision == Approve,
		Reason:    vote.Reason,
		At:        time.Now(),
	})
	return vote.Decision
}

// attributed reports whether vote carries a proof that slot's own ring key signed it.
func (e *Engine) attributed(scope []byte, slot string, vote *Vote) bool {
	m, ok := e.ring.Member(slot)
	return ok && vote.Attribution.Verify(scope, vote.Signature, m.Public.G1Affine)
}

// linkedLocked reports whether the signer of vote already filed a vote on b.
func linkedLocked(b *Batch, vote *Vote) bool {
	for _, other := range b.Votes {
		if groupsig.Linked(other.Signature, vote.Signature) {
			return true
		}
	}
	return false
}

func (e *Engine) activeValidators() []Validator {
	var ids []string
	if e.membership != nil {
		ids = e.membership.ActiveValidators()
	} else {
		for id := range e.validators {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	out := make([]Validator, 0, len(ids))
	for _, id := range ids {
		if v, ok := e.validators[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// mandatoryValidators returns the home banks of every sender and receiver in b.
func (e *Engine) mandatoryValidators(b *Batch) ([]string, error) {
	set := make(map[string]struct{})
	for _, t := range b.Transfers {
		for _, id := range []string{t.Sender, t.Receiver} {
			a, err := e.ledger.GetAccount(id)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnknownAccount, err)
			}
			if a.Bank != "" {
				set[a.Bank] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) finalize(b *Batch) error {
	if err := e.finalizer.Finalize(b); err != nil {
		var fe *FinalizeError
		applied := errors.As(err, &fe) && fe.Applied
		e.log.WithError(err).WithFields(logrus.Fields{"batch_id": b.ID, "applied": applied}).Error("batch finalize failed")
		if !applied {
			e.reject(b, "finalize failed: "+err.Error(), nil)
		}
		return fmt.Errorf("%w: batch %d: %v", ErrFinalizeFailed, b.ID, err)
	}

	e.mu.Lock()
	if err := b.advance(Finalized); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}
	e.releaseLocked(b.Transfers)
	snapshot := b.redacted()
	e.mu.Unlock()

	if err := e.store.SaveBatch(snapshot); err != nil {
		return fmt.Errorf("%w: batch %d: persist batch: %v", ErrFinalizeFailed, b.ID, err)
	}
	e.log.WithFields(logrus.Fields{"batch_id": b.ID, "transfers": len(b.Transfers)}).Info("batch finalized")
	e.notifier.Notify(events.Event{Type: events.BatchFinalized, BatchID: b.ID, TxIDs: b.TxIDs(), At: time.Now()})
	return nil
}

func chargeAll(*Transfer) bool { return true }

// charge picks the transfers of a rejected batch the rejection counts against. When mandatory
// banks withheld their approval only transfers touching those banks are charged, so a bank that
// never answers cannot keep its batch-mates from finalizing.
func (e *Engine) charge(mandatory []string, decisions map[string]Decision) func(*Transfer) bool {
	blamed := make(map[string]bool)
	for _, id := range mandatory {
		if decisions[id] != Approve {
			blamed[id] = true
		}
	}
	if len(blamed) == 0 {
		return chargeAll
	}
	return func(t *Transfer) bool {
		for _, id := range []string{t.Sender, t.Receiver} {
			if a, err := e.ledger.GetAccount(id); err == nil && blamed[a.Bank] {
				return true
			}
		}
		return false
	}
}

type dropped struct {
	t      *Transfer
	reason string
}

// reject moves b to Rejected and returns its transfers to the queue. Nothing is applied.
// Transfers charge selects count one more failed attempt. The queue is then checked against
// the ledger again; transfers that can no longer finalize are dropped for good.
func (e *Engine) reject(b *Batch, reason string, charge func(*Transfer) bool) {
	e.mu.Lock()
	if err := b.advance(Rejected); err != nil {
		e.mu.Unlock()
		e.log.WithError(err).Error("cannot reject batch")
		return
	}
	b.Reason = reason
	if charge != nil {
		for _, t := range b.Transfers {
			if charge(t) {
				e.attempts[t.ID]++
			}
		}
	}
	e.requeueLocked(b.Transfers)
	drops := e.revalidateLocked()
	snapshot := b.redacted()
	e.mu.Unlock()
	e.signal()

	if err := e.store.SaveBatch(snapshot); err != nil {
		e.log.WithError(err).WithField("batch_id", b.ID).Warn("failed to persist rejected batch")
	}
	e.log.WithFields(logrus.Fields{"batch_id": b.ID, "reason": reason}).Warn("batch rejected")
	e.notifier.Notify(events.Event{Type: events.BatchRejected, BatchID: b.ID, TxIDs: b.TxIDs(), Reason: reason, At: time.Now()})

	for _, d := range drops {
		if err := e.store.DeletePendingTransfer(d.t); err != nil {
			e.log.WithError(err).WithField("tx_id", d.t.ID).Warn("failed to delete dropped transfer")
		}
		e.log.WithFields(logrus.Fields{"tx_id": d.t.ID, "batch_id": b.ID, "reason": d.reason}).Warn("transfer dropped")
		e.notifier.Notify(events.Event{Type: events.TransferDropped, BatchID: b.ID, TxIDs: []string{d.t.ID}, Reason: d.reason, At: time.Now()})
	}
}

// revalidateLocked checks every queued transfer against the ledger as it stands, in
// submission order, and removes the ones that cannot finalize any more. Transfers of batches
// still being decided are booked against their sender without being checked.
func (e *Engine) revalidateLocked() []dropped {
	outstanding := make([]*Transfer, 0, len(e.queued))
	for _, t := range e.queued {
		outstanding = append(outstanding, t)
	}
	sort.Slice(outstanding, func(i, j int) bool { return outstanding[i].Ordinal < outstanding[j].Ordinal })
	inQueue := make(map[*Transfer]bool, len(e.queue))
	for _, t := range e.queue {
		inQueue[t] = true
	}

	next := make(map[string]uint64)
	debits := make(map[string]uint64)
	var drops []dropped
	for _, t := range outstanding {
		if inQueue[t] {
			if err := e.recheckLocked(t, next, debits); err != nil {
				drops = append(drops, dropped{t: t, reason: err.Error()})
				continue
			}
		}
		next[t.Sender] = t.Sequence + 1
		debits[t.Sender] += t.Amount
	}
	if len(drops) == 0 {
		return nil
	}

	gone := make(map[*Transfer]bool, len(drops))
	ts := make([]*Transfer, len(drops))
	for i, d := range drops {
		gone[d.t] = true
		ts[i] = d.t
	}
	kept := e.queue[:0]
	for _, t := range e.queue {
		if !gone[t] {
			kept = append(kept, t)
		}
	}
	e.queue = kept
	e.releaseLocked(ts)
	return drops
}

// recheckLocked is the submission check of t against the current ledger, with next and debits
// carrying the sequence and debits of the sender's earlier outstanding transfers.
func (e *Engine) recheckLocked(t *Transfer, next, debits map[string]uint64) error {
	if n := e.cfg.MaxAttempts; n > 0 && e.attempts[t.ID] >= n {
		return fmt.Errorf("rejected in %d batches", e.attempts[t.ID])
	}
	if e.acc.Contains(t.Nullifier) {
		return fmt.Errorf("%w: %s", commitment.ErrReplay, t.Nullifier.Hex())
	}
	unlock := e.ledger.LockAccounts(t.Sender, t.Receiver)
	defer unlock()

	sender, err := e.ledger.GetAccount(t.Sender)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	receiver, err := e.ledger.GetAccount(t.Receiver)
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
	if debits[t.Sender]+t.Amount > sender.Balance {
		return fmt.Errorf("%w: %s has %d, outstanding debits %d", ErrInsufficientBalance, t.Sender, sender.Balance, debits[t.Sender]+t.Amount)
	}
	return nil
}
