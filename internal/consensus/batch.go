package consensus

import (
	"encoding/binary"
	"fmt"
	"time"

	"batchledger/internal/commitment"
	"batchledger/internal/groupsig"
	"batchledger/internal/merkle"
	"batchledger/internal/rangeproof"
)

// State is the lifecycle of a batch.
type State int

const (
	Collecting State = iota
	Proposed
	Voting
	Finalized
	Rejected
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Proposed:
		return "proposed"
	case Voting:
		return "voting"
	case Finalized:
		return "finalized"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Finalized || s == Rejected
}

var transitions = map[State][]State{
	Collecting: {Proposed},
	Proposed:   {Voting, Rejected},
	Voting:     {Finalized, Rejected},
}

// Decision is a validator's verdict on a batch.
type Decision uint8

const (
	Reject Decision = iota
	Approve
)

func (d Decision) String() string {
	if d == Approve {
		return "approve"
	}
	return "reject"
}

// Vote is one validator's signed verdict. The signature proves ring membership without
// revealing the signer; Validator is the slot the engine filed it under. A home bank approving
// a batch that touches its accounts attaches an Attribution naming itself as the signer.
type Vote struct {
	Validator   string                `json:"validator"`
	BatchID     uint64                `json:"batchId"`
	Decision    Decision              `json:"decision"`
	Reason      string                `json:"reason,omitempty"`
	Signature   *groupsig.Signature   `json:"signature,omitempty"`
	Attribution *groupsig.Attribution `json:"attribution,omitempty"`
}

const (
	voteTag      = "batchledger/vote"
	voteScopeTag = "batchledger/vote-scope"
)

// VoteScope is the linking scope of every vote on one batch: tag || batch id u64 || root.
// Votes on the same batch signed with the same key carry the same tag.
func VoteScope(batchID uint64, root merkle.Hash) []byte {
	scope := make([]byte, 0, len(voteScopeTag)+8+merkle.HashSize)
	scope = append(scope, voteScopeTag...)
	scope = binary.BigEndian.AppendUint64(scope, batchID)
	return append(scope, root[:]...)
}

// VoteMessage is the byte string a vote signs: tag || batch id u64 || root || decision.
func VoteMessage(batchID uint64, root merkle.Hash, d Decision) []byte {
	msg := make([]byte, 0, len(voteTag)+8+merkle.HashSize+1)
	msg = append(msg, voteTag...)
	msg = binary.BigEndian.AppendUint64(msg, batchID)
	msg = append(msg, root[:]...)
	return append(msg, byte(d))
}

// SealedBatch is the immutable view of a batch handed to validators.
type SealedBatch struct {
	ID        uint64
	PrevRoot  merkle.Hash
	Root      merkle.Hash
	Nonce     uint64
	Transfers []*Transfer
	Proof     *rangeproof.AggregateProof
}

// Commitments returns the commitments of the batch in order.
func (b *SealedBatch) Commitments() []commitment.Commitment {
	out := make([]commitment.Commitment, len(b.Transfers))
	for i, t := range b.Transfers {
		out[i] = t.Commitment
	}
	return out
}

// Header is the byte string covered by the proof-of-work seal.
func (b *SealedBatch) Header() []byte {
	h := make([]byte, 0, 8+2*merkle.HashSize)
	h = binary.BigEndian.AppendUint64(h, b.ID)
	h = append(h, b.PrevRoot[:]...)
	return append(h, b.Root[:]...)
}

// Batch is a sealed batch with its voting record.
type Batch struct {
	SealedBatch
	Validators []string         `json:"validators"`
	Votes      map[string]*Vote `json:"votes"`
	State      State            `json:"state"`
	Reason     string           `json:"reason,omitempty"`
	SealedAt   time.Time        `json:"sealedAt"`
	DecidedAt  time.Time        `json:"decidedAt,omitempty"`
}

func (b *Batch) advance(to State) error {
	for _, s := range transitions[b.State] {
		if s == to {
			b.State = to
			if to.Terminal() {
				b.DecidedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("batch %d: illegal transition %s -> %s", b.ID, b.State, to)
}

// TxIDs returns the transfer ids of the batch in order.
func (b *Batch) TxIDs() []string {
	out := make([]string, len(b.Transfers))
	for i, t := range b.Transfers {
		out[i] = t.ID
	}
	return out
}

// Err returns a *ConsensusError for a rejected batch and nil otherwise.
func (b *Batch) Err() error {
	if b.State != Rejected {
		return nil
	}
	return &ConsensusError{BatchID: b.ID, Reason: b.Reason}
}

// redacted is the form a batch is persisted in: a clone whose transfers carry no opening.
func (b *Batch) redacted() *Batch {
	cp := b.clone()
	cp.Transfers = make([]*Transfer, len(b.Transfers))
	for i, t := range b.Transfers {
		cp.Transfers[i] = t.Redacted()
	}
	return cp
}

// clone copies the mutable parts of b so the copy can be read without the engine lock.
func (b *Batch) clone() *Batch {
	cp := *b
	cp.Validators = append([]string(nil), b.Validators...)
	cp.Votes = make(map[string]*Vote, len(b.Votes))
	for k, v := range b.Votes {
		cp.Votes[k] = v
	}
	return &cp
}
