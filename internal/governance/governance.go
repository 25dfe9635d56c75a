// Package governance runs the freeze/unfreeze workflow for accounts.
//
// A proposal is opened against one account, active validators vote on it, and once F of them
// approve it can be executed, which flips the account's frozen flag exactly once. Frozen status
// is answered from the ledger's flag, so freezes survive a restart, and independent of proposal
// history.
package governance

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"batchledger/internal/events"
	"batchledger/internal/ledger"
)

var (
	ErrThresholdUnmet   = errors.New("freeze threshold not met")
	ErrUnknownProposal  = errors.New("unknown proposal")
	ErrProposalClosed   = errors.New("proposal is closed")
	ErrNotApproved      = errors.New("proposal is not approved")
	ErrInactiveVoter    = errors.New("voter is not an active validator")
	ErrInvalidThreshold = errors.New("invalid freeze threshold")
)

// Action is what an approved proposal does to its target.
type Action int

const (
	Freeze Action = iota
	Unfreeze
)

func (a Action) String() string {
	switch a {
	case Freeze:
		return "freeze"
	case Unfreeze:
		return "unfreeze"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// State of a proposal.
type State int

const (
	Open State = iota
	Approved
	Rejected
	Executed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Executed:
		return "executed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Proposal is a snapshot of one freeze or unfreeze proposal.
type Proposal struct {
	ID        uint64
	Target    string
	Reason    string
	Action    Action
	Votes     map[string]bool
	State     State
	CreatedAt time.Time
}

// FreezeStore persists the frozen flag; the ledger implements it.
type FreezeStore interface {
	IsFrozen(id string) (bool, error)
	SetFrozen(id string, frozen bool) error
}

// Council owns proposals and the frozen set.
type Council struct {
	threshold int
	registry  *Registry
	store     FreezeStore
	notifier  events.Notifier
	log       logrus.FieldLogger

	mu        sync.Mutex
	proposals map[uint64]*Proposal
	nextID    uint64
	frozen    map[string]struct{}
}

// NewCouncil creates a council that approves with threshold votes out of the registry's
// active validators.
func NewCouncil(threshold int, registry *Registry, store FreezeStore, notifier events.Notifier, log logrus.FieldLogger) (*Council, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	if notifier == nil {
		notifier = events.Discard
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Council{
		threshold: threshold,
		registry:  registry,
		store:     store,
		notifier:  notifier,
		log:       log,
		proposals: make(map[uint64]*Proposal),
		nextID:    1,
		frozen:    make(map[string]struct{}),
	}, nil
}

// Propose opens a proposal against target.
func (c *Council) Propose(target, reason string, action Action) (Proposal, error) {
	if target == "" {
		return Proposal{}, errors.New("proposal target is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &Proposal{
		ID:        c.nextID,
		Target:    target,
		Reason:    reason,
		Action:    action,
		Votes:     make(map[string]bool),
		State:     Open,
		CreatedAt: time.Now(),
	}
	c.nextID++
	c.proposals[p.ID] = p
	c.log.WithFields(logrus.Fields{"proposal": p.ID, "target": target, "action": action}).Info("governance proposal opened")
	return p.snapshot(), nil
}

// Vote records decision for validator. Only the first vote of a validator counts; later votes
// are ignored. Votes after the proposal left Open are refused.
func (c *Council) Vote(proposalID uint64, validator string, approve bool) error {
	if !c.registry.IsActive(validator) {
		return fmt.Errorf("%w: %s", ErrInactiveVoter, validator)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProposal, proposalID)
	}
	if p.State != Open {
		return fmt.Errorf("%w: %d is %s", ErrProposalClosed, proposalID, p.State)
	}
	if _, voted := p.Votes[validator]; voted {
		return nil
	}
	p.Votes[validator] = approve
	return nil
}

// Tally moves an open proposal to Approved or Rejected when the outcome is settled and returns
// the resulting state. It returns ErrThresholdUnmet while the proposal can still go either way.
func (c *Council) Tally(proposalID uint64) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[proposalID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownProposal, proposalID)
	}
	if p.State != Open {
		return p.State, nil
	}

	active := c.registry.ActiveValidators()
	approvals, pending := 0, 0
	for _, id := range active {
		approve, voted := p.Votes[id]
		switch {
		case !voted:
			pending++
		case approve:
			approvals++
		}
	}
	switch {
	case approvals >= c.threshold:
		p.State = Approved
	case approvals+pending < c.threshold:
		p.State = Rejected
	default:
		return Open, fmt.Errorf("%w: %d of %d approvals", ErrThresholdUnmet, approvals, c.threshold)
	}
	c.log.WithFields(logrus.Fields{"proposal": p.ID, "approvals": approvals, "state": p.State}).Info("governance proposal tallied")
	return p.State, nil
}

// Execute applies an approved proposal. Executing an already executed proposal does nothing.
func (c *Council) Execute(proposalID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProposal, proposalID)
	}
	switch p.State {
	case Executed:
		return nil
	case Approved:
	default:
		return fmt.Errorf("%w: %d is %s", ErrNotApproved, proposalID, p.State)
	}

	freeze := p.Action == Freeze
	if c.store != nil {
		if err := c.store.SetFrozen(p.Target, freeze); err != nil {
			return fmt.Errorf("failed to %s %s: %w", p.Action, p.Target, err)
		}
	}
	ev := events.Event{Account: p.Target, Reason: p.Reason, At: time.Now()}
	if freeze {
		c.frozen[p.Target] = struct{}{}
		ev.Type = events.AccountFrozen
	} else {
		delete(c.frozen, p.Target)
		ev.Type = events.AccountUnfrozen
	}
	p.State = Executed
	c.log.WithFields(logrus.Fields{"proposal": p.ID, "target": p.Target, "action": p.Action}).Warn("governance proposal executed")
	c.notifier.Notify(ev)
	return nil
}

// IsFrozen reports whether id is frozen. With a store the persisted flag decides; an account
// the store does not know is not frozen.
func (c *Council) IsFrozen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		frozen, err := c.store.IsFrozen(id)
		switch {
		case err == nil:
			return frozen
		case errors.Is(err, ledger.ErrAccountNotFound):
			return false
		}
		c.log.WithError(err).WithField("account", id).Warn("frozen flag unreadable, using council state")
	}
	_, ok := c.frozen[id]
	return ok
}

// Get returns a snapshot of a proposal.
func (c *Council) Get(proposalID uint64) (Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[proposalID]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %d", ErrUnknownProposal, proposalID)
	}
	return p.snapshot(), nil
}

func (p *Proposal) snapshot() Proposal {
	out := *p
	out.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	return out
}
