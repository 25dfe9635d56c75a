package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"batchledger/internal/commitment"
	"batchledger/internal/consensus"
	"batchledger/internal/disclosure"
	"batchledger/internal/events"
	"batchledger/internal/governance"
	"batchledger/internal/ledger"
)

// report is what a simulation run observed.
type report struct {
	BatchID         uint64
	AliceBalance    uint64
	AliceSequence   uint64
	BobBalance      uint64
	FrozenRejected  bool
	MissingCustody  bool
	Disclosed       disclosure.Fields
	Health          HealthStatus
	FinalizedEvents int
}

// simulate runs the reference scenario on n: alice (500, sequence 47) pays bob 100 inside a
// full batch, governance freezes mallory, and the custodian plus the court unlock alice's
// transfer.
func simulate(ctx context.Context, n *node, timeout time.Duration) (*report, error) {
	log := n.log.WithField("component", "simulate")
	secrets := make(map[string]commitment.SpendSecret)
	open := func(a ledger.Account) error {
		if err := n.ledger.CreateAccount(a); err != nil {
			return err
		}
		s, err := commitment.NewSpendSecret()
		secrets[a.ID] = s
		return err
	}

	banks := n.validatorIDs
	accounts := []ledger.Account{
		{ID: "alice", Balance: 500, Sequence: 47, Bank: banks[0]},
		{ID: "bob", Bank: banks[1%len(banks)]},
		{ID: "mallory", Balance: 1000, Bank: banks[2%len(banks)]},
		{ID: "merchant", Bank: banks[3%len(banks)]},
	}
	fillers := n.cfg.Consensus.BatchSize - 1
	for i := 0; i < fillers; i++ {
		accounts = append(accounts, ledger.Account{ID: fmt.Sprintf("payer-%03d", i), Balance: 1000, Bank: banks[i%len(banks)]})
	}
	for _, a := range accounts {
		if err := open(a); err != nil {
			return nil, fmt.Errorf("create account %s: %w", a.ID, err)
		}
	}

	finalized := make(chan events.Event, 16)
	n.bus.Subscribe(events.NotifierFunc(func(e events.Event) {
		if e.Type == events.BatchFinalized {
			select {
			case finalized <- e:
			default:
			}
		}
	}))

	payment, err := consensus.NewTransfer(n.proofs, "alice", "bob", 100, 47, secrets["alice"])
	if err != nil {
		return nil, err
	}
	transfers := []*consensus.Transfer{payment}
	for i := 0; i < fillers; i++ {
		id := fmt.Sprintf("payer-%03d", i)
		t, err := consensus.NewTransfer(n.proofs, id, "merchant", uint64(i%50+1), 0, secrets[id])
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	for _, t := range transfers {
		if err := n.engine.Submit(t); err != nil {
			return nil, fmt.Errorf("submit %s: %w", t.ID, err)
		}
	}
	log.WithField("transfers", len(transfers)).Info("transfers submitted")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.run(ctx) }()
	stop := func() error {
		cancel()
		return <-done
	}

	rep := &report{}
	select {
	case e := <-finalized:
		rep.BatchID = e.BatchID
	case err := <-done:
		return nil, fmt.Errorf("engine stopped: %w", err)
	case <-time.After(timeout):
		stop()
		return nil, errors.New("timed out waiting for the batch to finalize")
	}

	alice, err := n.ledger.GetAccount("alice")
	if err != nil {
		stop()
		return nil, err
	}
	bob, err := n.ledger.GetAccount("bob")
	if err != nil {
		stop()
		return nil, err
	}
	rep.AliceBalance, rep.AliceSequence, rep.BobBalance = alice.Balance, alice.Sequence, bob.Balance
	log.WithFields(logrus.Fields{"batch_id": rep.BatchID, "alice": alice.Balance, "alice_seq": alice.Sequence, "bob": bob.Balance}).Info("payment finalized")

	if rep.FrozenRejected, err = freezeMallory(n, secrets["mallory"]); err != nil {
		stop()
		return nil, err
	}
	if rep.Disclosed, rep.MissingCustody, err = disclose(n, payment.ID); err != nil {
		stop()
		return nil, err
	}

	rep.Health = n.health.CheckHealth().OverallStatus
	if err := stop(); err != nil {
		return nil, err
	}
	rep.FinalizedEvents = int(n.metrics.Counter(MetricBatchesFinalized, nil))
	return rep, nil
}

// freezeMallory passes a freeze proposal with exactly the threshold of approvals and checks
// that mallory can no longer submit.
func freezeMallory(n *node, secret commitment.SpendSecret) (bool, error) {
	p, err := n.council.Propose("mallory", "suspicious activity", governance.Freeze)
	if err != nil {
		return false, err
	}
	for _, id := range n.validatorIDs[:n.cfg.Governance.FreezeThreshold] {
		if err := n.council.Vote(p.ID, id, true); err != nil {
			return false, err
		}
	}
	if _, err := n.council.Tally(p.ID); err != nil {
		return false, err
	}
	if err := n.council.Execute(p.ID); err != nil {
		return false, err
	}

	t, err := consensus.NewTransfer(n.proofs, "mallory", "bob", 10, 0, secret)
	if err != nil {
		return false, err
	}
	err = n.engine.Submit(t)
	return n.council.IsFrozen("mallory") && errors.Is(err, consensus.ErrFrozen), nil
}

// disclose plays the court and custodian holders: the court partial alone must fail, then the
// custodian partial unlocks the record. Shares are the ones found in the escrow directory.
func disclose(n *node, txID string) (disclosure.Fields, bool, error) {
	req, err := n.disclosure.Open(txID)
	if err != nil {
		return disclosure.Fields{}, false, err
	}
	rec, err := n.disclosure.Record(req.ID)
	if err != nil {
		return disclosure.Fields{}, false, err
	}
	partial := func(role string) (disclosure.Partial, error) {
		s, ok := n.dealing.Share(role)
		if !ok {
			return disclosure.Partial{}, fmt.Errorf("no %s share in %s", role, n.cfg.Disclosure.EscrowDir)
		}
		return s.Decrypt(rec)
	}
	court, err := partial("court")
	if err != nil {
		return disclosure.Fields{}, false, err
	}
	custodian, err := partial(disclosure.Custodian)
	if err != nil {
		return disclosure.Fields{}, false, err
	}

	if err := n.disclosure.SubmitShare(req.ID, court); err != nil {
		return disclosure.Fields{}, false, err
	}
	_, err = n.disclosure.Unlock(req.ID)
	missing := errors.Is(err, disclosure.ErrMissingMandatoryShare)

	if err := n.disclosure.SubmitShare(req.ID, custodian); err != nil {
		return disclosure.Fields{}, missing, err
	}
	fields, err := n.disclosure.Unlock(req.ID)
	if err != nil {
		return disclosure.Fields{}, missing, err
	}
	n.metrics.IncrementCounter(MetricDisclosures, nil)
	n.log.Audit("disclosure_unlocked", logrus.Fields{"request": req.ID, "tx_id": txID, "roles": []string{"court", disclosure.Custodian}})
	return fields, missing, nil
}
