package consensus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/consensys/gnark/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"batchledger/internal/commitment"
	"batchledger/internal/events"
	"batchledger/internal/groupsig"
	"batchledger/internal/ledger"
	"batchledger/internal/rangeproof"
)

const testMaxValue = 1_000_000

var (
	proofsMu sync.Mutex
	proofs   = map[int]*rangeproof.System{}
)

// proofSystem returns a range proof system with the given aggregate capacity, set up once per
// test binary.
func proofSystem(t *testing.T, capacity int) *rangeproof.System {
	t.Helper()
	proofsMu.Lock()
	defer proofsMu.Unlock()
	if s, ok := proofs[capacity]; ok {
		return s
	}
	logger.Disable()
	s, err := rangeproof.Setup(rangeproof.Params{MaxValue: testMaxValue, Bits: rangeproof.DefaultBits, Capacity: capacity})
	require.NoError(t, err)
	proofs[capacity] = s
	return s
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	t       *testing.T
	proofs  *rangeproof.System
	ids     []string
	keys    map[string]*groupsig.KeyPair
	ring    *groupsig.Ring
	opener  *groupsig.KeyPair
	ledger  *ledger.Memory
	acc     *commitment.Accumulator
	store   *MemoryStore
	events  *events.Recorder
	secrets map[string]commitment.SpendSecret
}

// newHarness creates m validator identities named bank-00.. and an empty ledger.
func newHarness(t *testing.T, m, capacity int) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		proofs:  proofSystem(t, capacity),
		keys:    make(map[string]*groupsig.KeyPair, m),
		ledger:  ledger.NewMemory(),
		acc:     commitment.NewAccumulator(),
		store:   NewMemoryStore(),
		events:  &events.Recorder{},
		secrets: make(map[string]commitment.SpendSecret),
	}
	members := make([]groupsig.Member, m)
	for i := 0; i < m; i++ {
		id := fmt.Sprintf("bank-%02d", i)
		kp, err := groupsig.GenerateKeyPair()
		require.NoError(t, err)
		h.ids = append(h.ids, id)
		h.keys[id] = kp
		members[i] = groupsig.Member{ID: id, Public: groupsig.Point{G1Affine: kp.Public}}
	}
	ring, err := groupsig.NewRing(members)
	require.NoError(t, err)
	h.ring = ring
	h.opener, err = groupsig.GenerateKeyPair()
	require.NoError(t, err)
	return h
}

func (h *harness) account(id string, balance, seq uint64, bank string) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.CreateAccount(ledger.Account{ID: id, Balance: balance, Sequence: seq, Bank: bank}))
	secret, err := commitment.NewSpendSecret()
	require.NoError(h.t, err)
	h.secrets[id] = secret
}

func (h *harness) transfer(sender, receiver string, amount, seq uint64) *Transfer {
	h.t.Helper()
	tr, err := NewTransfer(h.proofs, sender, receiver, amount, seq, h.secrets[sender])
	require.NoError(h.t, err)
	return tr
}

func (h *harness) bank(id string, p Policy) *BankValidator {
	h.t.Helper()
	v, err := NewBankValidator(BankValidatorConfig{
		ID:         id,
		Key:        h.keys[id],
		Ring:       h.ring,
		Opener:     h.opener.Public,
		Proofs:     h.proofs,
		Ledger:     h.ledger,
		Nullifiers: h.acc,
		Policy:     p,
		Log:        quietLogger(),
	})
	require.NoError(h.t, err)
	return v
}

// banks returns BankValidators for every identity in ids.
func (h *harness) banks(ids ...string) []Validator {
	out := make([]Validator, len(ids))
	for i, id := range ids {
		out[i] = h.bank(id, Policy{})
	}
	return out
}

func (h *harness) engine(cfg Config, vals []Validator) *Engine {
	h.t.Helper()
	e, err := New(cfg, Deps{
		Ledger:      h.ledger,
		Store:       h.store,
		Accumulator: h.acc,
		Proofs:      h.proofs,
		Ring:        h.ring,
		Opener:      h.opener.Public,
		Validators:  vals,
		Notifier:    h.events,
		Log:         quietLogger(),
	})
	require.NoError(h.t, err)
	return e
}

// run starts e and stops it when the test ends.
func (h *harness) run(e *Engine) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(h.t, err)
		case <-time.After(10 * time.Second):
			h.t.Error("engine did not stop")
		}
	})
}

func (h *harness) waitFor(typ events.Type, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.events.Count(typ) >= n }, 60*time.Second, 10*time.Millisecond,
		"waiting for %d %s events", n, typ)
}

// scripted is a validator that signs a fixed decision, or never answers. Approvals carry an
// attribution to the signing key, which is the slot's own key unless as names another.
type scripted struct {
	id       string
	as       string
	h        *harness
	decision Decision
	silent   bool
	forge    bool
}

func (s *scripted) ID() string { return s.id }

func (s *scripted) Evaluate(ctx context.Context, b *SealedBatch) (*Vote, error) {
	if s.silent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	id := b.ID
	if s.forge {
		id++
	}
	key := s.h.keys[s.id]
	if s.as != "" {
		key = s.h.keys[s.as]
	}
	scope := VoteScope(b.ID, b.Root)
	sig, err := groupsig.Sign(scope, VoteMessage(id, b.Root, s.decision), key, s.h.ring, s.h.opener.Public)
	if err != nil {
		return nil, err
	}
	vote := &Vote{Validator: s.id, BatchID: b.ID, Decision: s.decision, Signature: sig}
	if s.decision == Approve {
		if vote.Attribution, err = groupsig.Attribute(scope, sig, key); err != nil {
			return nil, err
		}
	}
	return vote, nil
}

func (h *harness) scripted(id string, d Decision) Validator {
	return &scripted{id: id, h: h, decision: d}
}

// forger approves with a signature over the wrong batch id.
func (h *harness) forger(id string) Validator {
	return &scripted{id: id, h: h, decision: Approve, forge: true}
}

// impersonator fills slot id with approvals signed by the key of as.
func (h *harness) impersonator(id, as string) Validator {
	return &scripted{id: id, as: as, h: h, decision: Approve}
}

func (h *harness) silent(id string) Validator {
	return &scripted{id: id, h: h, silent: true}
}
