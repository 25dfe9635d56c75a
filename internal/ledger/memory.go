package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInjected is the failure produced by Memory fault injection.
var ErrInjected = errors.New("injected ledger write failure")

// Memory is an in-process ledger. Fault injection hooks let tests fail a write part way
// through a transaction or fail the commit itself.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	locks    *keyedLocks
	writer   sync.Mutex

	failWriteAt  int // fail the n-th staged write of the next tx (1-based); 0 disables
	failCommitOn bool
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		locks:    newKeyedLocks(),
	}
}

// CreateAccount adds a new account.
func (m *Memory) CreateAccount(a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	cp := a
	m.accounts[a.ID] = &cp
	return nil
}

// Accounts returns a snapshot of all accounts ordered by id.
func (m *Memory) Accounts() []Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailWriteAt makes the n-th staged write of the next transaction fail.
func (m *Memory) FailWriteAt(n int) {
	m.mu.Lock()
	m.failWriteAt = n
	m.mu.Unlock()
}

// FailNextCommit makes the next Commit fail after all writes were staged.
func (m *Memory) FailNextCommit() {
	m.mu.Lock()
	m.failCommitOn = true
	m.mu.Unlock()
}

func (m *Memory) GetAccount(id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return *a, nil
}

func (m *Memory) NextSequenceNumber(id string) (uint64, error) {
	a, err := m.GetAccount(id)
	if err != nil {
		return 0, err
	}
	return a.Sequence, nil
}

func (m *Memory) IsFrozen(id string) (bool, error) {
	a, err := m.GetAccount(id)
	if err != nil {
		return false, err
	}
	return a.Frozen, nil
}

func (m *Memory) SetFrozen(id string, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	a.Frozen = frozen
	return nil
}

func (m *Memory) LockAccounts(ids ...string) func() {
	return m.locks.lock(ids...)
}

// Begin opens the single write transaction; it blocks while another one is open.
func (m *Memory) Begin() (Tx, error) {
	m.writer.Lock()
	m.mu.Lock()
	failAt := m.failWriteAt
	m.failWriteAt = 0
	m.mu.Unlock()
	return &memTx{m: m, staged: make(map[string]*Account), failAt: failAt}, nil
}

type memTx struct {
	m      *Memory
	staged map[string]*Account
	writes int
	failAt int
	closed bool
}

func (tx *memTx) account(id string) (*Account, error) {
	if a, ok := tx.staged[id]; ok {
		return a, nil
	}
	a, err := tx.m.GetAccount(id)
	if err != nil {
		return nil, err
	}
	tx.staged[id] = &a
	return &a, nil
}

func (tx *memTx) write() error {
	tx.writes++
	if tx.failAt > 0 && tx.writes == tx.failAt {
		return fmt.Errorf("%w at write %d", ErrInjected, tx.writes)
	}
	return nil
}

func (tx *memTx) ApplyBalanceDelta(id string, delta int64) error {
	if tx.closed {
		return ErrTxClosed
	}
	if err := tx.write(); err != nil {
		return err
	}
	a, err := tx.account(id)
	if err != nil {
		return err
	}
	bal, err := applyDelta(id, a.Balance, delta)
	if err != nil {
		return err
	}
	a.Balance = bal
	return nil
}

func (tx *memTx) AdvanceSequence(id string, next uint64) error {
	if tx.closed {
		return ErrTxClosed
	}
	if err := tx.write(); err != nil {
		return err
	}
	a, err := tx.account(id)
	if err != nil {
		return err
	}
	seq, err := advance(id, a.Sequence, next)
	if err != nil {
		return err
	}
	a.Sequence = seq
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	defer tx.close()
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	if tx.m.failCommitOn {
		tx.m.failCommitOn = false
		return fmt.Errorf("%w at commit", ErrInjected)
	}
	for id, a := range tx.staged {
		cur, ok := tx.m.accounts[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		// Frozen is owned by governance and may have changed since staging.
		a.Frozen = cur.Frozen
	}
	for id, a := range tx.staged {
		*tx.m.accounts[id] = *a
	}
	return nil
}

func (tx *memTx) Rollback() {
	if tx.closed {
		return
	}
	tx.close()
}

func (tx *memTx) close() {
	tx.closed = true
	tx.staged = nil
	tx.m.writer.Unlock()
}
