package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const accountPrefix = "acct/"

// Level is a LevelDB-backed ledger. A Tx commits as a single LevelDB batch write.
type Level struct {
	db     *leveldb.DB
	mu     sync.Mutex // serializes read-modify-write of single fields outside a Tx
	writer sync.Mutex
	locks  *keyedLocks
}

// OpenLevel opens or creates the ledger database at path.
func OpenLevel(path string) (*Level, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, err
	}
	return &Level{db: db, locks: newKeyedLocks()}, nil
}

// OpenLevelStorage opens the ledger on an explicit storage, e.g. storage.NewMemStorage().
func OpenLevelStorage(stor storage.Storage) (*Level, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}
	return &Level{db: db, locks: newKeyedLocks()}, nil
}

// Close shuts down the database connection.
func (l *Level) Close() error {
	return l.db.Close()
}

func accountKey(id string) []byte {
	return []byte(accountPrefix + id)
}

// CreateAccount adds a new account.
func (l *Level) CreateAccount(a Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(accountKey(a.ID), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	return l.put(a)
}

func (l *Level) put(a Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return l.db.Put(accountKey(a.ID), data, &opt.WriteOptions{Sync: true})
}

func (l *Level) GetAccount(id string) (Account, error) {
	data, err := l.db.Get(accountKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return Account{}, err
	}
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return Account{}, fmt.Errorf("corrupt account %s: %w", id, err)
	}
	return a, nil
}

func (l *Level) NextSequenceNumber(id string) (uint64, error) {
	a, err := l.GetAccount(id)
	if err != nil {
		return 0, err
	}
	return a.Sequence, nil
}

func (l *Level) IsFrozen(id string) (bool, error) {
	a, err := l.GetAccount(id)
	if err != nil {
		return false, err
	}
	return a.Frozen, nil
}

func (l *Level) SetFrozen(id string, frozen bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.GetAccount(id)
	if err != nil {
		return err
	}
	a.Frozen = frozen
	return l.put(a)
}

func (l *Level) LockAccounts(ids ...string) func() {
	return l.locks.lock(ids...)
}

// Begin opens the single write transaction; it blocks while another one is open.
func (l *Level) Begin() (Tx, error) {
	l.writer.Lock()
	return &levelTx{l: l, staged: make(map[string]*Account)}, nil
}

type levelTx struct {
	l      *Level
	staged map[string]*Account
	order  []string
	closed bool
}

func (tx *levelTx) account(id string) (*Account, error) {
	if a, ok := tx.staged[id]; ok {
		return a, nil
	}
	a, err := tx.l.GetAccount(id)
	if err != nil {
		return nil, err
	}
	tx.staged[id] = &a
	tx.order = append(tx.order, id)
	return &a, nil
}

func (tx *levelTx) ApplyBalanceDelta(id string, delta int64) error {
	if tx.closed {
		return ErrTxClosed
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

func (tx *levelTx) AdvanceSequence(id string, next uint64) error {
	if tx.closed {
		return ErrTxClosed
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

func (tx *levelTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	defer tx.close()
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, id := range tx.order {
		a := tx.staged[id]
		cur, err := tx.l.GetAccount(id)
		if err != nil {
			return err
		}
		a.Frozen = cur.Frozen
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		batch.Put(accountKey(id), data)
	}
	return tx.l.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (tx *levelTx) Rollback() {
	if tx.closed {
		return
	}
	tx.close()
}

func (tx *levelTx) close() {
	tx.closed = true
	tx.staged = nil
	tx.l.writer.Unlock()
}
