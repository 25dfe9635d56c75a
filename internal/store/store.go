// Package store persists engine state in LevelDB: batches, pending transfers, sealed
// disclosure records and the append-only nullifier log.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"batchledger/internal/commitment"
	"batchledger/internal/consensus"
	"batchledger/internal/disclosure"
)

const (
	batchPrefix     = "batch/"
	pendingPrefix   = "pending/"
	nullifierPrefix = "nf/"
	recordPrefix    = "vault/"
	nullifierCount  = "meta/nf-count"
)

// LevelStore is a consensus.Store backed by LevelDB. Keys carry big-endian counters so
// iteration returns batches, pending transfers and nullifiers in order.
type LevelStore struct {
	db *leveldb.DB
	mu sync.Mutex // serializes nullifier appends
}

var (
	_ consensus.Store        = (*LevelStore)(nil)
	_ disclosure.RecordStore = (*LevelStore)(nil)
)

// Open opens or creates the store at path.
func Open(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// OpenStorage opens the store on an explicit storage, e.g. storage.NewMemStorage().
func OpenStorage(stor storage.Storage) (*LevelStore, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// Close shuts down the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database still answers reads.
func (s *LevelStore) Ping() error {
	_, err := s.db.Has([]byte(nullifierCount), nil)
	return err
}

func key(prefix string, n uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefix), n)
}

func (s *LevelStore) put(k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", k, err)
	}
	return s.db.Put(k, data, nil)
}

func (s *LevelStore) SaveBatch(b *consensus.Batch) error {
	return s.put(key(batchPrefix, b.ID), b)
}

// LoadBatch returns batch id, or nil when it was never saved.
func (s *LevelStore) LoadBatch(id uint64) (*consensus.Batch, error) {
	data, err := s.db.Get(key(batchPrefix, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %d: %w", id, err)
	}
	var b consensus.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch %d: %w", id, err)
	}
	return &b, nil
}

func (s *LevelStore) LoadLatestBatch() (*consensus.Batch, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(batchPrefix)), nil)
	defer iter.Release()
	if !iter.Last() {
		return nil, iter.Error()
	}
	var b consensus.Batch
	if err := json.Unmarshal(iter.Value(), &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return &b, nil
}

func (s *LevelStore) SavePendingTransfer(t *consensus.Transfer) error {
	return s.put(key(pendingPrefix, t.Ordinal), t)
}

func (s *LevelStore) DeletePendingTransfer(t *consensus.Transfer) error {
	return s.db.Delete(key(pendingPrefix, t.Ordinal), nil)
}

func (s *LevelStore) LoadPendingTransfers() ([]*consensus.Transfer, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(pendingPrefix)), nil)
	defer iter.Release()
	var out []*consensus.Transfer
	for iter.Next() {
		var t consensus.Transfer
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to decode pending transfer: %w", err)
		}
		out = append(out, &t)
	}
	return out, iter.Error()
}

// SaveNullifier appends n to the nullifier log. The entry and the new count are written in
// one batch.
func (s *LevelStore) SaveNullifier(n commitment.Nullifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.nullifierCount()
	if err != nil {
		return err
	}
	var wb leveldb.Batch
	wb.Put(key(nullifierPrefix, count), n[:])
	wb.Put([]byte(nullifierCount), binary.BigEndian.AppendUint64(nil, count+1))
	return s.db.Write(&wb, nil)
}

func (s *LevelStore) nullifierCount() (uint64, error) {
	data, err := s.db.Get([]byte(nullifierCount), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt nullifier count: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// LoadNullifiers returns the nullifier log in insertion order, ready for
// commitment.RestoreAccumulator.
func (s *LevelStore) LoadNullifiers() ([]commitment.Nullifier, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(nullifierPrefix)), nil)
	defer iter.Release()
	var out []commitment.Nullifier
	for iter.Next() {
		var n commitment.Nullifier
		if len(iter.Value()) != len(n) {
			return nil, fmt.Errorf("corrupt nullifier entry %x", iter.Key())
		}
		copy(n[:], iter.Value())
		out = append(out, n)
	}
	return out, iter.Error()
}

// SaveRecord stores a sealed disclosure record under its transfer id.
func (s *LevelStore) SaveRecord(rec disclosure.Record) error {
	return s.put([]byte(recordPrefix+rec.TxID), rec)
}

func (s *LevelStore) LoadRecords() ([]disclosure.Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()
	var out []disclosure.Record
	for iter.Next() {
		var rec disclosure.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode disclosure record %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}
