package disclosure

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"batchledger/internal/groupsig"
)

const kdfInfo = "batchledger/disclosure/v1/"

// Fields are the hidden contents of one transfer.
type Fields struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   uint64 `json:"amount"`
}

// Record is a sealed copy of one transfer's Fields. Each record uses its own ephemeral key,
// so the key Combine derives for one record says nothing about any other.
type Record struct {
	TxID       string         `json:"txId"`
	Ephemeral  groupsig.Point `json:"ephemeral"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ciphertext"`
}

// RecordStore persists sealed records.
type RecordStore interface {
	SaveRecord(rec Record) error
	LoadRecords() ([]Record, error)
}

// Vault seals transfer fields under the escrow public key.
type Vault struct {
	escrow bls12377.G1Affine

	mu      sync.RWMutex
	records map[string]Record
	store   RecordStore
}

// NewVault returns an empty vault sealing under escrow.
func NewVault(escrow bls12377.G1Affine) *Vault {
	return &Vault{escrow: escrow, records: make(map[string]Record)}
}

// Persist loads the records already in rs and writes every record sealed from now on to rs
// before keeping it.
func (v *Vault) Persist(rs RecordStore) error {
	recs, err := rs.LoadRecords()
	if err != nil {
		return fmt.Errorf("load disclosure records: %w", err)
	}
	for _, rec := range recs {
		v.Put(rec)
	}
	v.mu.Lock()
	v.store = rs
	v.mu.Unlock()
	return nil
}

// Seal encrypts f for txID and keeps the record.
func (v *Vault) Seal(txID string, f Fields) error {
	var k fr.Element
	if _, err := k.SetRandom(); err != nil {
		return err
	}
	shared := mul(v.escrow, k)
	aead, err := recordCipher(shared, txID)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	plain, err := json.Marshal(f)
	if err != nil {
		return err
	}
	rec := Record{
		TxID:       txID,
		Ephemeral:  groupsig.Point{G1Affine: mulBase(k)},
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, []byte(txID)),
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.store != nil {
		if err := v.store.SaveRecord(rec); err != nil {
			return fmt.Errorf("persist disclosure record: %w", err)
		}
	}
	v.records[txID] = rec
	return nil
}

// Put stores an externally persisted record.
func (v *Vault) Put(rec Record) {
	v.mu.Lock()
	v.records[rec.TxID] = rec
	v.mu.Unlock()
}

// Record returns the sealed record for txID.
func (v *Vault) Record(txID string) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[txID]
	return rec, ok
}

// Len returns the number of sealed records.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}

// OpenWith decrypts the record with the key Combine derived for it.
func (r Record) OpenWith(k RecordKey) (Fields, error) {
	if k.TxID != r.TxID {
		return Fields{}, fmt.Errorf("%w: key is for %s, record is %s", ErrDecrypt, k.TxID, r.TxID)
	}
	return r.open(k.shared)
}

func (r Record) open(shared bls12377.G1Affine) (Fields, error) {
	aead, err := recordCipher(shared, r.TxID)
	if err != nil {
		return Fields{}, err
	}
	plain, err := aead.Open(nil, r.Nonce, r.Ciphertext, []byte(r.TxID))
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var f Fields
	if err := json.Unmarshal(plain, &f); err != nil {
		return Fields{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return f, nil
}

func recordCipher(shared bls12377.G1Affine, txID string) (cipher.AEAD, error) {
	secret := shared.Bytes()
	kdf := hkdf.New(sha3.New256, secret[:], nil, []byte(kdfInfo+txID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
