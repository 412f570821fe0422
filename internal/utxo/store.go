package utxo

import (
	"encoding/binary"
	"fmt"

	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Key prefixes for the UTXO store.
var (
	prefixUTXO  = []byte("utxo/")  // utxo/<txhash(32)><index(4)> -> UTXO record
	prefixStake = []byte("stake/") // stake/<pubkey(33)><txhash(32)><index(4)> -> empty
)

// Store implements Set backed by a storage.DB, with a secondary index of
// stake-locking outputs by staked public key.
type Store struct {
	db storage.DB
}

// NewStore creates a UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds the storage key for an outpoint.
func utxoKey(op types.OutPoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxHash[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

// stakeKey builds a stake index key.
func stakeKey(pubKey []byte, op types.OutPoint) []byte {
	key := make([]byte, len(prefixStake)+33+types.HashSize+4)
	copy(key, prefixStake)
	copy(key[len(prefixStake):], pubKey)
	off := len(prefixStake) + 33
	copy(key[off:], op.TxHash[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// Get retrieves a UTXO by its outpoint.
func (s *Store) Get(op types.OutPoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(op))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrMissing, op)
		}
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	u := &UTXO{OutPoint: op}
	if err := codec.Deserialize(data, u); err != nil {
		return nil, fmt.Errorf("utxo decode: %w", err)
	}
	return u, nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *Store) Has(op types.OutPoint) (bool, error) {
	return s.db.Has(utxoKey(op))
}

// Put stores a UTXO and updates the stake index.
func (s *Store) Put(u *UTXO) error {
	if err := s.db.Put(utxoKey(u.OutPoint), codec.Serialize(u)); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}
	if pk, ok := script.IsStakeLock(u.ScriptPubKey); ok {
		if err := s.db.Put(stakeKey(pk, u.OutPoint), []byte{}); err != nil {
			return fmt.Errorf("stake index put: %w", err)
		}
	}
	return nil
}

// Delete removes a UTXO and its stake index entry.
func (s *Store) Delete(op types.OutPoint) error {
	// Read first to clean up the secondary index.
	if u, err := s.Get(op); err == nil {
		if pk, ok := script.IsStakeLock(u.ScriptPubKey); ok {
			_ = s.db.Delete(stakeKey(pk, op))
		}
	}
	if err := s.db.Delete(utxoKey(op)); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// PutTo stages a UTXO write (and stake index entry) on a batch.
func (s *Store) PutTo(b storage.Batch, u *UTXO) error {
	if err := b.Put(utxoKey(u.OutPoint), codec.Serialize(u)); err != nil {
		return fmt.Errorf("utxo batch put: %w", err)
	}
	if pk, ok := script.IsStakeLock(u.ScriptPubKey); ok {
		if err := b.Put(stakeKey(pk, u.OutPoint), []byte{}); err != nil {
			return fmt.Errorf("stake index batch put: %w", err)
		}
	}
	return nil
}

// DeleteFrom stages a UTXO removal on a batch. The full record is needed
// so the stake index entry can be removed without a read.
func (s *Store) DeleteFrom(b storage.Batch, u *UTXO) error {
	if err := b.Delete(utxoKey(u.OutPoint)); err != nil {
		return fmt.Errorf("utxo batch delete: %w", err)
	}
	if pk, ok := script.IsStakeLock(u.ScriptPubKey); ok {
		if err := b.Delete(stakeKey(pk, u.OutPoint)); err != nil {
			return fmt.Errorf("stake index batch delete: %w", err)
		}
	}
	return nil
}

// ForEach iterates over all UTXOs in the store.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		off := len(prefixUTXO)
		if len(key) != off+types.HashSize+4 {
			return nil // Malformed key, skip.
		}
		var op types.OutPoint
		copy(op.TxHash[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		u := &UTXO{OutPoint: op}
		if err := codec.Deserialize(value, u); err != nil {
			return fmt.Errorf("utxo decode: %w", err)
		}
		return fn(u)
	})
}

// ForEachStake iterates over all stake-locking UTXOs, yielding the staked
// public key with each output. Used to rebuild the participant registry.
func (s *Store) ForEachStake(fn func(pubKey []byte, u *UTXO) error) error {
	return s.db.ForEach(prefixStake, func(key, _ []byte) error {
		off := len(prefixStake)
		if len(key) != off+33+types.HashSize+4 {
			return nil
		}
		pubKey := make([]byte, 33)
		copy(pubKey, key[off:off+33])
		var op types.OutPoint
		copy(op.TxHash[:], key[off+33:off+33+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+33+types.HashSize:])

		u, err := s.Get(op)
		if err != nil {
			return nil // Stale index entry, skip.
		}
		return fn(pubKey, u)
	})
}

// ClearAll removes all UTXOs and stake index entries. Used when rebuilding
// the set after a crash during reorganization.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixStake} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}
