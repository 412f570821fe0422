package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlockIndex = []byte("block_index/") // block_index/<hash> -> index record
	prefixBlock      = []byte("block/")       // block/<hash> -> block bytes
	prefixHeight     = []byte("height/")      // height/<height(8)> -> hash (main chain)
	prefixTxIndex    = []byte("tx_index/")    // tx_index/<txhash> -> height(8) + blockhash
	prefixUndo       = []byte("undo/")        // undo/<hash> -> undo record

	keyBestHash        = []byte("best_hash")
	keyReorgCheckpoint = []byte("reorg_checkpoint")
)

// indexRecord is the persisted form of a BlockIndex entry.
type indexRecord struct {
	Header block.Header
	Height uint64
	Status Status
}

func (r *indexRecord) Encode(w *codec.Writer) {
	r.Header.Encode(w)
	w.WriteUint64(r.Height)
	w.WriteUint8(uint8(r.Status))
}

func (r *indexRecord) Decode(rd *codec.Reader) error {
	if err := r.Header.Decode(rd); err != nil {
		return err
	}
	var err error
	if r.Height, err = rd.ReadUint64(); err != nil {
		return fmt.Errorf("index height: %w", err)
	}
	status, err := rd.ReadUint8()
	if err != nil {
		return fmt.Errorf("index status: %w", err)
	}
	r.Status = Status(status)
	return nil
}

// BlockStore persists blocks, index records, and chain metadata.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

func blockKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func indexKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlockIndex...), hash[:]...)
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txIndexKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixTxIndex...), hash[:]...)
}

func undoKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixUndo...), hash[:]...)
}

// PutBlock stores a block body keyed by hash. It does not touch the
// height or transaction indexes; those belong to the main chain and are
// written when the block connects.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	if err := bs.db.Put(blockKey(blk.Hash()), blk.Serialize()); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := codec.Deserialize(data, &blk); err != nil {
		return nil, fmt.Errorf("block decode: %w", err)
	}
	return &blk, nil
}

// HasBlock checks if a block body exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// PutIndexRecord persists one block index entry.
func (bs *BlockStore) PutIndexRecord(hash types.Hash, rec *indexRecord) error {
	if err := bs.db.Put(indexKey(hash), codec.Serialize(rec)); err != nil {
		return fmt.Errorf("index record put: %w", err)
	}
	return nil
}

// ForEachIndexRecord iterates over every persisted index record.
func (bs *BlockStore) ForEachIndexRecord(fn func(hash types.Hash, rec *indexRecord) error) error {
	return bs.db.ForEach(prefixBlockIndex, func(key, value []byte) error {
		if len(key) != len(prefixBlockIndex)+types.HashSize {
			return nil // Malformed key, skip.
		}
		var hash types.Hash
		copy(hash[:], key[len(prefixBlockIndex):])
		var rec indexRecord
		if err := codec.Deserialize(value, &rec); err != nil {
			return fmt.Errorf("index record decode %s: %w", hash, err)
		}
		return fn(hash, &rec)
	})
}

// GetBlockHashByHeight returns the main-chain block hash at a height.
func (bs *BlockStore) GetBlockHashByHeight(height uint64) (types.Hash, error) {
	data, err := bs.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes", len(data))
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, nil
}

// GetTxLocation returns the height and block hash containing the given
// transaction on the main chain.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txIndexKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes", len(data))
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// GetBestHash returns the persisted best tip hash, or a zero hash on a
// fresh database.
func (bs *BlockStore) GetBestHash() (types.Hash, error) {
	data, err := bs.db.Get(keyBestHash)
	if err == storage.ErrNotFound {
		return types.Hash{}, nil
	}
	if err != nil {
		return types.Hash{}, fmt.Errorf("best hash get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt best hash: got %d bytes", len(data))
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, nil
}

// GetUndo retrieves undo data for a block.
func (bs *BlockStore) GetUndo(hash types.Hash) (*UndoData, error) {
	data, err := bs.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("undo get: %w", err)
	}
	var undo UndoData
	if err := codec.Deserialize(data, &undo); err != nil {
		return nil, fmt.Errorf("undo decode: %w", err)
	}
	return &undo, nil
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes mid-reorg, the marker triggers UTXO recovery on
// restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.db.Put(keyReorgCheckpoint, buf[:])
}

// GetReorgCheckpoint returns the fork height and true if a checkpoint
// exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := bs.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}

// stageConnect stages the main-chain bookkeeping of a connected block on
// a batch: index record, height index, tx index entries, undo data, and
// the best hash.
func (bs *BlockStore) stageConnect(b storage.Batch, blk *block.Block, height uint64, status Status, undo *UndoData) error {
	hash := blk.Hash()

	rec := &indexRecord{Header: blk.Header, Height: height, Status: status}
	if err := b.Put(indexKey(hash), codec.Serialize(rec)); err != nil {
		return fmt.Errorf("stage index record: %w", err)
	}
	if err := b.Put(heightKey(height), hash[:]); err != nil {
		return fmt.Errorf("stage height index: %w", err)
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], height)
		copy(val[8:], hash[:])
		if err := b.Put(txIndexKey(txHash), val); err != nil {
			return fmt.Errorf("stage tx index %s: %w", txHash, err)
		}
	}
	if err := b.Put(undoKey(hash), codec.Serialize(undo)); err != nil {
		return fmt.Errorf("stage undo: %w", err)
	}
	if err := b.Put(keyBestHash, hash[:]); err != nil {
		return fmt.Errorf("stage best hash: %w", err)
	}
	return nil
}

// stageDisconnect stages removal of a block's main-chain bookkeeping:
// height index, tx index entries, undo data, and the best hash moving to
// the parent.
func (bs *BlockStore) stageDisconnect(b storage.Batch, blk *block.Block, height uint64, parentHash types.Hash) error {
	hash := blk.Hash()
	if err := b.Delete(heightKey(height)); err != nil {
		return fmt.Errorf("stage height delete: %w", err)
	}
	for _, t := range blk.Transactions {
		if err := b.Delete(txIndexKey(t.Hash())); err != nil {
			return fmt.Errorf("stage tx index delete: %w", err)
		}
	}
	if err := b.Delete(undoKey(hash)); err != nil {
		return fmt.Errorf("stage undo delete: %w", err)
	}
	if err := b.Put(keyBestHash, parentHash[:]); err != nil {
		return fmt.Errorf("stage best hash: %w", err)
	}
	return nil
}
