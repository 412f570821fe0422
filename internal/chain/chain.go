package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// ProofVerifier checks the participation proof of a post-activation block.
// Implemented by the lottery; any returned error is treated as a
// consensus rule violation.
type ProofVerifier interface {
	VerifyParticipationProof(blk *block.Block, height uint64, parentHash types.Hash, parentTime uint32) error
}

// StakeLockedHandler is called when a stake-locking output enters the
// main chain.
type StakeLockedHandler func(pubKey []byte, op types.OutPoint, amount types.Amount, height uint64)

// StakeSpentHandler is called when a stake-locking output leaves the main
// chain (spent, or its block disconnected).
type StakeSpentHandler func(pubKey []byte, op types.OutPoint)

// ConnectedTxHandler is called with the transactions of each connected
// block, for mempool removal.
type ConnectedTxHandler func(txs []*tx.Transaction)

// RevertedTxHandler is called after a reorg with the non-coinbase
// transactions of disconnected blocks that the new branch does not
// confirm, for mempool re-admission.
type RevertedTxHandler func(txs []*tx.Transaction)

// Snapshot is a consistent read of the chain tip.
type Snapshot struct {
	Hash           types.Hash
	Height         uint64
	Time           uint32
	MedianTimePast uint32
}

// Chain owns the block index, the UTXO set, and the validation rules.
// All state mutation happens under a single writer lock; readers see a
// consistent snapshot through the read side.
type Chain struct {
	mu     sync.RWMutex
	params *config.ChainParams
	db     storage.DB
	store  *BlockStore
	utxos  *utxo.Store

	arena *Arena
	best  int32

	// orphans holds blocks whose parent is unknown, keyed by the missing
	// parent hash.
	orphans      map[types.Hash][]*block.Block
	orphanOrder  []types.Hash
	maxOrphans   int

	verifier ProofVerifier
	now      func() time.Time

	stakeLocked  StakeLockedHandler
	stakeSpent   StakeSpentHandler
	connectedTxs ConnectedTxHandler
	revertedTxs  RevertedTxHandler

	// pendingNotes holds mempool notifications queued under the writer
	// lock and dispatched after it is released.
	pendingNotes []func()
}

// New opens a chain over the given store, replaying the persisted block
// index. A fresh database is initialized with the network genesis block.
func New(params *config.ChainParams, db storage.DB, utxoStore *utxo.Store, verifier ProofVerifier) (*Chain, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	c := &Chain{
		params:     params,
		db:         db,
		store:      NewBlockStore(db),
		utxos:      utxoStore,
		arena:      NewArena(),
		best:       nilHandle,
		orphans:    make(map[types.Hash][]*block.Block),
		maxOrphans: 64,
		verifier:   verifier,
		now:        time.Now,
	}

	if err := c.loadIndex(); err != nil {
		return nil, fmt.Errorf("load block index: %w", err)
	}

	if c.arena.Len() == 0 {
		if err := c.initGenesis(); err != nil {
			return nil, fmt.Errorf("init genesis: %w", err)
		}
		return c, nil
	}

	// An interrupted reorganization leaves the UTXO set inconsistent;
	// rebuild it from the main chain.
	if _, found := c.store.GetReorgCheckpoint(); found {
		if err := c.rebuildUTXOSet(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return c, nil
}

// SetVerifier installs the participation proof verifier. Must be called
// before post-activation blocks are processed.
func (c *Chain) SetVerifier(v ProofVerifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = v
}

// SetStakeHandlers installs the registry callbacks fired under the chain
// writer lock as stake locks enter and leave the main chain.
func (c *Chain) SetStakeHandlers(locked StakeLockedHandler, spent StakeSpentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stakeLocked = locked
	c.stakeSpent = spent
}

// SetTxHandlers installs the mempool callbacks for connected and reverted
// transactions.
func (c *Chain) SetTxHandlers(connected ConnectedTxHandler, reverted RevertedTxHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedTxs = connected
	c.revertedTxs = reverted
}

// SetTimeSource overrides the wall clock; tests use this to validate
// timestamp rules deterministically.
func (c *Chain) SetTimeSource(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Params returns the chain's consensus parameters.
func (c *Chain) Params() *config.ChainParams {
	return c.params
}

// BestSnapshot returns a consistent view of the current tip.
func (c *Chain) BestSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Chain) snapshotLocked() Snapshot {
	node := c.arena.Node(c.best)
	return Snapshot{
		Hash:           node.Hash,
		Height:         node.Height,
		Time:           node.Time,
		MedianTimePast: c.arena.MedianTimePast(c.best),
	}
}

// Height returns the current main chain height.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.arena.Node(c.best).Height
}

// BestHash returns the hash of the current best tip.
func (c *Chain) BestHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.arena.Node(c.best).Hash
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.store.GetBlock(hash)
}

// GetBlockByHeight retrieves the main-chain block at the given height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	c.mu.RLock()
	handle := c.arena.AtHeight(height)
	var hash types.Hash
	if handle != nilHandle {
		hash = c.arena.Node(handle).Hash
	}
	c.mu.RUnlock()
	if handle == nilHandle {
		return nil, fmt.Errorf("no main chain block at height %d", height)
	}
	return c.store.GetBlock(hash)
}

// GetBlockHashByHeight returns the main-chain block hash at a height.
func (c *Chain) GetBlockHashByHeight(height uint64) (types.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	handle := c.arena.AtHeight(height)
	if handle == nilHandle {
		return types.Hash{}, fmt.Errorf("no main chain block at height %d", height)
	}
	return c.arena.Node(handle).Hash, nil
}

// BlockHeight returns the main-chain height of a block hash, or false if
// the hash is unknown or off the main chain.
func (c *Chain) BlockHeight(hash types.Hash) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	handle := c.arena.Lookup(hash)
	if handle == nilHandle {
		return 0, false
	}
	node := c.arena.Node(handle)
	if node.Status&StatusMainChain == 0 {
		return 0, false
	}
	return node.Height, true
}

// HaveBlock reports whether the block body is known (main chain or side
// chain).
func (c *Chain) HaveBlock(hash types.Hash) bool {
	has, err := c.store.HasBlock(hash)
	return err == nil && has
}

// GetTransaction looks up a confirmed transaction through the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, uint64, error) {
	height, blockHash, err := c.store.GetTxLocation(hash)
	if err != nil {
		return nil, 0, err
	}
	blk, err := c.store.GetBlock(blockHash)
	if err != nil {
		return nil, 0, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, height, nil
		}
	}
	return nil, 0, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// FetchUTXO returns the unspent output for an outpoint at the current
// tip, or nil if spent or unknown.
func (c *Chain) FetchUTXO(op types.OutPoint) *utxo.UTXO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, err := c.utxos.Get(op)
	if err != nil {
		return nil
	}
	return u
}

// LocatorHashes returns a sparse locator for the main chain ending at the
// tip: the last 10 hashes then exponentially spaced ancestors back to
// genesis.
func (c *Chain) LocatorHashes() []types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var locator []types.Hash
	step := uint64(1)
	height := c.arena.Node(c.best).Height
	for {
		handle := c.arena.AtHeight(height)
		if handle != nilHandle {
			locator = append(locator, c.arena.Node(handle).Hash)
		}
		if height == 0 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if height < step {
			height = 0
		} else {
			height -= step
		}
	}
	return locator
}

// FindFork returns the height of the first locator hash found on the main
// chain, or zero if none match.
func (c *Chain) FindFork(locator []types.Hash) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, hash := range locator {
		handle := c.arena.Lookup(hash)
		if handle == nilHandle {
			continue
		}
		node := c.arena.Node(handle)
		if node.Status&StatusMainChain != 0 {
			return node.Height
		}
	}
	return 0
}

// loadIndex replays persisted index records into the arena, attaching
// children after parents.
func (c *Chain) loadIndex() error {
	type pending struct {
		hash types.Hash
		rec  *indexRecord
	}
	var records []pending
	err := c.store.ForEachIndexRecord(func(hash types.Hash, rec *indexRecord) error {
		records = append(records, pending{hash: hash, rec: rec})
		return nil
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// Attach in height order so parents are always present.
	byHeight := make(map[uint64][]pending)
	var maxHeight uint64
	for _, p := range records {
		byHeight[p.rec.Height] = append(byHeight[p.rec.Height], p)
		if p.rec.Height > maxHeight {
			maxHeight = p.rec.Height
		}
	}
	for h := uint64(0); h <= maxHeight; h++ {
		for _, p := range byHeight[h] {
			parent := nilHandle
			if h > 0 {
				parent = c.arena.Lookup(p.rec.Header.PrevHash)
				if parent == nilHandle {
					// Parent record missing; drop the dangling entry.
					continue
				}
			}
			handle := c.arena.Add(&p.rec.Header, h, parent, c.workForHeight(h, p.rec.Header.Bits))
			node := c.arena.Node(handle)
			node.Status = p.rec.Status &^ StatusMainChain
		}
	}

	bestHash, err := c.store.GetBestHash()
	if err != nil {
		return err
	}
	best := c.arena.Lookup(bestHash)
	if best == nilHandle {
		return fmt.Errorf("best hash %s missing from block index", bestHash)
	}
	c.best = best
	c.arena.SetMain(best)
	return nil
}

// workForHeight returns the weight contribution of one block.
func (c *Chain) workForHeight(height uint64, bits uint32) *big.Int {
	if height >= c.params.ActivationHeight {
		return participationWork
	}
	return blockWork(bits)
}
