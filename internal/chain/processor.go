package chain

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// AcceptBlock validates a block and applies it to the chain. Blocks that
// extend a side chain are stored and indexed; when the side chain becomes
// the heaviest, a reorganization follows automatically. A block whose
// parent is unknown is held in the orphan pool and ErrOrphanBlock is
// returned so the caller can request its ancestry.
//
// Mempool notifications queue up during the locked section and fire only
// after the writer lock is released: mempool admission reads chain state
// under its own lock, so calling into the pool from inside the chain
// writer would invert the chain → mempool lock order.
func (c *Chain) AcceptBlock(blk *block.Block) error {
	c.mu.Lock()
	err := c.acceptBlockLocked(blk)
	if err == nil {
		c.processOrphansLocked(blk.Hash())
	}
	notes := c.pendingNotes
	c.pendingNotes = nil
	c.mu.Unlock()

	for _, fire := range notes {
		fire()
	}
	return err
}

func (c *Chain) acceptBlockLocked(blk *block.Block) error {
	hash := blk.Hash()

	// Reject duplicates and blocks on known-invalid branches.
	if handle := c.arena.Lookup(hash); handle != nilHandle {
		if c.arena.Node(handle).Status&StatusInvalid != 0 {
			return ruleError(ErrKnownInvalid, "block %s", hash)
		}
		return ErrBlockKnown
	}

	// Context-free checks: shape, size, merkle commitment.
	if err := blk.CheckSanity(); err != nil {
		return RuleError{Err: err}
	}

	// Locate the parent. Unknown parent: hold as orphan for later.
	parent := c.arena.Lookup(blk.Header.PrevHash)
	if parent == nilHandle {
		c.addOrphanLocked(blk)
		return fmt.Errorf("%w: parent %s", ErrOrphanBlock, blk.Header.PrevHash)
	}
	parentNode := c.arena.Node(parent)
	if parentNode.Status&StatusInvalid != 0 {
		return ruleError(ErrKnownInvalid, "parent %s is invalid", parentNode.Hash)
	}
	height := parentNode.Height + 1

	// Header context: bounded clock skew and monotonic median time.
	maxTime := uint32(c.now().Add(config.MaxTimeOffset).Unix())
	if blk.Header.Time > maxTime {
		return ruleError(ErrTimestampTooFuture, "time %d > limit %d", blk.Header.Time, maxTime)
	}
	if mtp := c.arena.MedianTimePast(parent); blk.Header.Time <= mtp {
		return ruleError(ErrTimestampTooOld, "time %d <= median %d", blk.Header.Time, mtp)
	}

	// Producer proof: the lottery after activation, proof-of-work before.
	if height >= c.params.ActivationHeight {
		if c.verifier == nil {
			return fmt.Errorf("no participation verifier configured at height %d", height)
		}
		if err := c.verifier.VerifyParticipationProof(blk, height, parentNode.Hash, parentNode.Time); err != nil {
			return RuleError{Err: err}
		}
	} else {
		if err := checkProofOfWork(hash, blk.Header.Bits); err != nil {
			return err
		}
	}

	// Index and persist the body; side-chain blocks stop here.
	handle := c.arena.Add(&blk.Header, height, parent, c.workForHeight(height, blk.Header.Bits))
	if err := c.store.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	if err := c.store.PutIndexRecord(hash, &indexRecord{
		Header: blk.Header,
		Height: height,
		Status: c.arena.Node(handle).Status,
	}); err != nil {
		return fmt.Errorf("store index record: %w", err)
	}

	if !c.arena.Better(handle, c.best) {
		log.Chain.Debug().
			Str("hash", hash.String()).
			Uint64("height", height).
			Msg("stored side chain block")
		return nil
	}

	// The new block is the best candidate: fast path when it extends the
	// tip, reorganization otherwise.
	if parent == c.best {
		if err := c.connectBlock(handle, blk); err != nil {
			c.markInvalidLocked(handle)
			return err
		}
		log.Chain.Info().
			Str("hash", hash.String()).
			Uint64("height", height).
			Int("txs", len(blk.Transactions)).
			Msg("connected block")
		return nil
	}
	return c.reorganizeLocked(handle)
}

// connectBlock validates the block body against the parent-tip UTXO set
// and commits all state changes atomically. The caller must have
// established that the block's parent is the current tip.
func (c *Chain) connectBlock(handle int32, blk *block.Block) error {
	node := c.arena.Node(handle)
	height := node.Height

	view := utxo.NewView(c.utxos)
	undo := &UndoData{}

	var totalFees types.Amount
	for txIdx, t := range blk.Transactions {
		if txIdx == 0 {
			continue // Coinbase inputs mint; outputs added below.
		}
		var inputSum types.Amount
		for inIdx := range t.Inputs {
			in := &t.Inputs[inIdx]
			spent, err := view.Spend(in.PrevOut, height, config.CoinbaseMaturity)
			if err != nil {
				return spendRuleError(err, txIdx, in.PrevOut)
			}
			if err := script.VerifyScript(in.ScriptSig, spent.ScriptPubKey, t, inIdx); err != nil {
				return ruleError(ErrScriptFailure, "tx %d input %d: %v", txIdx, inIdx, err)
			}
			inputSum += spent.Value
			if !inputSum.Valid() {
				return ruleError(ErrBadCoinbaseValue, "tx %d input sum overflow", txIdx)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *spent)
		}
		outputSum, err := t.TotalOutputValue()
		if err != nil {
			return RuleError{Err: err}
		}
		if outputSum > inputSum {
			return ruleError(ErrBadCoinbaseValue, "tx %d spends %d but provides %d", txIdx, outputSum, inputSum)
		}
		totalFees += inputSum - outputSum
		if !totalFees.Valid() {
			return ruleError(ErrBadCoinbaseValue, "fee sum overflow")
		}
	}

	// Coinbase claim: subsidy plus collected fees.
	coinbaseOut, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return RuleError{Err: err}
	}
	allowed := c.params.Subsidy(height) + totalFees
	if coinbaseOut > allowed {
		return ruleError(ErrBadCoinbaseValue, "claims %d, allowed %d", coinbaseOut, allowed)
	}

	// Create every transaction's outputs in the view.
	for txIdx, t := range blk.Transactions {
		txHash := t.Hash()
		for i := range t.Outputs {
			out := &t.Outputs[i]
			if err := view.Put(&utxo.UTXO{
				OutPoint:     types.OutPoint{TxHash: txHash, Index: uint32(i)},
				Value:        out.Value,
				ScriptPubKey: out.ScriptPubKey,
				Height:       height,
				Coinbase:     txIdx == 0,
			}); err != nil {
				return fmt.Errorf("create output: %w", err)
			}
		}
	}

	for op := range view.Added() {
		undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)
	}

	// Commit block, indexes, undo data, best hash, and UTXO changes in a
	// single atomic batch.
	batch := c.db.NewBatch()
	for _, u := range view.Spent() {
		if err := c.utxos.DeleteFrom(batch, u); err != nil {
			return err
		}
	}
	for _, u := range view.Added() {
		if err := c.utxos.PutTo(batch, u); err != nil {
			return err
		}
	}
	node.Status |= StatusBodyValid
	if err := c.store.stageConnect(batch, blk, height, node.Status|StatusMainChain, undo); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	c.arena.SetMain(handle)
	c.best = handle

	c.fireConnectHandlers(blk, height, undo)
	return nil
}

// fireConnectHandlers notifies the registry and mempool about a newly
// connected block.
func (c *Chain) fireConnectHandlers(blk *block.Block, height uint64, undo *UndoData) {
	if c.stakeLocked != nil {
		for _, t := range blk.Transactions {
			txHash := t.Hash()
			for i := range t.Outputs {
				if pk, ok := script.IsStakeLock(t.Outputs[i].ScriptPubKey); ok {
					op := types.OutPoint{TxHash: txHash, Index: uint32(i)}
					c.stakeLocked(pk, op, t.Outputs[i].Value, height)
				}
			}
		}
	}
	if c.stakeSpent != nil {
		for i := range undo.SpentUTXOs {
			su := &undo.SpentUTXOs[i]
			if pk, ok := script.IsStakeLock(su.ScriptPubKey); ok {
				c.stakeSpent(pk, su.OutPoint)
			}
		}
	}
	if c.connectedTxs != nil {
		txs := blk.Transactions
		c.pendingNotes = append(c.pendingNotes, func() {
			c.connectedTxs(txs)
		})
	}
}

// markInvalidLocked flags a block and its indexed descendants as
// permanently invalid.
func (c *Chain) markInvalidLocked(handle int32) {
	c.arena.Node(handle).Status |= StatusInvalid
	// Descendants have higher handles; a single forward pass marks the
	// whole subtree.
	for h := handle + 1; h < int32(c.arena.Len()); h++ {
		node := c.arena.Node(h)
		if node.Parent != nilHandle && c.arena.Node(node.Parent).Status&StatusInvalid != 0 {
			node.Status |= StatusInvalid
		}
	}
}

// addOrphanLocked holds a parentless block, evicting the oldest entries
// beyond the pool bound.
func (c *Chain) addOrphanLocked(blk *block.Block) {
	prev := blk.Header.PrevHash
	for _, o := range c.orphans[prev] {
		if o.Hash() == blk.Hash() {
			return
		}
	}
	c.orphans[prev] = append(c.orphans[prev], blk)
	c.orphanOrder = append(c.orphanOrder, prev)
	for len(c.orphanOrder) > c.maxOrphans {
		oldest := c.orphanOrder[0]
		c.orphanOrder = c.orphanOrder[1:]
		if bucket := c.orphans[oldest]; len(bucket) > 1 {
			c.orphans[oldest] = bucket[1:]
		} else {
			delete(c.orphans, oldest)
		}
	}
}

// processOrphansLocked connects any orphans that were waiting on the
// given block, cascading through their own descendants.
func (c *Chain) processOrphansLocked(hash types.Hash) {
	queue := []types.Hash{hash}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children := c.orphans[parent]
		if len(children) == 0 {
			continue
		}
		delete(c.orphans, parent)
		for _, child := range children {
			childHash := child.Hash()
			if err := c.acceptBlockLocked(child); err != nil {
				log.Chain.Debug().
					Str("hash", childHash.String()).
					Err(err).
					Msg("orphan failed to connect")
				continue
			}
			queue = append(queue, childHash)
		}
	}
}

// spendRuleError converts a UTXO spend failure into the right taxonomy:
// missing inputs and immature coinbases are consensus failures.
func spendRuleError(err error, txIdx int, op types.OutPoint) error {
	switch {
	case errors.Is(err, utxo.ErrImmature):
		return ruleError(ErrImmatureCoinbase, "tx %d spends %s: %v", txIdx, op, err)
	case errors.Is(err, utxo.ErrMissing):
		return ruleError(ErrMissingInput, "tx %d spends %s", txIdx, op)
	default:
		return fmt.Errorf("tx %d spend %s: %w", txIdx, op, err)
	}
}
