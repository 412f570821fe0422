package chain

import (
	"fmt"

	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// UndoData journals one block's UTXO changes for deterministic rollback.
type UndoData struct {
	SpentUTXOs       []utxo.UTXO
	CreatedOutpoints []types.OutPoint
}

// Encode writes the binary undo record.
func (u *UndoData) Encode(w *codec.Writer) {
	w.WriteCompactSize(uint64(len(u.SpentUTXOs)))
	for i := range u.SpentUTXOs {
		su := &u.SpentUTXOs[i]
		w.WriteBytes(su.OutPoint.TxHash[:])
		w.WriteUint32(su.OutPoint.Index)
		su.Encode(w)
	}
	w.WriteCompactSize(uint64(len(u.CreatedOutpoints)))
	for i := range u.CreatedOutpoints {
		w.WriteBytes(u.CreatedOutpoints[i].TxHash[:])
		w.WriteUint32(u.CreatedOutpoints[i].Index)
	}
}

// Decode reads the binary undo record.
func (u *UndoData) Decode(r *codec.Reader) error {
	spentCount, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("undo spent count: %w", err)
	}
	u.SpentUTXOs = make([]utxo.UTXO, 0, spentCount)
	for i := uint64(0); i < spentCount; i++ {
		var su utxo.UTXO
		if err := r.ReadInto(su.OutPoint.TxHash[:]); err != nil {
			return fmt.Errorf("undo spent %d outpoint: %w", i, err)
		}
		if su.OutPoint.Index, err = r.ReadUint32(); err != nil {
			return fmt.Errorf("undo spent %d index: %w", i, err)
		}
		if err := su.Decode(r); err != nil {
			return fmt.Errorf("undo spent %d: %w", i, err)
		}
		u.SpentUTXOs = append(u.SpentUTXOs, su)
	}

	createdCount, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("undo created count: %w", err)
	}
	u.CreatedOutpoints = make([]types.OutPoint, 0, createdCount)
	for i := uint64(0); i < createdCount; i++ {
		var op types.OutPoint
		if err := r.ReadInto(op.TxHash[:]); err != nil {
			return fmt.Errorf("undo created %d outpoint: %w", i, err)
		}
		if op.Index, err = r.ReadUint32(); err != nil {
			return fmt.Errorf("undo created %d index: %w", i, err)
		}
		u.CreatedOutpoints = append(u.CreatedOutpoints, op)
	}
	return nil
}

// disconnectBlock reverts the tip block using its stored undo data and
// moves the best pointer to the parent. All store changes commit in one
// batch.
func (c *Chain) disconnectBlock(handle int32) (*block.Block, error) {
	node := c.arena.Node(handle)
	blk, err := c.store.GetBlock(node.Hash)
	if err != nil {
		return nil, fmt.Errorf("load block for disconnect: %w", err)
	}
	undo, err := c.store.GetUndo(node.Hash)
	if err != nil {
		return nil, fmt.Errorf("load undo for disconnect: %w", err)
	}

	// Created outputs carry their scripts in the block itself; rebuild
	// the records so secondary indexes can be cleaned.
	created := make(map[types.OutPoint]*utxo.UTXO)
	for txIdx, t := range blk.Transactions {
		txHash := t.Hash()
		for i := range t.Outputs {
			op := types.OutPoint{TxHash: txHash, Index: uint32(i)}
			created[op] = &utxo.UTXO{
				OutPoint:     op,
				Value:        t.Outputs[i].Value,
				ScriptPubKey: t.Outputs[i].ScriptPubKey,
				Height:       node.Height,
				Coinbase:     txIdx == 0,
			}
		}
	}

	parentNode := c.arena.Node(node.Parent)
	batch := c.db.NewBatch()
	for _, op := range undo.CreatedOutpoints {
		u, ok := created[op]
		if !ok {
			return nil, fmt.Errorf("undo references unknown output %s", op)
		}
		if err := c.utxos.DeleteFrom(batch, u); err != nil {
			return nil, err
		}
	}
	for i := range undo.SpentUTXOs {
		if err := c.utxos.PutTo(batch, &undo.SpentUTXOs[i]); err != nil {
			return nil, err
		}
	}
	if err := c.store.stageDisconnect(batch, blk, node.Height, parentNode.Hash); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("commit disconnect: %w", err)
	}

	node.Status &^= StatusMainChain
	c.best = node.Parent
	c.arena.SetMain(c.best)

	// Inverse registry notifications: created stakes vanish, restored
	// stakes reappear.
	if c.stakeSpent != nil {
		for _, op := range undo.CreatedOutpoints {
			if pk, ok := script.IsStakeLock(created[op].ScriptPubKey); ok {
				c.stakeSpent(pk, op)
			}
		}
	}
	if c.stakeLocked != nil {
		for i := range undo.SpentUTXOs {
			su := &undo.SpentUTXOs[i]
			if pk, ok := script.IsStakeLock(su.ScriptPubKey); ok {
				c.stakeLocked(pk, su.OutPoint, su.Value, su.Height)
			}
		}
	}

	return blk, nil
}

// reorganizeLocked switches the main chain to the branch ending at
// newTip. The old branch is disconnected back to the fork point and the
// new branch connected with full validation; on failure the offending
// block is marked invalid and the old chain restored.
func (c *Chain) reorganizeLocked(newTip int32) error {
	fork := c.arena.ForkPoint(c.best, newTip)
	if fork == nilHandle {
		return fmt.Errorf("no common ancestor between %s and %s",
			c.arena.Node(c.best).Hash, c.arena.Node(newTip).Hash)
	}
	forkHeight := c.arena.Node(fork).Height
	oldTip := c.best

	log.Chain.Info().
		Uint64("fork_height", forkHeight).
		Uint64("old_height", c.arena.Node(oldTip).Height).
		Uint64("new_height", c.arena.Node(newTip).Height).
		Msg("reorganizing")

	if err := c.store.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	// Disconnect the old branch from the tip down to the fork.
	var oldBranch []int32
	var reverted []*tx.Transaction
	for cur := oldTip; cur != fork; cur = c.arena.Node(cur).Parent {
		oldBranch = append(oldBranch, cur)
	}
	for _, handle := range oldBranch {
		blk, err := c.disconnectBlock(handle)
		if err != nil {
			return fmt.Errorf("disconnect %s: %w", c.arena.Node(handle).Hash, err)
		}
		if len(blk.Transactions) > 1 {
			reverted = append(reverted, blk.Transactions[1:]...)
		}
	}

	// Connect the new branch from the fork up to the new tip.
	var newBranch []int32
	for cur := newTip; cur != fork; cur = c.arena.Node(cur).Parent {
		newBranch = append([]int32{cur}, newBranch...)
	}
	newBranchTxs := make(map[types.Hash]bool)
	for i, handle := range newBranch {
		blk, err := c.store.GetBlock(c.arena.Node(handle).Hash)
		if err != nil {
			return fmt.Errorf("load new branch block: %w", err)
		}
		if cerr := c.connectBlock(handle, blk); cerr != nil {
			c.markInvalidLocked(handle)
			if rerr := c.restoreBranchLocked(newBranch[:i], oldBranch); rerr != nil {
				return fmt.Errorf("restore after failed reorg: %v (original: %w)", rerr, cerr)
			}
			_ = c.store.DeleteReorgCheckpoint()
			return cerr
		}
		for _, t := range blk.Transactions {
			newBranchTxs[t.Hash()] = true
		}
	}

	if err := c.store.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	// Return disconnected transactions that the new branch did not
	// confirm; the mempool re-validates each on admission. Dispatch is
	// deferred past the writer lock like every mempool notification.
	if c.revertedTxs != nil {
		var toReturn []*tx.Transaction
		for _, t := range reverted {
			if !newBranchTxs[t.Hash()] {
				toReturn = append(toReturn, t)
			}
		}
		if len(toReturn) > 0 {
			c.pendingNotes = append(c.pendingNotes, func() {
				c.revertedTxs(toReturn)
			})
		}
	}

	return nil
}

// restoreBranchLocked unwinds partially connected new-branch blocks and
// reconnects the previously disconnected old branch.
func (c *Chain) restoreBranchLocked(connected []int32, oldBranch []int32) error {
	for i := len(connected) - 1; i >= 0; i-- {
		if _, err := c.disconnectBlock(connected[i]); err != nil {
			return fmt.Errorf("unwind new branch: %w", err)
		}
	}
	// oldBranch is tip-first; reconnect bottom-up.
	for i := len(oldBranch) - 1; i >= 0; i-- {
		handle := oldBranch[i]
		blk, err := c.store.GetBlock(c.arena.Node(handle).Hash)
		if err != nil {
			return fmt.Errorf("load old branch block: %w", err)
		}
		if err := c.connectBlock(handle, blk); err != nil {
			return fmt.Errorf("reconnect old branch: %w", err)
		}
	}
	return nil
}

// rebuildUTXOSet clears the UTXO set and replays the whole main chain.
// Used to recover from a crash during reorganization.
func (c *Chain) rebuildUTXOSet() error {
	log.Chain.Warn().Msg("rebuilding utxo set after interrupted reorganization")

	if err := c.utxos.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	tipHeight := c.arena.Node(c.best).Height
	for h := uint64(0); h <= tipHeight; h++ {
		handle := c.arena.AtHeight(h)
		if handle == nilHandle {
			return fmt.Errorf("main chain gap at height %d", h)
		}
		blk, err := c.store.GetBlock(c.arena.Node(handle).Hash)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if err := c.applyBlockPlain(blk, h); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
	}

	if err := c.store.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	return nil
}

// applyBlockPlain replays a known-valid block's UTXO effects without
// validation, refreshing undo data.
func (c *Chain) applyBlockPlain(blk *block.Block, height uint64) error {
	view := utxo.NewView(c.utxos)
	undo := &UndoData{}

	for txIdx, t := range blk.Transactions {
		for i := range t.Inputs {
			op := t.Inputs[i].PrevOut
			if op.IsNull() {
				continue
			}
			spent, err := view.Get(op)
			if err != nil {
				return fmt.Errorf("tx %d input %s: %w", txIdx, op, err)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *spent)
			if err := view.Delete(op); err != nil {
				return err
			}
		}
		txHash := t.Hash()
		for i := range t.Outputs {
			if err := view.Put(&utxo.UTXO{
				OutPoint:     types.OutPoint{TxHash: txHash, Index: uint32(i)},
				Value:        t.Outputs[i].Value,
				ScriptPubKey: t.Outputs[i].ScriptPubKey,
				Height:       height,
				Coinbase:     txIdx == 0,
			}); err != nil {
				return err
			}
		}
	}
	for op := range view.Added() {
		undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)
	}

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
	if err := batch.Put(undoKey(blk.Hash()), codec.Serialize(undo)); err != nil {
		return err
	}
	return batch.Commit()
}
