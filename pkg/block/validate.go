package block

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Validation errors.
var (
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrNoCoinbase          = errors.New("first transaction must be coinbase")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
)

// CheckSanity verifies context-free block rules: structural shape, size,
// coinbase placement, merkle commitment, and input uniqueness across the
// whole block. Consensus rules that need chain state (timestamps vs
// median-time-past, lottery proof, input scripts) are checked by the chain.
func (b *Block) CheckSanity() error {
	if b.Header.Time == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	if size := b.SerializeSize(); size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	if !b.Transactions[0].IsCoinbase() {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsNull() {
				return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
			}
		}
	}

	if root := b.MerkleRoot(); root != b.Header.MerkleRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot,
			b.Header.MerkleRoot, root)
	}

	// Per-tx sanity plus block-wide duplicate input detection.
	allInputs := make(map[types.OutPoint]int)
	for i, t := range b.Transactions {
		if err := t.CheckSanity(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		for _, in := range t.Inputs {
			if in.PrevOut.IsNull() {
				continue
			}
			if prev, exists := allInputs[in.PrevOut]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, prev)
			}
			allInputs[in.PrevOut] = i
		}
	}

	return nil
}
