package chain

import (
	"fmt"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// GenesisBlock builds the deterministic genesis block of a network: a
// single coinbase paying the configured value to the configured key.
func GenesisBlock(params *config.ChainParams) *block.Block {
	gen := params.Genesis

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.TxIn{{
			PrevOut: types.NullOutPoint(),
			ScriptSig: script.NewBuilder().
				AddInt64(0).
				AddData(gen.CoinbaseTag).
				Script(),
			Sequence: tx.MaxSequence,
		}},
		Outputs: []tx.TxOut{{
			Value:        gen.CoinbaseValue,
			ScriptPubKey: script.PayToPubKey(gen.CoinbasePubKey),
		}},
	}

	txs := []*tx.Transaction{coinbase}
	header := block.Header{
		Version:    gen.Version,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Time:       gen.Time,
		Bits:       gen.Bits,
		Nonce:      gen.Nonce,
	}
	return block.New(header, txs)
}

// initGenesis connects the genesis block on a fresh database. Genesis
// carries no producer proof; it is pinned by hash, not validated.
func (c *Chain) initGenesis() error {
	blk := GenesisBlock(c.params)
	handle := c.arena.Add(&blk.Header, 0, nilHandle, c.workForHeight(0, blk.Header.Bits))
	if err := c.store.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := c.connectBlock(handle, blk); err != nil {
		return fmt.Errorf("connect genesis: %w", err)
	}
	log.Chain.Info().
		Str("hash", blk.Hash().String()).
		Str("network", c.params.Name).
		Msg("initialized chain from genesis")
	return nil
}
