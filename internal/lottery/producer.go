package lottery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/chain"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/mempool"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// coinbaseReserve is the byte budget held back from the template for the
// coinbase transaction and block framing.
const coinbaseReserve = 1024

// Producer runs the local generation loop: every tick it evaluates the
// lottery for the next height and, on a win, assembles, signs, and
// submits a block.
type Producer struct {
	params  *config.ChainParams
	chain   *chain.Chain
	pool    *mempool.Pool
	lottery *Lottery
	key     *crypto.PrivateKey
	payout  types.Address
	// peerCount gates production: producing on a partitioned node only
	// builds a private fork.
	peerCount func() int
	// submit hands a produced block to the chain and network layers.
	submit func(*block.Block) error
}

// NewProducer wires a block producer. The payout address receives the
// coinbase output.
func NewProducer(params *config.ChainParams, c *chain.Chain, pool *mempool.Pool,
	l *Lottery, key *crypto.PrivateKey, payout types.Address,
	peerCount func() int, submit func(*block.Block) error) *Producer {
	return &Producer{
		params:    params,
		chain:     c,
		pool:      pool,
		lottery:   l,
		key:       key,
		payout:    payout,
		peerCount: peerCount,
		submit:    submit,
	}
}

// Run evaluates the lottery on every tick until the context is
// cancelled.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(config.ProducerTick)
	defer ticker.Stop()

	log.Lottery.Info().
		Str("payout", p.payout.String()).
		Msg("block producer started")

	for {
		select {
		case <-ctx.Done():
			log.Lottery.Info().Msg("block producer stopped")
			return
		case <-ticker.C:
			if err := p.tick(); err != nil && !errors.Is(err, chain.ErrBlockKnown) {
				log.Lottery.Warn().Err(err).Msg("production attempt failed")
			}
		}
	}
}

// tick runs one lottery evaluation and produces a block on a win.
func (p *Producer) tick() error {
	if p.peerCount() < 1 {
		return nil
	}

	snap := p.chain.BestSnapshot()
	height := snap.Height + 1
	if height < p.params.ActivationHeight {
		return nil
	}
	if !p.lottery.Registry().Eligible(p.key.PublicKey(), height) {
		return nil
	}

	proof, won, err := p.lottery.Evaluate(p.key, snap.Hash, height)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	blk, err := p.AssembleBlock(proof, snap)
	if err != nil {
		return fmt.Errorf("assemble block: %w", err)
	}
	if err := p.SignBlock(blk, proof); err != nil {
		return fmt.Errorf("sign block: %w", err)
	}

	log.Lottery.Info().
		Uint64("height", height).
		Str("hash", blk.Hash().String()).
		Int("txs", len(blk.Transactions)).
		Msg("won lottery, submitting block")
	return p.submit(blk)
}

// BuildCoinbase creates the coinbase transaction: the stake proof in the
// script sig (signature blank until SignBlock) and the subsidy plus fees
// paid to the payout address.
func (p *Producer) BuildCoinbase(proof *StakeProof, height uint64, fees types.Amount) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.TxIn{{
			PrevOut:   types.NullOutPoint(),
			ScriptSig: proof.CoinbaseScriptSig(),
			Sequence:  tx.MaxSequence,
		}},
		Outputs: []tx.TxOut{{
			Value:        p.params.Subsidy(height) + fees,
			ScriptPubKey: script.PayToPubKeyHash(p.payout),
		}},
	}
}

// AssembleBlock pulls a template from the mempool and builds the block
// around the unsigned coinbase.
func (p *Producer) AssembleBlock(proof *StakeProof, snap chain.Snapshot) (*block.Block, error) {
	tpl := p.pool.BuildTemplate(config.MaxBlockSize - coinbaseReserve)

	coinbase := p.BuildCoinbase(proof, proof.Height, tpl.TotalFees)
	txs := make([]*tx.Transaction, 0, 1+len(tpl.Transactions))
	txs = append(txs, coinbase)
	txs = append(txs, tpl.Transactions...)

	now := uint32(time.Now().Unix())
	if now <= snap.MedianTimePast {
		now = snap.MedianTimePast + 1
	}

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	header := block.Header{
		Version:    1,
		PrevHash:   snap.Hash,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Time:       now,
		// Post-activation blocks carry no work: bits and nonce are zero.
		Bits:  0,
		Nonce: 0,
	}
	return block.New(header, txs), nil
}

// SignBlock signs the unsigned block hash with the producer key and
// installs the completed stake proof, refreshing the merkle root.
func (p *Producer) SignBlock(blk *block.Block, proof *StakeProof) error {
	signingHash := ProducerSigningHash(blk, proof)
	sig, err := p.key.Sign(signingHash[:])
	if err != nil {
		return fmt.Errorf("sign producer hash: %w", err)
	}
	proof.Signature = sig
	blk.Transactions[0].Inputs[0].ScriptSig = proof.CoinbaseScriptSig()

	hashes := make([]types.Hash, len(blk.Transactions))
	for i, t := range blk.Transactions {
		hashes[i] = t.Hash()
	}
	blk.Header.MerkleRoot = block.ComputeMerkleRoot(hashes)
	return nil
}
