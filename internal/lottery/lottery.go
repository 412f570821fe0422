package lottery

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Lottery verification errors.
var (
	ErrNotEligible    = errors.New("producer not eligible")
	ErrBadVRF         = errors.New("vrf proof does not verify")
	ErrLotteryLoss    = errors.New("vrf output does not satisfy the winning target")
	ErrBadSignature   = errors.New("producer signature invalid")
	ErrBadTimestamp   = errors.New("block timestamp outside producer window")
	ErrHeightMismatch = errors.New("stake proof height mismatch")
)

// maxU256 is 2^256 - 1, the VRF output space.
var maxU256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TargetFn maps the eligible participant count to the winning target.
type TargetFn func(eligible int) *big.Int

// EqualChanceTarget calibrates one expected winner per height across the
// eligible set, independent of stake size.
func EqualChanceTarget(eligible int) *big.Int {
	if eligible < 1 {
		eligible = 1
	}
	return new(big.Int).Div(maxU256, big.NewInt(int64(eligible)))
}

// Lottery evaluates and verifies participation proofs.
type Lottery struct {
	params   *config.ChainParams
	registry *Registry
	targetFn TargetFn
	now      func() time.Time
}

// New creates a lottery over the given registry. A nil targetFn selects
// the equal-chance calibration.
func New(params *config.ChainParams, registry *Registry, targetFn TargetFn) *Lottery {
	if targetFn == nil {
		targetFn = EqualChanceTarget
	}
	return &Lottery{
		params:   params,
		registry: registry,
		targetFn: targetFn,
		now:      time.Now,
	}
}

// SetTimeSource overrides the wall clock for tests.
func (l *Lottery) SetTimeSource(now func() time.Time) {
	l.now = now
}

// Registry returns the participant registry.
func (l *Lottery) Registry() *Registry {
	return l.registry
}

// Seed derives the lottery seed for a height:
// prev_block_hash || encode_u64(height).
func Seed(prevHash types.Hash, height uint64) []byte {
	w := codec.NewWriter(types.HashSize + 8)
	w.WriteBytes(prevHash[:])
	w.WriteUint64(height)
	return w.Bytes()
}

// Target returns the winning threshold at a height, calibrated to the
// current eligible set.
func (l *Lottery) Target(height uint64) *big.Int {
	return l.targetFn(l.registry.EligibleCount(height))
}

// outputValue interprets a VRF output as a 256-bit integer.
func outputValue(output types.Hash) *big.Int {
	return new(big.Int).SetBytes(output[:])
}

// Wins reports whether a VRF output satisfies the target at a height.
func (l *Lottery) Wins(output types.Hash, height uint64) bool {
	return outputValue(output).Cmp(l.Target(height)) < 0
}

// CompareWinners orders two winning proofs at the same height: lower VRF
// output first, then lexicographic public key order.
func CompareWinners(a, b *StakeProof) int {
	if c := bytes.Compare(a.VRFOutput[:], b.VRFOutput[:]); c != 0 {
		return c
	}
	return bytes.Compare(a.PubKey, b.PubKey)
}

// Evaluate runs the local key's lottery for the given height. Returns the
// proof and whether it wins.
func (l *Lottery) Evaluate(priv *crypto.PrivateKey, prevHash types.Hash, height uint64) (*StakeProof, bool, error) {
	seed := Seed(prevHash, height)
	output, proof, err := crypto.VRFEvaluate(priv, seed)
	if err != nil {
		return nil, false, fmt.Errorf("evaluate vrf: %w", err)
	}
	sp := &StakeProof{
		Height:    height,
		PubKey:    priv.PublicKey(),
		VRFOutput: output,
		VRFProof:  proof,
	}
	return sp, l.Wins(output, height), nil
}

// VerifyParticipationProof checks a post-activation block's producer
// credential. Implements the chain's proof verifier contract:
//
//  1. recover the producer key from the coinbase stake proof,
//  2. confirm registry eligibility at the block height,
//  3. verify the VRF over the height seed and the winning condition,
//  4. verify the producer signature over the unsigned block hash,
//  5. bound the timestamp to the producer window.
func (l *Lottery) VerifyParticipationProof(blk *block.Block, height uint64, parentHash types.Hash, parentTime uint32) error {
	sp, err := ParseStakeProof(blk.Transactions[0].Inputs[0].ScriptSig)
	if err != nil {
		return err
	}
	if sp.Height != height {
		return fmt.Errorf("%w: proof %d, block %d", ErrHeightMismatch, sp.Height, height)
	}

	if !l.registry.Eligible(sp.PubKey, height) {
		return fmt.Errorf("%w: key %x at height %d", ErrNotEligible, sp.PubKey, height)
	}

	seed := Seed(parentHash, height)
	if !crypto.VRFVerify(sp.PubKey, seed, sp.VRFOutput, sp.VRFProof) {
		return ErrBadVRF
	}
	if !l.Wins(sp.VRFOutput, height) {
		return fmt.Errorf("%w: output %s", ErrLotteryLoss, sp.VRFOutput)
	}

	signingHash := ProducerSigningHash(blk, sp)
	if !crypto.VerifySignature(signingHash[:], sp.Signature, sp.PubKey) {
		return ErrBadSignature
	}

	// Producer window: [parent.time - 24h, now + 2h]. The upper bound is
	// also enforced by general header rules; both live here so the proof
	// check is self-contained.
	lower := int64(parentTime) - int64(config.MaxProducerClockSkew/time.Second)
	upper := l.now().Add(config.MaxTimeOffset).Unix()
	bt := int64(blk.Header.Time)
	if bt < lower || bt > upper {
		return fmt.Errorf("%w: time %d outside [%d, %d]", ErrBadTimestamp, bt, lower, upper)
	}

	return nil
}
