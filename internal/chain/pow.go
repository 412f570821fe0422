package chain

import (
	"math/big"

	"github.com/microguy/proof-of-participation/pkg/types"
)

// oneLsh256 is 2^256, the work-calculation numerator.
var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// participationWork is the fixed per-block weight once the lottery rule
// is active. Any constant works: post-activation blocks all weigh the
// same, so heavier means longer.
var participationWork = new(big.Int).Lsh(big.NewInt(1), 40)

// CompactToBig expands the compact 32-bit target representation used in
// the header bits field.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := uint(compact >> 24)

	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(int64(mantissa))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, 8*(exponent-3))
	}
	if compact&0x00800000 != 0 {
		target.Neg(target)
	}
	return target
}

// HashToBig interprets a hash as a big-endian integer for target
// comparison.
func HashToBig(hash types.Hash) *big.Int {
	// Hashes are little-endian on the wire; reverse for arithmetic.
	var rev [types.HashSize]byte
	for i, b := range hash {
		rev[types.HashSize-1-i] = b
	}
	return new(big.Int).SetBytes(rev[:])
}

// checkProofOfWork verifies the legacy pre-activation rule:
// hash <= target(bits).
func checkProofOfWork(hash types.Hash, bits uint32) error {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return ruleError(ErrBadProofOfWork, "target %d is non-positive", target)
	}
	if HashToBig(hash).Cmp(target) > 0 {
		return ruleError(ErrBadProofOfWork, "hash %s above target", hash)
	}
	return nil
}

// blockWork returns the expected-hash-count weight of a pre-activation
// block: 2^256 / (target + 1).
func blockWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return new(big.Int)
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(oneLsh256, denom)
}
