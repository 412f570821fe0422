package lottery

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// ErrMalformedProof is returned when the coinbase script sig does not
// carry a well-formed stake proof.
var ErrMalformedProof = errors.New("malformed stake proof")

// StakeProof is the producer's lottery credential, carried in the
// coinbase script sig as length-prefixed pushes after the height:
//
//	push(height) push(pubkey 33) push(vrf output 32) push(vrf proof 64) push(signature)
//
// The signature commits to the block hash computed with the signature
// push replaced by an empty push, breaking the hash-over-own-signature
// cycle; verifiers rebuild that form before checking it.
type StakeProof struct {
	Height    uint64
	PubKey    []byte
	VRFOutput types.Hash
	VRFProof  []byte
	Signature []byte
}

// CoinbaseScriptSig serializes the proof into a coinbase script sig.
// An empty Signature yields the pre-signing form the signature commits to.
func (sp *StakeProof) CoinbaseScriptSig() []byte {
	return script.NewBuilder().
		AddInt64(int64(sp.Height)).
		AddData(sp.PubKey).
		AddData(sp.VRFOutput[:]).
		AddData(sp.VRFProof).
		AddData(sp.Signature).
		Script()
}

// ParseStakeProof decodes a stake proof from a coinbase script sig.
func ParseStakeProof(scriptSig []byte) (*StakeProof, error) {
	pushes, err := script.Pushes(scriptSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if len(pushes) != 5 {
		return nil, fmt.Errorf("%w: %d pushes, want 5", ErrMalformedProof, len(pushes))
	}
	height, err := script.AsNumber(pushes[0])
	if err != nil || height < 0 {
		return nil, fmt.Errorf("%w: bad height push", ErrMalformedProof)
	}
	if len(pushes[1]) != crypto.CompressedPubKeySize {
		return nil, fmt.Errorf("%w: pubkey is %d bytes", ErrMalformedProof, len(pushes[1]))
	}
	if len(pushes[2]) != types.HashSize {
		return nil, fmt.Errorf("%w: vrf output is %d bytes", ErrMalformedProof, len(pushes[2]))
	}
	if len(pushes[3]) != crypto.VRFProofSize {
		return nil, fmt.Errorf("%w: vrf proof is %d bytes", ErrMalformedProof, len(pushes[3]))
	}
	if len(pushes[4]) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedProof)
	}

	sp := &StakeProof{
		Height:    uint64(height),
		PubKey:    pushes[1],
		VRFProof:  pushes[3],
		Signature: pushes[4],
	}
	copy(sp.VRFOutput[:], pushes[2])
	return sp, nil
}

// ProducerSigningHash computes the block hash the producer signature
// commits to: the block with the coinbase signature push blanked.
func ProducerSigningHash(blk *block.Block, sp *StakeProof) types.Hash {
	unsigned := *sp
	unsigned.Signature = nil

	coinbase := blk.Transactions[0].Copy()
	coinbase.Inputs[0].ScriptSig = unsigned.CoinbaseScriptSig()

	txs := make([]*tx.Transaction, len(blk.Transactions))
	txs[0] = coinbase
	copy(txs[1:], blk.Transactions[1:])

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	header := blk.Header
	header.MerkleRoot = block.ComputeMerkleRoot(hashes)
	return header.Hash()
}
