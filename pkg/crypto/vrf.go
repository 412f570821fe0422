package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/microguy/proof-of-participation/pkg/types"
)

// VRFProofSize is the length of a serialized VRF proof
// (an EC-Schnorr signature).
const VRFProofSize = 64

// The VRF is built from deterministic Schnorr signatures: the proof is the
// unique signature over the hashed seed, and the output is the double-SHA256
// of the proof. The same key and seed always yield the same signature, so
// the output is deterministic, and forging an output requires forging a
// signature.

// VRFEvaluate computes the VRF output and proof for the given seed.
func VRFEvaluate(priv *PrivateKey, seed []byte) (types.Hash, []byte, error) {
	msg := DoubleSha256(seed)
	sig, err := schnorr.Sign(priv.key, msg[:])
	if err != nil {
		return types.Hash{}, nil, fmt.Errorf("vrf sign: %w", err)
	}
	proof := sig.Serialize()
	return DoubleSha256(proof), proof, nil
}

// VRFVerify checks that output is the unique VRF evaluation of seed under
// the given compressed public key. Returns false on any error.
func VRFVerify(publicKey, seed []byte, output types.Hash, proof []byte) bool {
	if len(proof) != VRFProofSize {
		return false
	}
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(proof)
	if err != nil {
		return false
	}
	msg := DoubleSha256(seed)
	if !sig.Verify(msg[:], pubKey) {
		return false
	}
	return DoubleSha256(proof) == output
}
