// Package crypto provides the hash and signature primitives of the chain.
package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"

	"github.com/microguy/proof-of-participation/pkg/types"
)

// Sha256 computes a single SHA-256 hash of the input data.
func Sha256(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleSha256 computes SHA256(SHA256(data)), the canonical hash of
// transactions, headers, and merkle nodes.
func DoubleSha256(data []byte) types.Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Ripemd160 computes a plain RIPEMD-160 hash of the input data.
func Ripemd160(data []byte) []byte {
	h := ripemd160.New()
	h.Write(data)
	return h.Sum(nil)
}

// Hash160 computes RIPEMD160(SHA256(data)), used for addresses.
func Hash160(data []byte) []byte {
	first := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(first[:])
	return h.Sum(nil)
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = RIPEMD160(SHA256(compressed_pubkey)).
func AddressFromPubKey(pubKey []byte) types.Address {
	var addr types.Address
	copy(addr[:], Hash160(pubKey))
	return addr
}

// HashConcat double-hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return DoubleSha256(buf[:])
}
