// Package block defines block types, serialization, and validation.
package block

import (
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// HeaderSize is the serialized length of a block header.
const HeaderSize = 80

// Header contains block metadata. Post-activation blocks always carry a
// zero nonce; bits is retained for format compatibility only.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Time       uint32     `json:"time"`
	Bits       uint32     `json:"bits"`
	Nonce      uint32     `json:"nonce"`
}

// Encode writes the canonical 80-byte serialization of the header.
func (h *Header) Encode(w *codec.Writer) {
	w.WriteUint32(h.Version)
	w.WriteBytes(h.PrevHash[:])
	w.WriteBytes(h.MerkleRoot[:])
	w.WriteUint32(h.Time)
	w.WriteUint32(h.Bits)
	w.WriteUint32(h.Nonce)
}

// Decode reads the canonical 80-byte serialization of the header.
func (h *Header) Decode(r *codec.Reader) error {
	var err error
	if h.Version, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("header version: %w", err)
	}
	if err = r.ReadInto(h.PrevHash[:]); err != nil {
		return fmt.Errorf("header prev hash: %w", err)
	}
	if err = r.ReadInto(h.MerkleRoot[:]); err != nil {
		return fmt.Errorf("header merkle root: %w", err)
	}
	if h.Time, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("header time: %w", err)
	}
	if h.Bits, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("header bits: %w", err)
	}
	if h.Nonce, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("header nonce: %w", err)
	}
	return nil
}

// Serialize returns the canonical 80-byte form of the header.
func (h *Header) Serialize() []byte {
	w := codec.NewWriter(HeaderSize)
	h.Encode(w)
	return w.Bytes()
}

// Hash computes the block hash: the double-SHA256 of the 80-byte
// serialization.
func (h *Header) Hash() types.Hash {
	return crypto.DoubleSha256(h.Serialize())
}
