package block

import (
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Block represents a block in the chain.
type Block struct {
	Header       Header            `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// New creates a block with the given header and transactions.
func New(header Header, txs []*tx.Transaction) *Block {
	return &Block{Header: header, Transactions: txs}
}

// Encode writes the canonical serialization: header then the transaction
// sequence.
func (b *Block) Encode(w *codec.Writer) {
	b.Header.Encode(w)
	w.WriteCompactSize(uint64(len(b.Transactions)))
	for _, t := range b.Transactions {
		t.Encode(w)
	}
}

// Decode reads the canonical serialization of the block.
func (b *Block) Decode(r *codec.Reader) error {
	if err := b.Header.Decode(r); err != nil {
		return err
	}
	count, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("block tx count: %w", err)
	}
	b.Transactions = make([]*tx.Transaction, 0, txCapHint(count))
	for i := uint64(0); i < count; i++ {
		var t tx.Transaction
		if err := t.Decode(r); err != nil {
			return fmt.Errorf("block tx %d: %w", i, err)
		}
		b.Transactions = append(b.Transactions, &t)
	}
	return nil
}

// Serialize returns the canonical byte form of the block.
func (b *Block) Serialize() []byte {
	w := codec.NewWriter(b.SerializeSize())
	b.Encode(w)
	return w.Bytes()
}

// SerializeSize returns the exact serialized length in bytes.
func (b *Block) SerializeSize() int {
	n := HeaderSize + compactSizeLen(uint64(len(b.Transactions)))
	for _, t := range b.Transactions {
		n += t.SerializeSize()
	}
	return n
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

func compactSizeLen(n uint64) int {
	switch {
	case n < 0xFD:
		return 1
	case n <= 0xFFFF:
		return 3
	case n <= 0xFFFFFFFF:
		return 5
	default:
		return 9
	}
}

func txCapHint(n uint64) int {
	const maxPrealloc = 4096
	if n > maxPrealloc {
		return maxPrealloc
	}
	return int(n)
}
