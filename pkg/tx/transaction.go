// Package tx defines transaction types, serialization, and validation.
package tx

import (
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// TxIn references a UTXO being spent.
type TxIn struct {
	PrevOut   types.OutPoint `json:"prevout"`
	ScriptSig []byte         `json:"script_sig"`
	Sequence  uint32         `json:"sequence"`
}

// TxOut defines a new UTXO.
type TxOut struct {
	Value        types.Amount `json:"value"`
	ScriptPubKey []byte       `json:"script_pubkey"`
}

// Transaction represents a chain transaction.
type Transaction struct {
	Version  uint32  `json:"version"`
	Inputs   []TxIn  `json:"inputs"`
	Outputs  []TxOut `json:"outputs"`
	LockTime uint32  `json:"locktime"`
}

// MaxSequence is the final sequence number of an input.
const MaxSequence uint32 = 0xFFFFFFFF

// Encode writes the canonical serialization of the transaction.
func (t *Transaction) Encode(w *codec.Writer) {
	w.WriteUint32(t.Version)
	w.WriteCompactSize(uint64(len(t.Inputs)))
	for i := range t.Inputs {
		in := &t.Inputs[i]
		w.WriteBytes(in.PrevOut.TxHash[:])
		w.WriteUint32(in.PrevOut.Index)
		w.WriteVarBytes(in.ScriptSig)
		w.WriteUint32(in.Sequence)
	}
	w.WriteCompactSize(uint64(len(t.Outputs)))
	for i := range t.Outputs {
		out := &t.Outputs[i]
		w.WriteInt64(int64(out.Value))
		w.WriteVarBytes(out.ScriptPubKey)
	}
	w.WriteUint32(t.LockTime)
}

// Decode reads the canonical serialization of the transaction.
func (t *Transaction) Decode(r *codec.Reader) error {
	var err error
	if t.Version, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("tx version: %w", err)
	}

	inCount, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("tx input count: %w", err)
	}
	t.Inputs = make([]TxIn, 0, capHint(inCount))
	for i := uint64(0); i < inCount; i++ {
		var in TxIn
		if err := r.ReadInto(in.PrevOut.TxHash[:]); err != nil {
			return fmt.Errorf("input %d prevout hash: %w", i, err)
		}
		if in.PrevOut.Index, err = r.ReadUint32(); err != nil {
			return fmt.Errorf("input %d prevout index: %w", i, err)
		}
		if in.ScriptSig, err = r.ReadVarBytes(); err != nil {
			return fmt.Errorf("input %d script sig: %w", i, err)
		}
		if in.Sequence, err = r.ReadUint32(); err != nil {
			return fmt.Errorf("input %d sequence: %w", i, err)
		}
		t.Inputs = append(t.Inputs, in)
	}

	outCount, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("tx output count: %w", err)
	}
	t.Outputs = make([]TxOut, 0, capHint(outCount))
	for i := uint64(0); i < outCount; i++ {
		var out TxOut
		v, err := r.ReadInt64()
		if err != nil {
			return fmt.Errorf("output %d value: %w", i, err)
		}
		out.Value = types.Amount(v)
		if out.ScriptPubKey, err = r.ReadVarBytes(); err != nil {
			return fmt.Errorf("output %d script: %w", i, err)
		}
		t.Outputs = append(t.Outputs, out)
	}

	if t.LockTime, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("tx locktime: %w", err)
	}
	return nil
}

// Serialize returns the canonical byte form of the transaction.
func (t *Transaction) Serialize() []byte {
	w := codec.NewWriter(t.SerializeSize())
	t.Encode(w)
	return w.Bytes()
}

// SerializeSize returns the exact serialized length in bytes.
func (t *Transaction) SerializeSize() int {
	n := 4 + compactSizeLen(uint64(len(t.Inputs))) +
		compactSizeLen(uint64(len(t.Outputs))) + 4
	for i := range t.Inputs {
		n += types.HashSize + 4 +
			compactSizeLen(uint64(len(t.Inputs[i].ScriptSig))) +
			len(t.Inputs[i].ScriptSig) + 4
	}
	for i := range t.Outputs {
		n += 8 + compactSizeLen(uint64(len(t.Outputs[i].ScriptPubKey))) +
			len(t.Outputs[i].ScriptPubKey)
	}
	return n
}

// Hash computes the transaction ID: the double-SHA256 of the canonical
// serialization.
func (t *Transaction) Hash() types.Hash {
	return crypto.DoubleSha256(t.Serialize())
}

// IsCoinbase returns true if the transaction has exactly one input and
// that input carries the null outpoint marker.
func (t *Transaction) IsCoinbase() bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PrevOut.IsNull()
}

// Copy returns a deep copy of the transaction.
func (t *Transaction) Copy() *Transaction {
	cp := &Transaction{
		Version:  t.Version,
		Inputs:   make([]TxIn, len(t.Inputs)),
		Outputs:  make([]TxOut, len(t.Outputs)),
		LockTime: t.LockTime,
	}
	for i := range t.Inputs {
		in := t.Inputs[i]
		in.ScriptSig = append([]byte(nil), in.ScriptSig...)
		cp.Inputs[i] = in
	}
	for i := range t.Outputs {
		out := t.Outputs[i]
		out.ScriptPubKey = append([]byte(nil), out.ScriptPubKey...)
		cp.Outputs[i] = out
	}
	return cp
}

// TotalOutputValue returns the sum of all output values, failing if any
// value or the total leaves the money range.
func (t *Transaction) TotalOutputValue() (types.Amount, error) {
	var total types.Amount
	for i := range t.Outputs {
		v := t.Outputs[i].Value
		if !v.Valid() {
			return 0, fmt.Errorf("output %d value %d outside money range", i, v)
		}
		total += v
		if !total.Valid() {
			return 0, fmt.Errorf("output total %d outside money range", total)
		}
	}
	return total, nil
}

// compactSizeLen returns the encoded length of a compact size prefix.
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

// capHint bounds pre-allocation for decoded sequences so a hostile count
// cannot balloon memory before the element reads fail.
func capHint(n uint64) int {
	const maxPrealloc = 4096
	if n > maxPrealloc {
		return maxPrealloc
	}
	return int(n)
}
