// Package utxo maintains the unspent transaction output set.
package utxo

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// UTXO set errors.
var (
	ErrMissing  = errors.New("utxo not found")
	ErrImmature = errors.New("immature coinbase output")
)

// UTXO is one unspent output with its creation metadata.
type UTXO struct {
	OutPoint     types.OutPoint `json:"outpoint"`
	Value        types.Amount   `json:"value"`
	ScriptPubKey []byte         `json:"script_pubkey"`
	Height       uint64         `json:"height"`
	Coinbase     bool           `json:"coinbase"`
}

// Encode writes the binary store representation (the outpoint is the key
// and is not repeated in the value).
func (u *UTXO) Encode(w *codec.Writer) {
	w.WriteInt64(int64(u.Value))
	w.WriteVarBytes(u.ScriptPubKey)
	w.WriteUint64(u.Height)
	if u.Coinbase {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// Decode reads the binary store representation.
func (u *UTXO) Decode(r *codec.Reader) error {
	v, err := r.ReadInt64()
	if err != nil {
		return fmt.Errorf("utxo value: %w", err)
	}
	u.Value = types.Amount(v)
	if u.ScriptPubKey, err = r.ReadVarBytes(); err != nil {
		return fmt.Errorf("utxo script: %w", err)
	}
	if u.Height, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("utxo height: %w", err)
	}
	cb, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("utxo coinbase flag: %w", err)
	}
	u.Coinbase = cb != 0
	return nil
}

// Mature reports whether the output is spendable at the given height.
func (u *UTXO) Mature(height, coinbaseMaturity uint64) bool {
	if !u.Coinbase {
		return true
	}
	return height >= u.Height+coinbaseMaturity
}

// Set is read/write access to an unspent output collection.
type Set interface {
	Get(op types.OutPoint) (*UTXO, error)
	Has(op types.OutPoint) (bool, error)
	Put(u *UTXO) error
	Delete(op types.OutPoint) error
}
