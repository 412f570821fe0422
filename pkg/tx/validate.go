package tx

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs        = errors.New("transaction has no inputs")
	ErrNoOutputs       = errors.New("transaction has no outputs")
	ErrTxTooLarge      = errors.New("transaction too large")
	ErrBadValue        = errors.New("output value outside money range")
	ErrDuplicateInput  = errors.New("duplicate input")
	ErrBadCoinbase     = errors.New("malformed coinbase")
	ErrUnexpectedNull  = errors.New("non-coinbase input has null prevout")
	ErrScriptSigSize   = errors.New("coinbase script sig size out of bounds")
)

// Coinbase script sig length bounds.
const (
	MinCoinbaseScriptLen = 2
	MaxCoinbaseScriptLen = 1000
)

// CheckSanity verifies context-free transaction rules: structural shape,
// money range, and input uniqueness. UTXO existence, maturity, and script
// execution require chain state and are checked elsewhere.
func (t *Transaction) CheckSanity() error {
	if len(t.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if size := t.SerializeSize(); size > config.MaxTxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTxTooLarge, size, config.MaxTxSize)
	}

	var total types.Amount
	for i := range t.Outputs {
		v := t.Outputs[i].Value
		if !v.Valid() {
			return fmt.Errorf("output %d: %w: %d", i, ErrBadValue, v)
		}
		total += v
		if !total.Valid() {
			return fmt.Errorf("output %d: %w: running total %d", i, ErrBadValue, total)
		}
	}

	seen := make(map[types.OutPoint]struct{}, len(t.Inputs))
	for i := range t.Inputs {
		op := t.Inputs[i].PrevOut
		if _, dup := seen[op]; dup {
			return fmt.Errorf("input %d: %w: %s", i, ErrDuplicateInput, op)
		}
		seen[op] = struct{}{}
	}

	if t.IsCoinbase() {
		sigLen := len(t.Inputs[0].ScriptSig)
		if sigLen < MinCoinbaseScriptLen || sigLen > MaxCoinbaseScriptLen {
			return fmt.Errorf("%w: %d bytes", ErrScriptSigSize, sigLen)
		}
		return nil
	}

	for i := range t.Inputs {
		if t.Inputs[i].PrevOut.IsNull() {
			return fmt.Errorf("input %d: %w", i, ErrUnexpectedNull)
		}
	}
	return nil
}
