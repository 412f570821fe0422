package tx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// sampleTx builds a two-in, two-out transaction for serialization tests.
func sampleTx() *Transaction {
	return &Transaction{
		Version: 1,
		Inputs: []TxIn{
			{
				PrevOut:   types.OutPoint{TxHash: types.Hash{0x01}, Index: 0},
				ScriptSig: []byte{0x51},
				Sequence:  MaxSequence,
			},
			{
				PrevOut:   types.OutPoint{TxHash: types.Hash{0x02}, Index: 3},
				ScriptSig: []byte{0x52, 0x53},
				Sequence:  7,
			},
		},
		Outputs: []TxOut{
			{Value: 40 * types.Coin, ScriptPubKey: []byte{0x76, 0xa9}},
			{Value: 9 * types.Coin, ScriptPubKey: []byte{0xac}},
		},
		LockTime: 99,
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	orig := sampleTx()
	data := orig.Serialize()

	if len(data) != orig.SerializeSize() {
		t.Errorf("SerializeSize = %d, actual %d", orig.SerializeSize(), len(data))
	}

	var decoded Transaction
	if err := codec.Deserialize(data, &decoded); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded.Hash() != orig.Hash() {
		t.Error("hash changed across encode/decode")
	}
	if decoded.Version != orig.Version || decoded.LockTime != orig.LockTime {
		t.Error("scalar fields changed across encode/decode")
	}
	if len(decoded.Inputs) != 2 || len(decoded.Outputs) != 2 {
		t.Fatalf("shape changed: %d in, %d out", len(decoded.Inputs), len(decoded.Outputs))
	}
}

func TestDecodeTruncated(t *testing.T) {
	data := sampleTx().Serialize()
	for cut := 0; cut < len(data); cut++ {
		var decoded Transaction
		if err := codec.Deserialize(data[:cut], &decoded); err == nil {
			t.Fatalf("decode succeeded on %d-byte prefix", cut)
		}
	}
}

func TestIsCoinbase(t *testing.T) {
	coinbase := &Transaction{
		Inputs:  []TxIn{{PrevOut: types.NullOutPoint(), ScriptSig: []byte{0x01, 0x02}}},
		Outputs: []TxOut{{Value: types.Coin}},
	}
	if !coinbase.IsCoinbase() {
		t.Error("coinbase not recognized")
	}
	if sampleTx().IsCoinbase() {
		t.Error("regular tx recognized as coinbase")
	}
}

func TestCheckSanity(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(tx *Transaction)
		wantErr error
	}{
		{"valid", func(tx *Transaction) {}, nil},
		{"no inputs", func(tx *Transaction) { tx.Inputs = nil }, ErrNoInputs},
		{"no outputs", func(tx *Transaction) { tx.Outputs = nil }, ErrNoOutputs},
		{"negative value", func(tx *Transaction) { tx.Outputs[0].Value = -1 }, ErrBadValue},
		{"value above max", func(tx *Transaction) {
			tx.Outputs[0].Value = types.MaxMoney + 1
		}, ErrBadValue},
		{"total above max", func(tx *Transaction) {
			tx.Outputs[0].Value = types.MaxMoney
			tx.Outputs[1].Value = 1
		}, ErrBadValue},
		{"duplicate input", func(tx *Transaction) {
			tx.Inputs[1].PrevOut = tx.Inputs[0].PrevOut
		}, ErrDuplicateInput},
		{"null prevout in regular tx", func(tx *Transaction) {
			tx.Inputs[1].PrevOut = types.NullOutPoint()
		}, ErrUnexpectedNull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transaction := sampleTx()
			tt.mutate(transaction)
			err := transaction.CheckSanity()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("CheckSanity: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCoinbaseScriptSigBounds(t *testing.T) {
	coinbase := &Transaction{
		Inputs:  []TxIn{{PrevOut: types.NullOutPoint(), ScriptSig: []byte{0x01}}},
		Outputs: []TxOut{{Value: types.Coin}},
	}
	if err := coinbase.CheckSanity(); !errors.Is(err, ErrScriptSigSize) {
		t.Errorf("err = %v, want ErrScriptSigSize", err)
	}

	coinbase.Inputs[0].ScriptSig = make([]byte, MaxCoinbaseScriptLen+1)
	if err := coinbase.CheckSanity(); !errors.Is(err, ErrScriptSigSize) {
		t.Errorf("err = %v, want ErrScriptSigSize", err)
	}
}

func FuzzTransactionDecode(f *testing.F) {
	f.Add(sampleTx().Serialize())
	f.Fuzz(func(t *testing.T, data []byte) {
		var decoded Transaction
		if err := codec.Deserialize(data, &decoded); err != nil {
			return
		}
		// Anything that decodes must re-encode to the same bytes.
		round := decoded.Serialize()
		if !bytes.Equal(round, data) {
			t.Errorf("re-encoded bytes differ from input (%d vs %d bytes)", len(round), len(data))
		}
	})
}
