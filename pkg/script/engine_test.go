package script

import (
	"errors"
	"testing"

	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// spendingTx builds a one-input transaction spending the given outpoint.
func spendingTx(prev types.OutPoint) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.TxIn{{PrevOut: prev, Sequence: tx.MaxSequence}},
		Outputs: []tx.TxOut{{Value: types.Coin, ScriptPubKey: []byte{OP_1}}},
	}
}

// runScript evaluates a bare script with no signature context.
func runScript(t *testing.T, s []byte) error {
	t.Helper()
	return VerifyScript(nil, s, spendingTx(types.OutPoint{TxHash: types.Hash{1}}), 0)
}

func TestNumericOps(t *testing.T) {
	tests := []struct {
		name   string
		script []byte
		ok     bool
	}{
		{"add", NewBuilder().AddInt64(2).AddInt64(3).AddOp(OP_ADD).AddInt64(5).AddOp(OP_NUMEQUAL).Script(), true},
		{"sub", NewBuilder().AddInt64(9).AddInt64(4).AddOp(OP_SUB).AddInt64(5).AddOp(OP_NUMEQUAL).Script(), true},
		{"negate", NewBuilder().AddInt64(5).AddOp(OP_NEGATE).AddInt64(-5).AddOp(OP_NUMEQUAL).Script(), true},
		{"abs", NewBuilder().AddInt64(-7).AddOp(OP_ABS).AddInt64(7).AddOp(OP_NUMEQUAL).Script(), true},
		{"min", NewBuilder().AddInt64(3).AddInt64(8).AddOp(OP_MIN).AddInt64(3).AddOp(OP_NUMEQUAL).Script(), true},
		{"max", NewBuilder().AddInt64(3).AddInt64(8).AddOp(OP_MAX).AddInt64(8).AddOp(OP_NUMEQUAL).Script(), true},
		{"within", NewBuilder().AddInt64(5).AddInt64(1).AddInt64(10).AddOp(OP_WITHIN).Script(), true},
		{"not within", NewBuilder().AddInt64(10).AddInt64(1).AddInt64(10).AddOp(OP_WITHIN).Script(), false},
		{"lessthan", NewBuilder().AddInt64(1).AddInt64(2).AddOp(OP_LESSTHAN).Script(), true},
		{"numequal false", NewBuilder().AddInt64(1).AddInt64(2).AddOp(OP_NUMEQUAL).Script(), false},
		{"booland", NewBuilder().AddInt64(1).AddInt64(1).AddOp(OP_BOOLAND).Script(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runScript(t, tt.script)
			if tt.ok && err != nil {
				t.Errorf("script failed: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("script unexpectedly succeeded")
			}
		})
	}
}

func TestStackOps(t *testing.T) {
	tests := []struct {
		name   string
		script []byte
		ok     bool
	}{
		{"dup equal", NewBuilder().AddInt64(4).AddOp(OP_DUP).AddOp(OP_NUMEQUAL).Script(), true},
		{"swap", NewBuilder().AddInt64(1).AddInt64(2).AddOp(OP_SWAP).AddOp(OP_DROP).Script(), true},
		{"depth", NewBuilder().AddInt64(9).AddInt64(9).AddOp(OP_DEPTH).AddInt64(2).AddOp(OP_NUMEQUAL).Script(), true},
		{"over", NewBuilder().AddInt64(7).AddInt64(1).AddOp(OP_OVER).AddInt64(7).AddOp(OP_NUMEQUAL).Script(), true},
		{"size", NewBuilder().AddData([]byte{1, 2, 3}).AddOp(OP_SIZE).AddInt64(3).AddOp(OP_NUMEQUAL).Script(), true},
		{"underflow", []byte{OP_DROP}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runScript(t, tt.script)
			if tt.ok && err != nil {
				t.Errorf("script failed: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("script unexpectedly succeeded")
			}
		})
	}
}

func TestConditionals(t *testing.T) {
	taken := NewBuilder().
		AddInt64(1).
		AddOp(OP_IF).AddInt64(5).AddOp(OP_ELSE).AddInt64(7).AddOp(OP_ENDIF).
		AddInt64(5).AddOp(OP_NUMEQUAL).
		Script()
	if err := runScript(t, taken); err != nil {
		t.Errorf("taken branch: %v", err)
	}

	other := NewBuilder().
		AddInt64(0).
		AddOp(OP_IF).AddInt64(5).AddOp(OP_ELSE).AddInt64(7).AddOp(OP_ENDIF).
		AddInt64(7).AddOp(OP_NUMEQUAL).
		Script()
	if err := runScript(t, other); err != nil {
		t.Errorf("else branch: %v", err)
	}

	unbalanced := []byte{OP_IF}
	if err := runScript(t, NewBuilder().AddInt64(1).Script()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := runScript(t, unbalanced); !errors.Is(err, ErrStackUnderflow) && !errors.Is(err, ErrUnbalancedIf) {
		t.Errorf("unbalanced if: %v", err)
	}
}

func TestHashOps(t *testing.T) {
	data := []byte("preimage")
	sha := crypto.Sha256(data)
	script := NewBuilder().
		AddData(data).
		AddOp(OP_SHA256).
		AddData(sha[:]).
		AddOp(OP_EQUAL).
		Script()
	if err := runScript(t, script); err != nil {
		t.Errorf("sha256 predicate: %v", err)
	}

	h256 := crypto.DoubleSha256(data)
	script = NewBuilder().
		AddData(data).
		AddOp(OP_HASH256).
		AddData(h256[:]).
		AddOp(OP_EQUAL).
		Script()
	if err := runScript(t, script); err != nil {
		t.Errorf("hash256 predicate: %v", err)
	}

	script = NewBuilder().
		AddData(data).
		AddOp(OP_HASH160).
		AddData(crypto.Hash160(data)).
		AddOp(OP_EQUAL).
		Script()
	if err := runScript(t, script); err != nil {
		t.Errorf("hash160 predicate: %v", err)
	}
}

func TestEarlyReturnAndFalseStack(t *testing.T) {
	if err := runScript(t, []byte{OP_RETURN}); !errors.Is(err, ErrEarlyReturn) {
		t.Errorf("op_return: %v", err)
	}
	if err := runScript(t, NewBuilder().AddInt64(0).Script()); !errors.Is(err, ErrFalseStack) {
		t.Errorf("false stack: %v", err)
	}
	if err := runScript(t, []byte{OP_NOP}); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("empty stack: %v", err)
	}
}

func TestPayToPubKeyHashSpend(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())
	lock := PayToPubKeyHash(addr)

	spend := spendingTx(types.OutPoint{TxHash: types.Hash{0x10}})
	sig, err := SignInput(key, spend, 0, lock, SigHashAll)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	spend.Inputs[0].ScriptSig = sig

	if err := VerifyScript(sig, lock, spend, 0); err != nil {
		t.Errorf("p2pkh spend failed: %v", err)
	}

	// Tampering with the outputs invalidates the signature.
	spend.Outputs[0].Value = 2 * types.Coin
	if err := VerifyScript(sig, lock, spend, 0); err == nil {
		t.Error("p2pkh spend verified after output tamper")
	}

	// The wrong key must not satisfy the predicate.
	wrongKey, _ := crypto.GenerateKey()
	spend2 := spendingTx(types.OutPoint{TxHash: types.Hash{0x10}})
	badSig, err := SignInput(wrongKey, spend2, 0, lock, SigHashAll)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	if err := VerifyScript(badSig, lock, spend2, 0); err == nil {
		t.Error("p2pkh spend verified with wrong key")
	}
}

func TestPayToPubKeySpend(t *testing.T) {
	key, _ := crypto.GenerateKey()
	lock := PayToPubKey(key.PublicKey())

	spend := spendingTx(types.OutPoint{TxHash: types.Hash{0x11}})
	sig, err := SignInput(key, spend, 0, lock, SigHashAll)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	if err := VerifyScript(sig, lock, spend, 0); err != nil {
		t.Errorf("p2pk spend failed: %v", err)
	}
}

func TestStakeLockSpend(t *testing.T) {
	key, _ := crypto.GenerateKey()
	lock := StakeLock(key.PublicKey())

	pk, ok := IsStakeLock(lock)
	if !ok {
		t.Fatal("stake lock not recognized")
	}
	if len(pk) != 33 {
		t.Fatalf("extracted pubkey length %d", len(pk))
	}

	spend := spendingTx(types.OutPoint{TxHash: types.Hash{0x12}})
	sig, err := SignInput(key, spend, 0, lock, SigHashAll)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	if err := VerifyScript(sig, lock, spend, 0); err != nil {
		t.Errorf("stake withdrawal failed: %v", err)
	}
}

func TestCheckMultisig(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()
	k3, _ := crypto.GenerateKey()

	// 2-of-3 multisig predicate.
	lock := NewBuilder().
		AddInt64(2).
		AddData(k1.PublicKey()).
		AddData(k2.PublicKey()).
		AddData(k3.PublicKey()).
		AddInt64(3).
		AddOp(OP_CHECKMULTISIG).
		Script()

	spend := spendingTx(types.OutPoint{TxHash: types.Hash{0x13}})
	hash, err := CalcSignatureHash(lock, SigHashAll, spend, 0)
	if err != nil {
		t.Fatalf("CalcSignatureHash: %v", err)
	}
	sign := func(k *crypto.PrivateKey) []byte {
		s, err := k.Sign(hash[:])
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return append(s, byte(SigHashAll))
	}

	// Signatures in key order satisfy the predicate (plus the extra pop).
	sigScript := NewBuilder().
		AddOp(OP_0).
		AddData(sign(k1)).
		AddData(sign(k3)).
		Script()
	spend.Inputs[0].ScriptSig = sigScript
	if err := VerifyScript(sigScript, lock, spend, 0); err != nil {
		t.Errorf("2-of-3 multisig failed: %v", err)
	}

	// One signature is not enough.
	short := NewBuilder().AddOp(OP_0).AddData(sign(k2)).Script()
	spend.Inputs[0].ScriptSig = short
	if err := VerifyScript(short, lock, spend, 0); err == nil {
		t.Error("1-of-3 satisfied a 2-of-3 predicate")
	}
}

func TestScriptLimits(t *testing.T) {
	huge := make([]byte, MaxScriptSize+1)
	if _, err := parseScript(huge); !errors.Is(err, ErrScriptTooLarge) {
		t.Errorf("oversized script: %v", err)
	}

	big := NewBuilder().AddData(make([]byte, MaxElementSize+1)).Script()
	if err := runScript(t, big); !errors.Is(err, ErrElementTooLarge) {
		t.Errorf("oversized element: %v", err)
	}

	truncated := []byte{0x4b} // 75-byte push with no data
	if _, err := parseScript(truncated); !errors.Is(err, ErrTruncatedPush) {
		t.Errorf("truncated push: %v", err)
	}
}

func TestSigHashSingleOutOfRange(t *testing.T) {
	spend := spendingTx(types.OutPoint{TxHash: types.Hash{0x14}})
	spend.Outputs = nil
	if _, err := CalcSignatureHash([]byte{OP_1}, SigHashSingle, spend, 0); !errors.Is(err, ErrInvalidSigHash) {
		t.Errorf("err = %v, want ErrInvalidSigHash", err)
	}
}

func TestPushesRejectsNonPush(t *testing.T) {
	if _, err := Pushes([]byte{OP_DUP}); err == nil {
		t.Error("non-push script accepted")
	}
	got, err := Pushes(NewBuilder().AddInt64(3).AddData([]byte{9}).Script())
	if err != nil {
		t.Fatalf("Pushes: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("push count = %d, want 2", len(got))
	}
}
