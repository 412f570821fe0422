package script

import (
	"errors"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// SigHashType selects which parts of a transaction a signature commits to.
type SigHashType byte

// Signature hash flags.
const (
	SigHashAll          SigHashType = 0x01
	SigHashNone         SigHashType = 0x02
	SigHashSingle       SigHashType = 0x03
	SigHashAnyOneCanPay SigHashType = 0x80

	sigHashMask = 0x1f
)

// ErrInvalidSigHash is returned for an out-of-range SigHashSingle index.
var ErrInvalidSigHash = errors.New("sighash single index out of range")

// CalcSignatureHash computes the hash a signature over input idx commits
// to: the double-SHA256 of the transaction with the masking rule of the
// given flag applied, followed by the flag itself.
//
// Masking: every input script is cleared and input idx's script is
// replaced by subscript (code separators removed). SigHashNone drops all
// outputs; SigHashSingle keeps only the output paired with idx, blanking
// earlier ones; both release the other inputs' sequence numbers.
// SigHashAnyOneCanPay reduces the input set to input idx alone.
func CalcSignatureHash(subscript []byte, hashType SigHashType, t *tx.Transaction, idx int) (types.Hash, error) {
	if idx < 0 || idx >= len(t.Inputs) {
		return types.Hash{}, errors.New("sighash input index out of range")
	}
	if hashType&sigHashMask == SigHashSingle && idx >= len(t.Outputs) {
		return types.Hash{}, ErrInvalidSigHash
	}

	masked := t.Copy()
	clean := removeCodeSeparators(subscript)
	for i := range masked.Inputs {
		if i == idx {
			masked.Inputs[i].ScriptSig = clean
		} else {
			masked.Inputs[i].ScriptSig = nil
		}
	}

	switch hashType & sigHashMask {
	case SigHashNone:
		masked.Outputs = nil
		for i := range masked.Inputs {
			if i != idx {
				masked.Inputs[i].Sequence = 0
			}
		}
	case SigHashSingle:
		masked.Outputs = masked.Outputs[:idx+1]
		for i := 0; i < idx; i++ {
			masked.Outputs[i].Value = -1
			masked.Outputs[i].ScriptPubKey = nil
		}
		for i := range masked.Inputs {
			if i != idx {
				masked.Inputs[i].Sequence = 0
			}
		}
	}

	if hashType&SigHashAnyOneCanPay != 0 {
		masked.Inputs = masked.Inputs[idx : idx+1]
	}

	w := codec.NewWriter(masked.SerializeSize() + 4)
	masked.Encode(w)
	w.WriteUint32(uint32(hashType))
	return crypto.DoubleSha256(w.Bytes()), nil
}

// SignInput produces the script sig for a P2PKH, P2PK, or stake-lock
// input: a signature over the spent output's locking script plus the
// public key push where the template needs one.
func SignInput(signer crypto.Signer, t *tx.Transaction, idx int, scriptPubKey []byte, hashType SigHashType) ([]byte, error) {
	sigHash, err := CalcSignatureHash(scriptPubKey, hashType, t, idx)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(sigHash[:])
	if err != nil {
		return nil, err
	}
	full := append(append([]byte(nil), sig...), byte(hashType))

	// P2PK and stake-lock scripts embed the key; only the signature is
	// pushed. P2PKH needs the public key as well.
	if _, ok := IsPayToPubKeyHash(scriptPubKey); ok {
		return NewBuilder().AddData(full).AddData(signer.PublicKey()).Script(), nil
	}
	return NewBuilder().AddData(full).Script(), nil
}
