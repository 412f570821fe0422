package script

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Script size and execution limits.
const (
	// MaxScriptSize is the maximum length of a single script.
	MaxScriptSize = 10_000

	// MaxElementSize is the maximum length of a pushed stack item.
	MaxElementSize = 520

	// MaxOps is the maximum number of non-push opcodes per script.
	MaxOps = 201

	// MaxStackSize bounds the combined data and alt stack depth.
	MaxStackSize = 1000

	// MaxMultisigKeys is the maximum key count for OP_CHECKMULTISIG.
	MaxMultisigKeys = 20
)

// Script errors.
var (
	ErrScriptTooLarge  = errors.New("script exceeds maximum size")
	ErrElementTooLarge = errors.New("pushed element exceeds maximum size")
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrStackOverflow   = errors.New("stack overflow")
	ErrBadOpcode       = errors.New("unknown or disabled opcode")
	ErrTooManyOps      = errors.New("too many opcodes")
	ErrUnbalancedIf    = errors.New("unbalanced conditional")
	ErrEarlyReturn     = errors.New("script returned early")
	ErrVerifyFailed    = errors.New("verify failed")
	ErrFalseStack      = errors.New("script finished with false top of stack")
	ErrEmptyStack      = errors.New("script finished with empty stack")
	ErrNumberTooLarge  = errors.New("numeric operand too large")
	ErrSigCount        = errors.New("invalid signature count")
	ErrPubKeyCount     = errors.New("invalid public key count")
	ErrTruncatedPush   = errors.New("push past end of script")
)

// Builder assembles scripts opcode by opcode.
type Builder struct {
	script []byte
}

// NewBuilder returns an empty script builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddOp appends a bare opcode.
func (b *Builder) AddOp(op byte) *Builder {
	b.script = append(b.script, op)
	return b
}

// AddData appends the minimal push of the given data.
func (b *Builder) AddData(data []byte) *Builder {
	n := len(data)
	switch {
	case n == 0:
		b.script = append(b.script, OP_0)
		return b
	case n == 1 && data[0] >= 1 && data[0] <= 16:
		b.script = append(b.script, OP_1+data[0]-1)
		return b
	case n <= 0x4b:
		b.script = append(b.script, byte(n))
	case n <= 0xFF:
		b.script = append(b.script, OP_PUSHDATA1, byte(n))
	case n <= 0xFFFF:
		b.script = append(b.script, OP_PUSHDATA2, byte(n), byte(n>>8))
	default:
		b.script = append(b.script, OP_PUSHDATA4,
			byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	}
	b.script = append(b.script, data...)
	return b
}

// AddInt64 appends the minimal push of a script number.
func (b *Builder) AddInt64(v int64) *Builder {
	if v == 0 {
		return b.AddOp(OP_0)
	}
	if v == -1 {
		return b.AddOp(OP_1NEGATE)
	}
	if v >= 1 && v <= 16 {
		return b.AddOp(OP_1 + byte(v-1))
	}
	return b.AddData(encodeNum(v))
}

// Script returns the assembled script.
func (b *Builder) Script() []byte {
	return b.script
}

// PayToPubKeyHash builds the standard P2PKH locking script:
// OP_DUP OP_HASH160 <addr> OP_EQUALVERIFY OP_CHECKSIG.
func PayToPubKeyHash(addr types.Address) []byte {
	return NewBuilder().
		AddOp(OP_DUP).
		AddOp(OP_HASH160).
		AddData(addr[:]).
		AddOp(OP_EQUALVERIFY).
		AddOp(OP_CHECKSIG).
		Script()
}

// PayToPubKey builds the P2PK locking script: <pubkey> OP_CHECKSIG.
func PayToPubKey(pubKey []byte) []byte {
	return NewBuilder().AddData(pubKey).AddOp(OP_CHECKSIG).Script()
}

// StakeLock builds a stake-locking script:
// OP_STAKEMARK <pubkey33> OP_CHECKSIG.
// The marker lets the chain recognize participation stakes while leaving
// the output spendable by the staked key (withdrawing the stake).
func StakeLock(pubKey []byte) []byte {
	return NewBuilder().
		AddOp(OP_STAKEMARK).
		AddData(pubKey).
		AddOp(OP_CHECKSIG).
		Script()
}

// IsStakeLock reports whether the script is a stake lock and returns the
// staked compressed public key.
func IsStakeLock(script []byte) ([]byte, bool) {
	if len(script) == 36 && script[0] == OP_STAKEMARK && script[1] == 33 &&
		script[35] == OP_CHECKSIG {
		return script[2:35], true
	}
	return nil, false
}

// IsPayToPubKeyHash reports whether the script is the standard P2PKH form
// and returns the embedded address.
func IsPayToPubKeyHash(script []byte) (types.Address, bool) {
	if len(script) == 25 && script[0] == OP_DUP && script[1] == OP_HASH160 &&
		script[2] == 20 && script[23] == OP_EQUALVERIFY && script[24] == OP_CHECKSIG {
		var addr types.Address
		copy(addr[:], script[3:23])
		return addr, true
	}
	return types.Address{}, false
}

// ExtractAddress returns the payee address of a standard script, deriving
// it from the public key for P2PK and stake-lock forms.
func ExtractAddress(script []byte) (types.Address, bool) {
	if addr, ok := IsPayToPubKeyHash(script); ok {
		return addr, true
	}
	if pk, ok := IsStakeLock(script); ok {
		return crypto.AddressFromPubKey(pk), true
	}
	// P2PK: <pubkey33> OP_CHECKSIG.
	if len(script) == 35 && script[0] == 33 && script[34] == OP_CHECKSIG {
		return crypto.AddressFromPubKey(script[1:34]), true
	}
	return types.Address{}, false
}

// SignatureScript builds the unlocking script <sig+hashtype> <pubkey>
// for P2PKH and stake-lock outputs.
func SignatureScript(sig []byte, hashType SigHashType, pubKey []byte) []byte {
	full := make([]byte, 0, len(sig)+1)
	full = append(full, sig...)
	full = append(full, byte(hashType))
	return NewBuilder().AddData(full).AddData(pubKey).Script()
}

// Pushes returns the data of every push in a push-only script. Small
// integer opcodes (OP_0..OP_16, OP_1NEGATE) count as pushes of their
// numeric encoding; any other opcode is an error.
func Pushes(s []byte) ([][]byte, error) {
	ops, err := parseScript(s)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(ops))
	for _, po := range ops {
		switch {
		case po.op == OP_0:
			out = append(out, nil)
		case po.op >= 1 && po.op <= 0x4b,
			po.op == OP_PUSHDATA1, po.op == OP_PUSHDATA2, po.op == OP_PUSHDATA4:
			out = append(out, append([]byte(nil), po.data...))
		case po.op == OP_1NEGATE:
			out = append(out, encodeNum(-1))
		case po.op >= OP_1 && po.op <= OP_16:
			out = append(out, encodeNum(int64(po.op-OP_1+1)))
		default:
			return nil, fmt.Errorf("%w: non-push opcode %s", ErrBadOpcode, OpName(po.op))
		}
	}
	return out, nil
}

// AsNumber decodes a pushed item as a script number, allowing the wider
// 8-byte range used for height pushes.
func AsNumber(b []byte) (int64, error) {
	if len(b) > 8 {
		return 0, ErrNumberTooLarge
	}
	if len(b) == 0 {
		return 0, nil
	}
	var v int64
	for i, c := range b {
		v |= int64(c) << (8 * i)
	}
	if b[len(b)-1]&0x80 != 0 {
		v &^= int64(0x80) << (8 * (len(b) - 1))
		v = -v
	}
	return v, nil
}

// parsedOp is one decoded opcode with its push data, if any.
type parsedOp struct {
	op   byte
	data []byte
}

// parseScript decodes a script into opcodes, validating push lengths.
func parseScript(script []byte) ([]parsedOp, error) {
	if len(script) > MaxScriptSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrScriptTooLarge, len(script))
	}
	var ops []parsedOp
	for i := 0; i < len(script); {
		op := script[i]
		i++
		switch {
		case op >= 1 && op <= 0x4b:
			if i+int(op) > len(script) {
				return nil, ErrTruncatedPush
			}
			ops = append(ops, parsedOp{op: op, data: script[i : i+int(op)]})
			i += int(op)
		case op == OP_PUSHDATA1:
			if i >= len(script) {
				return nil, ErrTruncatedPush
			}
			n := int(script[i])
			i++
			if i+n > len(script) {
				return nil, ErrTruncatedPush
			}
			ops = append(ops, parsedOp{op: op, data: script[i : i+n]})
			i += n
		case op == OP_PUSHDATA2:
			if i+2 > len(script) {
				return nil, ErrTruncatedPush
			}
			n := int(script[i]) | int(script[i+1])<<8
			i += 2
			if i+n > len(script) {
				return nil, ErrTruncatedPush
			}
			ops = append(ops, parsedOp{op: op, data: script[i : i+n]})
			i += n
		case op == OP_PUSHDATA4:
			if i+4 > len(script) {
				return nil, ErrTruncatedPush
			}
			n := int(script[i]) | int(script[i+1])<<8 | int(script[i+2])<<16 | int(script[i+3])<<24
			i += 4
			if n < 0 || i+n > len(script) {
				return nil, ErrTruncatedPush
			}
			ops = append(ops, parsedOp{op: op, data: script[i : i+n]})
			i += n
		default:
			ops = append(ops, parsedOp{op: op})
		}
	}
	return ops, nil
}

// removeCodeSeparators strips OP_CODESEPARATOR from a script for sighash
// computation.
func removeCodeSeparators(script []byte) []byte {
	ops, err := parseScript(script)
	if err != nil {
		return script
	}
	out := make([]byte, 0, len(script))
	for _, po := range ops {
		if po.op == OP_CODESEPARATOR {
			continue
		}
		out = appendOp(out, po)
	}
	return out
}

// appendOp re-serializes a parsed opcode.
func appendOp(dst []byte, po parsedOp) []byte {
	dst = append(dst, po.op)
	switch {
	case po.op >= 1 && po.op <= 0x4b:
		dst = append(dst, po.data...)
	case po.op == OP_PUSHDATA1:
		dst = append(dst, byte(len(po.data)))
		dst = append(dst, po.data...)
	case po.op == OP_PUSHDATA2:
		n := len(po.data)
		dst = append(dst, byte(n), byte(n>>8))
		dst = append(dst, po.data...)
	case po.op == OP_PUSHDATA4:
		n := len(po.data)
		dst = append(dst, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
		dst = append(dst, po.data...)
	}
	return dst
}

// encodeNum serializes a script number in little-endian sign-magnitude form.
func encodeNum(v int64) []byte {
	if v == 0 {
		return nil
	}
	neg := v < 0
	abs := v
	if neg {
		abs = -v
	}
	var out []byte
	for abs > 0 {
		out = append(out, byte(abs&0xff))
		abs >>= 8
	}
	if out[len(out)-1]&0x80 != 0 {
		if neg {
			out = append(out, 0x80)
		} else {
			out = append(out, 0x00)
		}
	} else if neg {
		out[len(out)-1] |= 0x80
	}
	return out
}

// decodeNum parses a script number, limited to 4 bytes of input.
func decodeNum(b []byte) (int64, error) {
	if len(b) > 4 {
		return 0, ErrNumberTooLarge
	}
	if len(b) == 0 {
		return 0, nil
	}
	var v int64
	for i, c := range b {
		v |= int64(c) << (8 * i)
	}
	// Clear and apply the sign bit of the most significant byte.
	if b[len(b)-1]&0x80 != 0 {
		v &^= int64(0x80) << (8 * (len(b) - 1))
		v = -v
	}
	return v, nil
}
