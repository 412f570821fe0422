package script

import (
	"bytes"
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/tx"
)

// engine executes one script over a shared stack.
type engine struct {
	stack    [][]byte
	altStack [][]byte
	// condStack tracks nested conditionals: whether each enclosing
	// branch is executing.
	condStack []bool
	opCount   int

	// Signature context.
	tx       *tx.Transaction
	inputIdx int
	// script is the full script currently executing; codeSepOffset marks
	// the byte offset of the last OP_CODESEPARATOR for sighash subscripts.
	script        []byte
	codeSepOffset int
}

// VerifyScript evaluates scriptSig followed by scriptPubKey on a shared
// stack. It succeeds iff execution completes without error and leaves a
// true top-of-stack item.
func VerifyScript(scriptSig, scriptPubKey []byte, t *tx.Transaction, inputIdx int) error {
	e := &engine{tx: t, inputIdx: inputIdx}

	if err := e.execute(scriptSig); err != nil {
		return fmt.Errorf("script sig: %w", err)
	}
	if err := e.execute(scriptPubKey); err != nil {
		return fmt.Errorf("script pubkey: %w", err)
	}

	if len(e.stack) == 0 {
		return ErrEmptyStack
	}
	if !castToBool(e.stack[len(e.stack)-1]) {
		return ErrFalseStack
	}
	return nil
}

// execute runs a single script, sharing stack state with prior scripts.
func (e *engine) execute(script []byte) error {
	ops, err := parseScript(script)
	if err != nil {
		return err
	}
	e.script = script
	e.codeSepOffset = 0
	e.opCount = 0
	e.condStack = e.condStack[:0]

	// Byte offset of each opcode, for OP_CODESEPARATOR tracking.
	offset := 0
	for _, po := range ops {
		opLen := opSerializedLen(po)
		if err := e.step(po, offset); err != nil {
			return fmt.Errorf("%s: %w", OpName(po.op), err)
		}
		offset += opLen
		if len(e.stack)+len(e.altStack) > MaxStackSize {
			return ErrStackOverflow
		}
	}
	if len(e.condStack) != 0 {
		return ErrUnbalancedIf
	}
	return nil
}

// executing reports whether the current conditional branch is live.
func (e *engine) executing() bool {
	for _, c := range e.condStack {
		if !c {
			return false
		}
	}
	return true
}

func (e *engine) step(po parsedOp, offset int) error {
	op := po.op

	// Count non-push opcodes even in skipped branches, like the
	// reference implementation.
	if op > OP_16 {
		e.opCount++
		if e.opCount > MaxOps {
			return ErrTooManyOps
		}
	}

	// Conditionals execute even in skipped branches.
	switch op {
	case OP_IF, OP_NOTIF:
		if !e.executing() {
			e.condStack = append(e.condStack, false)
			return nil
		}
		cond, err := e.popBool()
		if err != nil {
			return err
		}
		if op == OP_NOTIF {
			cond = !cond
		}
		e.condStack = append(e.condStack, cond)
		return nil
	case OP_ELSE:
		if len(e.condStack) == 0 {
			return ErrUnbalancedIf
		}
		e.condStack[len(e.condStack)-1] = !e.condStack[len(e.condStack)-1]
		return nil
	case OP_ENDIF:
		if len(e.condStack) == 0 {
			return ErrUnbalancedIf
		}
		e.condStack = e.condStack[:len(e.condStack)-1]
		return nil
	}

	if !e.executing() {
		return nil
	}

	// Pushes.
	if op == OP_0 {
		e.push(nil)
		return nil
	}
	if (op >= 1 && op <= 0x4b) || op == OP_PUSHDATA1 || op == OP_PUSHDATA2 || op == OP_PUSHDATA4 {
		if len(po.data) > MaxElementSize {
			return fmt.Errorf("%w: %d bytes", ErrElementTooLarge, len(po.data))
		}
		e.push(append([]byte(nil), po.data...))
		return nil
	}
	if op == OP_1NEGATE {
		e.push(encodeNum(-1))
		return nil
	}
	if op >= OP_1 && op <= OP_16 {
		e.push(encodeNum(int64(op - OP_1 + 1)))
		return nil
	}

	switch op {
	case OP_NOP, OP_NOP1, OP_STAKEMARK:
		return nil

	case OP_VERIFY:
		ok, err := e.popBool()
		if err != nil {
			return err
		}
		if !ok {
			return ErrVerifyFailed
		}
		return nil

	case OP_RETURN:
		return ErrEarlyReturn

	case OP_TOALTSTACK:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.altStack = append(e.altStack, v)
		return nil

	case OP_FROMALTSTACK:
		if len(e.altStack) == 0 {
			return ErrStackUnderflow
		}
		e.push(e.altStack[len(e.altStack)-1])
		e.altStack = e.altStack[:len(e.altStack)-1]
		return nil

	case OP_2DROP:
		return e.dropN(2)
	case OP_DROP:
		return e.dropN(1)

	case OP_DUP:
		return e.dupN(1)
	case OP_2DUP:
		return e.dupN(2)
	case OP_3DUP:
		return e.dupN(3)

	case OP_IFDUP:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		if castToBool(v) {
			e.push(append([]byte(nil), v...))
		}
		return nil

	case OP_DEPTH:
		e.push(encodeNum(int64(len(e.stack))))
		return nil

	case OP_NIP:
		if len(e.stack) < 2 {
			return ErrStackUnderflow
		}
		e.stack = append(e.stack[:len(e.stack)-2], e.stack[len(e.stack)-1])
		return nil

	case OP_OVER:
		v, err := e.peek(1)
		if err != nil {
			return err
		}
		e.push(append([]byte(nil), v...))
		return nil

	case OP_2OVER:
		if len(e.stack) < 4 {
			return ErrStackUnderflow
		}
		n := len(e.stack)
		e.push(append([]byte(nil), e.stack[n-4]...))
		e.push(append([]byte(nil), e.stack[n-4+1]...))
		return nil

	case OP_PICK, OP_ROLL:
		nv, err := e.popNum()
		if err != nil {
			return err
		}
		n := int(nv)
		if n < 0 || n >= len(e.stack) {
			return ErrStackUnderflow
		}
		idx := len(e.stack) - 1 - n
		v := e.stack[idx]
		if op == OP_ROLL {
			e.stack = append(e.stack[:idx], e.stack[idx+1:]...)
			e.push(v)
		} else {
			e.push(append([]byte(nil), v...))
		}
		return nil

	case OP_ROT:
		if len(e.stack) < 3 {
			return ErrStackUnderflow
		}
		n := len(e.stack)
		e.stack[n-3], e.stack[n-2], e.stack[n-1] = e.stack[n-2], e.stack[n-1], e.stack[n-3]
		return nil

	case OP_2ROT:
		if len(e.stack) < 6 {
			return ErrStackUnderflow
		}
		n := len(e.stack)
		rotated := [][]byte{
			e.stack[n-4], e.stack[n-3], e.stack[n-2], e.stack[n-1],
			e.stack[n-6], e.stack[n-5],
		}
		copy(e.stack[n-6:], rotated)
		return nil

	case OP_SWAP:
		if len(e.stack) < 2 {
			return ErrStackUnderflow
		}
		n := len(e.stack)
		e.stack[n-2], e.stack[n-1] = e.stack[n-1], e.stack[n-2]
		return nil

	case OP_2SWAP:
		if len(e.stack) < 4 {
			return ErrStackUnderflow
		}
		n := len(e.stack)
		e.stack[n-4], e.stack[n-3], e.stack[n-2], e.stack[n-1] =
			e.stack[n-2], e.stack[n-1], e.stack[n-4], e.stack[n-3]
		return nil

	case OP_TUCK:
		if len(e.stack) < 2 {
			return ErrStackUnderflow
		}
		n := len(e.stack)
		top := append([]byte(nil), e.stack[n-1]...)
		e.stack = append(e.stack, nil)
		copy(e.stack[n-1:], e.stack[n-2:])
		e.stack[n-2] = top
		return nil

	case OP_SIZE:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		e.push(encodeNum(int64(len(v))))
		return nil

	case OP_EQUAL, OP_EQUALVERIFY:
		a, err := e.pop()
		if err != nil {
			return err
		}
		b, err := e.pop()
		if err != nil {
			return err
		}
		eq := bytes.Equal(a, b)
		if op == OP_EQUALVERIFY {
			if !eq {
				return ErrVerifyFailed
			}
			return nil
		}
		e.pushBool(eq)
		return nil

	case OP_1ADD, OP_1SUB, OP_NEGATE, OP_ABS, OP_NOT, OP_0NOTEQUAL:
		v, err := e.popNum()
		if err != nil {
			return err
		}
		switch op {
		case OP_1ADD:
			v++
		case OP_1SUB:
			v--
		case OP_NEGATE:
			v = -v
		case OP_ABS:
			if v < 0 {
				v = -v
			}
		case OP_NOT:
			if v == 0 {
				v = 1
			} else {
				v = 0
			}
		case OP_0NOTEQUAL:
			if v != 0 {
				v = 1
			}
		}
		e.push(encodeNum(v))
		return nil

	case OP_ADD, OP_SUB, OP_BOOLAND, OP_BOOLOR, OP_NUMEQUAL, OP_NUMEQUALVERIFY,
		OP_NUMNOTEQUAL, OP_LESSTHAN, OP_GREATERTHAN, OP_LESSTHANOREQUAL,
		OP_GREATERTHANOREQUAL, OP_MIN, OP_MAX:
		b, err := e.popNum()
		if err != nil {
			return err
		}
		a, err := e.popNum()
		if err != nil {
			return err
		}
		var out int64
		switch op {
		case OP_ADD:
			out = a + b
		case OP_SUB:
			out = a - b
		case OP_BOOLAND:
			out = boolNum(a != 0 && b != 0)
		case OP_BOOLOR:
			out = boolNum(a != 0 || b != 0)
		case OP_NUMEQUAL, OP_NUMEQUALVERIFY:
			out = boolNum(a == b)
		case OP_NUMNOTEQUAL:
			out = boolNum(a != b)
		case OP_LESSTHAN:
			out = boolNum(a < b)
		case OP_GREATERTHAN:
			out = boolNum(a > b)
		case OP_LESSTHANOREQUAL:
			out = boolNum(a <= b)
		case OP_GREATERTHANOREQUAL:
			out = boolNum(a >= b)
		case OP_MIN:
			out = a
			if b < a {
				out = b
			}
		case OP_MAX:
			out = a
			if b > a {
				out = b
			}
		}
		if op == OP_NUMEQUALVERIFY {
			if out == 0 {
				return ErrVerifyFailed
			}
			return nil
		}
		e.push(encodeNum(out))
		return nil

	case OP_WITHIN:
		max, err := e.popNum()
		if err != nil {
			return err
		}
		min, err := e.popNum()
		if err != nil {
			return err
		}
		v, err := e.popNum()
		if err != nil {
			return err
		}
		e.pushBool(v >= min && v < max)
		return nil

	case OP_RIPEMD160:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(crypto.Ripemd160(v))
		return nil

	case OP_SHA256:
		v, err := e.pop()
		if err != nil {
			return err
		}
		h := crypto.Sha256(v)
		e.push(h[:])
		return nil

	case OP_HASH160:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(crypto.Hash160(v))
		return nil

	case OP_HASH256:
		v, err := e.pop()
		if err != nil {
			return err
		}
		h := crypto.DoubleSha256(v)
		e.push(h[:])
		return nil

	case OP_CODESEPARATOR:
		e.codeSepOffset = offset + 1
		return nil

	case OP_CHECKSIG, OP_CHECKSIGVERIFY:
		pubKey, err := e.pop()
		if err != nil {
			return err
		}
		sig, err := e.pop()
		if err != nil {
			return err
		}
		ok := e.checkSig(sig, pubKey)
		if op == OP_CHECKSIGVERIFY {
			if !ok {
				return ErrVerifyFailed
			}
			return nil
		}
		e.pushBool(ok)
		return nil

	case OP_CHECKMULTISIG, OP_CHECKMULTISIGVERIFY:
		ok, err := e.checkMultiSig()
		if err != nil {
			return err
		}
		if op == OP_CHECKMULTISIGVERIFY {
			if !ok {
				return ErrVerifyFailed
			}
			return nil
		}
		e.pushBool(ok)
		return nil
	}

	return ErrBadOpcode
}

// checkSig verifies one signature (with trailing hash type byte) against a
// public key, using the executing script from the last code separator as
// the sighash subscript.
func (e *engine) checkSig(sig, pubKey []byte) bool {
	if len(sig) < 2 || e.tx == nil {
		return false
	}
	hashType := SigHashType(sig[len(sig)-1])
	der := sig[:len(sig)-1]

	subscript := e.script[e.codeSepOffset:]
	sigHash, err := CalcSignatureHash(subscript, hashType, e.tx, e.inputIdx)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(sigHash[:], der, pubKey)
}

// checkMultiSig implements the m-of-n signature check, including the
// historical extra pop.
func (e *engine) checkMultiSig() (bool, error) {
	nKeys, err := e.popNum()
	if err != nil {
		return false, err
	}
	if nKeys < 0 || nKeys > MaxMultisigKeys {
		return false, ErrPubKeyCount
	}
	keys := make([][]byte, nKeys)
	for i := int(nKeys) - 1; i >= 0; i-- {
		keys[i], err = e.pop()
		if err != nil {
			return false, err
		}
	}

	nSigs, err := e.popNum()
	if err != nil {
		return false, err
	}
	if nSigs < 0 || nSigs > nKeys {
		return false, ErrSigCount
	}
	sigs := make([][]byte, nSigs)
	for i := int(nSigs) - 1; i >= 0; i-- {
		sigs[i], err = e.pop()
		if err != nil {
			return false, err
		}
	}

	// The reference implementation pops one extra item.
	if _, err := e.pop(); err != nil {
		return false, err
	}

	// Each signature must match a key; keys are consumed in order.
	keyIdx := 0
	for _, sig := range sigs {
		matched := false
		for keyIdx < len(keys) {
			if e.checkSig(sig, keys[keyIdx]) {
				matched = true
				keyIdx++
				break
			}
			keyIdx++
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (e *engine) push(v []byte) {
	e.stack = append(e.stack, v)
}

func (e *engine) pushBool(b bool) {
	if b {
		e.push(encodeNum(1))
	} else {
		e.push(nil)
	}
}

func (e *engine) pop() ([]byte, error) {
	if len(e.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *engine) popBool() (bool, error) {
	v, err := e.pop()
	if err != nil {
		return false, err
	}
	return castToBool(v), nil
}

func (e *engine) popNum() (int64, error) {
	v, err := e.pop()
	if err != nil {
		return 0, err
	}
	return decodeNum(v)
}

func (e *engine) peek(depth int) ([]byte, error) {
	if len(e.stack) <= depth {
		return nil, ErrStackUnderflow
	}
	return e.stack[len(e.stack)-1-depth], nil
}

func (e *engine) dropN(n int) error {
	if len(e.stack) < n {
		return ErrStackUnderflow
	}
	e.stack = e.stack[:len(e.stack)-n]
	return nil
}

func (e *engine) dupN(n int) error {
	if len(e.stack) < n {
		return ErrStackUnderflow
	}
	base := len(e.stack) - n
	for i := 0; i < n; i++ {
		e.push(append([]byte(nil), e.stack[base+i]...))
	}
	return nil
}

// castToBool treats an item as false if it is empty or all zero bytes
// (allowing a final negative-zero 0x80).
func castToBool(v []byte) bool {
	for i, c := range v {
		if c != 0 {
			if i == len(v)-1 && c == 0x80 {
				return false
			}
			return true
		}
	}
	return false
}

func boolNum(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// opSerializedLen returns the byte length of a parsed opcode in its
// original script.
func opSerializedLen(po parsedOp) int {
	switch {
	case po.op >= 1 && po.op <= 0x4b:
		return 1 + len(po.data)
	case po.op == OP_PUSHDATA1:
		return 2 + len(po.data)
	case po.op == OP_PUSHDATA2:
		return 3 + len(po.data)
	case po.op == OP_PUSHDATA4:
		return 5 + len(po.data)
	default:
		return 1
	}
}
