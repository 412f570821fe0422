package mempool

import (
	"errors"
	"testing"
	"time"

	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// fakeChain is an in-memory ChainView for pool tests.
type fakeChain struct {
	height uint64
	utxos  map[types.OutPoint]*utxo.UTXO
}

func newFakeChain(height uint64) *fakeChain {
	return &fakeChain{height: height, utxos: make(map[types.OutPoint]*utxo.UTXO)}
}

func (f *fakeChain) Height() uint64 {
	return f.height
}

func (f *fakeChain) FetchUTXO(op types.OutPoint) *utxo.UTXO {
	return f.utxos[op]
}

func (f *fakeChain) add(op types.OutPoint, value types.Amount, lock []byte, height uint64) {
	f.utxos[op] = &utxo.UTXO{
		OutPoint:     op,
		Value:        value,
		ScriptPubKey: lock,
		Height:       height,
	}
}

// buildTx creates a signed P2PKH transaction spending the given outpoints.
func buildTx(t *testing.T, key *crypto.PrivateKey, prevOuts []types.OutPoint, lock []byte, outValue types.Amount) *tx.Transaction {
	t.Helper()

	transaction := &tx.Transaction{Version: 1}
	for _, op := range prevOuts {
		transaction.Inputs = append(transaction.Inputs, tx.TxIn{
			PrevOut:  op,
			Sequence: tx.MaxSequence,
		})
	}
	transaction.Outputs = []tx.TxOut{{
		Value:        outValue,
		ScriptPubKey: script.PayToPubKeyHash(crypto.AddressFromPubKey(key.PublicKey())),
	}}

	for i := range transaction.Inputs {
		sig, err := script.SignInput(key, transaction, i, lock, script.SigHashAll)
		if err != nil {
			t.Fatalf("SignInput: %v", err)
		}
		transaction.Inputs[i].ScriptSig = sig
	}
	return transaction
}

// harness builds a pool over a fake chain with one funded key.
func harness(t *testing.T, height uint64) (*Pool, *fakeChain, *crypto.PrivateKey, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	lock := script.PayToPubKeyHash(crypto.AddressFromPubKey(key.PublicKey()))
	chain := newFakeChain(height)
	return New(chain), chain, key, lock
}

func TestAcceptAndFee(t *testing.T) {
	pool, chain, key, lock := harness(t, 10)
	prev := types.OutPoint{TxHash: types.Hash{0x01}, Index: 0}
	chain.add(prev, 5*types.Coin, lock, 9)

	transaction := buildTx(t, key, []types.OutPoint{prev}, lock, 4*types.Coin)
	if err := pool.Accept(transaction); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if pool.Count() != 1 {
		t.Errorf("count = %d, want 1", pool.Count())
	}

	// 5 coins in, 4 coins out.
	pool.mu.RLock()
	fee := pool.txs[transaction.Hash()].Fee
	pool.mu.RUnlock()
	if fee != types.Coin {
		t.Errorf("fee = %d, want %d", fee, types.Coin)
	}

	if err := pool.Accept(transaction); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate accept: %v", err)
	}
}

func TestRejectCoinbase(t *testing.T) {
	pool, _, _, _ := harness(t, 10)
	coinbase := &tx.Transaction{
		Inputs:  []tx.TxIn{{PrevOut: types.NullOutPoint(), ScriptSig: []byte{0x01, 0x02}}},
		Outputs: []tx.TxOut{{Value: types.Coin, ScriptPubKey: []byte{0xac}}},
	}
	if err := pool.Accept(coinbase); !errors.Is(err, ErrCoinbase) {
		t.Errorf("coinbase accept: %v", err)
	}
}

func TestDoubleSpendConflict(t *testing.T) {
	pool, chain, key, lock := harness(t, 10)
	shared := types.OutPoint{TxHash: types.Hash{0x02}, Index: 0}
	chain.add(shared, 5*types.Coin, lock, 9)

	txA := buildTx(t, key, []types.OutPoint{shared}, lock, 4*types.Coin)
	txB := buildTx(t, key, []types.OutPoint{shared}, lock, 3*types.Coin)

	if err := pool.Accept(txA); err != nil {
		t.Fatalf("Accept txA: %v", err)
	}
	if err := pool.Accept(txB); !errors.Is(err, ErrConflict) {
		t.Errorf("conflicting accept: %v", err)
	}
	if !pool.Have(txA.Hash()) || pool.Have(txB.Hash()) {
		t.Error("pool contents wrong after conflict")
	}
}

func TestOrphanPromotion(t *testing.T) {
	pool, chain, key, lock := harness(t, 10)
	funded := types.OutPoint{TxHash: types.Hash{0x03}, Index: 0}
	chain.add(funded, 5*types.Coin, lock, 9)

	parent := buildTx(t, key, []types.OutPoint{funded}, lock, 4*types.Coin)
	child := buildTx(t, key,
		[]types.OutPoint{{TxHash: parent.Hash(), Index: 0}}, lock, 3*types.Coin)

	// Child first: held as orphan.
	if err := pool.Accept(child); !errors.Is(err, ErrOrphan) {
		t.Fatalf("orphan accept: %v", err)
	}
	if pool.Count() != 0 {
		t.Errorf("orphan counted as pooled")
	}
	if !pool.Have(child.Hash()) {
		t.Error("orphan not tracked")
	}

	// Parent arrival promotes the child.
	if err := pool.Accept(parent); err != nil {
		t.Fatalf("Accept parent: %v", err)
	}
	if pool.Count() != 2 {
		t.Errorf("count = %d after promotion, want 2", pool.Count())
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	pool, chain, key, lock := harness(t, 10)
	prev := types.OutPoint{TxHash: types.Hash{0x04}, Index: 0}
	chain.add(prev, 5*types.Coin, lock, 9)

	transaction := buildTx(t, key, []types.OutPoint{prev}, lock, 4*types.Coin)
	transaction.Outputs[0].Value = 3 * types.Coin // Invalidate the signature.
	if err := pool.Accept(transaction); !errors.Is(err, ErrValidation) {
		t.Errorf("tampered accept: %v", err)
	}
}

func TestRemoveConfirmedDropsConflicts(t *testing.T) {
	pool, chain, key, lock := harness(t, 10)
	shared := types.OutPoint{TxHash: types.Hash{0x05}, Index: 0}
	chain.add(shared, 5*types.Coin, lock, 9)

	pooled := buildTx(t, key, []types.OutPoint{shared}, lock, 4*types.Coin)
	if err := pool.Accept(pooled); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// A block confirms a different spend of the same outpoint.
	confirmed := buildTx(t, key, []types.OutPoint{shared}, lock, 3*types.Coin)
	pool.RemoveConfirmed([]*tx.Transaction{confirmed})

	if pool.Count() != 0 {
		t.Errorf("conflicting entry survived confirmation")
	}
}

func TestFreeEligibility(t *testing.T) {
	// 100 coins with 10 confirmations clears the free threshold for a
	// small transaction.
	pool, chain, key, lock := harness(t, 10)
	prev := types.OutPoint{TxHash: types.Hash{0x06}, Index: 0}
	chain.add(prev, 100*types.Coin, lock, 1)

	// Zero fee: outputs equal inputs.
	free := buildTx(t, key, []types.OutPoint{prev}, lock, 100*types.Coin)
	if err := pool.Accept(free); err != nil {
		t.Fatalf("free accept: %v", err)
	}

	pool.mu.RLock()
	entry := pool.txs[free.Hash()]
	pool.mu.RUnlock()
	if !entry.FreeEligible {
		t.Errorf("priority %f not marked free-eligible", entry.Priority)
	}
	if entry.Fee != 0 {
		t.Errorf("fee = %d, want 0", entry.Fee)
	}
}

func TestFeeFloorUnderPressure(t *testing.T) {
	pool, chain, key, lock := harness(t, 10)
	// Pretend the pool already carries enough bytes that the
	// low-pressure waiver does not apply.
	pool.maxBytes = 100
	pool.totalBytes = 50

	prev := types.OutPoint{TxHash: types.Hash{0x07}, Index: 0}
	chain.add(prev, types.Coin, lock, 10) // 1 confirmation: low priority.

	zeroFee := buildTx(t, key, []types.OutPoint{prev}, lock, types.Coin)
	if err := pool.Accept(zeroFee); !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("zero-fee accept under pressure: %v", err)
	}
}

func TestTemplateZones(t *testing.T) {
	pool, chain, key, lock := harness(t, 100)

	// One free-eligible transaction: old, large-value input, no fee.
	freePrev := types.OutPoint{TxHash: types.Hash{0x08}, Index: 0}
	chain.add(freePrev, 1000*types.Coin, lock, 1)
	freeTx := buildTx(t, key, []types.OutPoint{freePrev}, lock, 1000*types.Coin)

	// Two fee-paying transactions with different rates.
	lowPrev := types.OutPoint{TxHash: types.Hash{0x09}, Index: 0}
	chain.add(lowPrev, types.Coin, lock, 100)
	lowFee := buildTx(t, key, []types.OutPoint{lowPrev}, lock, types.Coin-1000)

	highPrev := types.OutPoint{TxHash: types.Hash{0x0A}, Index: 0}
	chain.add(highPrev, types.Coin, lock, 100)
	highFee := buildTx(t, key, []types.OutPoint{highPrev}, lock, types.Coin-50_000)

	for _, transaction := range []*tx.Transaction{freeTx, lowFee, highFee} {
		if err := pool.Accept(transaction); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	const maxBytes = 100_000
	tpl := pool.BuildTemplate(maxBytes)

	if len(tpl.Transactions) != 3 {
		t.Fatalf("template has %d txs, want 3", len(tpl.Transactions))
	}
	// Free zone leads, then fee-ordered.
	if tpl.Transactions[0].Hash() != freeTx.Hash() {
		t.Error("free-eligible tx not first in template")
	}
	if tpl.Transactions[1].Hash() != highFee.Hash() {
		t.Error("fee zone not ordered by fee rate")
	}
	if tpl.FreeZoneSize > maxBytes*5/100 {
		t.Errorf("free zone %d exceeds 5%% of %d", tpl.FreeZoneSize, maxBytes)
	}
}

func TestTemplateTopologicalOrder(t *testing.T) {
	pool, chain, key, lock := harness(t, 100)

	funded := types.OutPoint{TxHash: types.Hash{0x0B}, Index: 0}
	chain.add(funded, types.Coin, lock, 99)
	parent := buildTx(t, key, []types.OutPoint{funded}, lock, types.Coin-10_000)
	child := buildTx(t, key,
		[]types.OutPoint{{TxHash: parent.Hash(), Index: 0}}, lock, types.Coin-100_000)

	if err := pool.Accept(parent); err != nil {
		t.Fatalf("Accept parent: %v", err)
	}
	if err := pool.Accept(child); err != nil {
		t.Fatalf("Accept child: %v", err)
	}

	tpl := pool.BuildTemplate(1_000_000)
	seen := make(map[types.Hash]int)
	for i, transaction := range tpl.Transactions {
		seen[transaction.Hash()] = i
	}
	pi, ok1 := seen[parent.Hash()]
	ci, ok2 := seen[child.Hash()]
	if !ok1 || !ok2 {
		t.Fatal("template missing parent or child")
	}
	if pi > ci {
		t.Error("child precedes parent in template")
	}
}

func TestOrphanExpiry(t *testing.T) {
	pool, _, key, lock := harness(t, 10)

	now := time.Now()
	pool.SetTimeSource(func() time.Time { return now })

	orphan := buildTx(t, key,
		[]types.OutPoint{{TxHash: types.Hash{0x0C}, Index: 0}}, lock, types.Coin)
	if err := pool.Accept(orphan); !errors.Is(err, ErrOrphan) {
		t.Fatalf("orphan accept: %v", err)
	}
	if !pool.Have(orphan.Hash()) {
		t.Fatal("orphan not tracked")
	}

	// After the TTL, any eviction pass clears it.
	now = now.Add(21 * time.Minute)
	pool.mu.Lock()
	pool.evictLocked()
	pool.mu.Unlock()
	if pool.Have(orphan.Hash()) {
		t.Error("expired orphan still tracked")
	}
}
