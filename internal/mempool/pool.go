// Package mempool manages pending transactions waiting for block
// inclusion under the hybrid fee policy: a free zone for high-priority
// transactions and a fee-ordered remainder.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists    = errors.New("transaction already in mempool")
	ErrCoinbase         = errors.New("coinbase may not be submitted")
	ErrConflict         = errors.New("transaction double-spends a mempool entry")
	ErrOrphan           = errors.New("transaction spends unknown outputs")
	ErrValidation       = errors.New("transaction failed validation")
	ErrFeeTooLow        = errors.New("transaction fee below minimum")
	ErrImmatureCoinbase = errors.New("transaction spends immature coinbase")
)

// ChainView is the read access the pool needs from the chain.
type ChainView interface {
	Height() uint64
	FetchUTXO(op types.OutPoint) *utxo.UTXO
}

// Entry wraps a pooled transaction with its admission metadata.
type Entry struct {
	Tx           *tx.Transaction
	Hash         types.Hash
	Fee          types.Amount
	Size         int
	Priority     float64
	FreeEligible bool
	Added        time.Time

	// feePerByte orders the fee zone and eviction.
	feePerByte float64
	// seq breaks sort ties by admission order.
	seq uint64
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu    sync.RWMutex
	view  ChainView
	txs   map[types.Hash]*Entry
	// spends indexes every consumed outpoint for conflict detection.
	spends map[types.OutPoint]types.Hash
	// outputs exposes pooled transactions' outputs for chained spends.
	outputs map[types.OutPoint]*utxo.UTXO

	orphans *orphanPool

	totalBytes int
	maxBytes   int
	nextSeq    uint64
	now        func() time.Time
}

// New creates a mempool reading chain state through the given view.
func New(view ChainView) *Pool {
	return &Pool{
		view:     view,
		txs:      make(map[types.Hash]*Entry),
		spends:   make(map[types.OutPoint]types.Hash),
		outputs:  make(map[types.OutPoint]*utxo.UTXO),
		orphans:  newOrphanPool(config.MaxOrphanTxs, config.OrphanTTL),
		maxBytes: config.MaxMempoolBytes,
		now:      time.Now,
	}
}

// SetTimeSource overrides the wall clock for tests.
func (p *Pool) SetTimeSource(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Accept validates a transaction and admits it to the pool. Transactions
// spending outputs that are neither in the UTXO set nor in the pool are
// held as orphans and reported with ErrOrphan.
func (p *Pool) Accept(t *tx.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	accepted, err := p.acceptLocked(t)
	if err != nil {
		return err
	}
	// Admitting a transaction can satisfy waiting orphans; admit those
	// transitively.
	p.promoteOrphansLocked(accepted)
	return nil
}

// acceptLocked runs the admission contract and returns the new entry's
// hash on success.
func (p *Pool) acceptLocked(t *tx.Transaction) (types.Hash, error) {
	hash := t.Hash()

	if _, exists := p.txs[hash]; exists {
		return hash, ErrAlreadyExists
	}
	if err := t.CheckSanity(); err != nil {
		return hash, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if t.IsCoinbase() {
		return hash, ErrCoinbase
	}

	// Conflicts against pooled spends.
	for i := range t.Inputs {
		op := t.Inputs[i].PrevOut
		if prior, spent := p.spends[op]; spent {
			return hash, fmt.Errorf("%w: %s already spent by %s", ErrConflict, op, prior)
		}
	}

	// Resolve inputs against UTXO set plus pooled outputs.
	height := p.view.Height()
	spent := make([]*utxo.UTXO, len(t.Inputs))
	var missing []types.OutPoint
	for i := range t.Inputs {
		op := t.Inputs[i].PrevOut
		if u := p.view.FetchUTXO(op); u != nil {
			if !u.Mature(height+1, config.CoinbaseMaturity) {
				return hash, fmt.Errorf("%w: %s", ErrImmatureCoinbase, op)
			}
			spent[i] = u
			continue
		}
		if u, ok := p.outputs[op]; ok {
			spent[i] = u
			continue
		}
		missing = append(missing, op)
	}
	if len(missing) > 0 {
		p.orphans.add(t, missing, p.now())
		return hash, fmt.Errorf("%w: %s", ErrOrphan, missing[0])
	}

	// Input scripts.
	for i := range t.Inputs {
		if err := script.VerifyScript(t.Inputs[i].ScriptSig, spent[i].ScriptPubKey, t, i); err != nil {
			return hash, fmt.Errorf("%w: input %d: %v", ErrValidation, i, err)
		}
	}

	// Fee and priority score.
	size := t.SerializeSize()
	var inputSum types.Amount
	var weighted float64
	for i, u := range spent {
		inputSum += u.Value
		if !inputSum.Valid() {
			return hash, fmt.Errorf("%w: input sum overflow", ErrValidation)
		}
		var confirmations uint64
		if u.Height <= height && !p.isPooledOutput(t.Inputs[i].PrevOut) {
			confirmations = height - u.Height + 1
		}
		weighted += float64(u.Value) * float64(confirmations)
	}
	outputSum, err := t.TotalOutputValue()
	if err != nil {
		return hash, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if outputSum > inputSum {
		return hash, fmt.Errorf("%w: outputs %d exceed inputs %d", ErrValidation, outputSum, inputSum)
	}
	fee := inputSum - outputSum
	priority := weighted / float64(size)
	freeEligible := priority >= config.FreePriorityThreshold

	// Fee floor, waived for free-eligible entries and under low pressure.
	if !freeEligible && !p.lowPressureLocked() {
		required := config.MinRelayFeePerKB * types.Amount((size+1023)/1024)
		if fee < required {
			return hash, fmt.Errorf("%w: got %d, need %d for %d bytes", ErrFeeTooLow, fee, required, size)
		}
	}

	entry := &Entry{
		Tx:           t,
		Hash:         hash,
		Fee:          fee,
		Size:         size,
		Priority:     priority,
		FreeEligible: freeEligible,
		Added:        p.now(),
		feePerByte:   float64(fee) / float64(size),
		seq:          p.nextSeq,
	}
	p.nextSeq++
	p.insertLocked(entry)
	p.evictLocked()

	log.Mempool.Debug().
		Str("tx", hash.String()).
		Int64("fee", int64(fee)).
		Float64("priority", priority).
		Bool("free", freeEligible).
		Msg("accepted transaction")
	return hash, nil
}

func (p *Pool) insertLocked(e *Entry) {
	p.txs[e.Hash] = e
	p.totalBytes += e.Size
	for i := range e.Tx.Inputs {
		p.spends[e.Tx.Inputs[i].PrevOut] = e.Hash
	}
	for i := range e.Tx.Outputs {
		op := types.OutPoint{TxHash: e.Hash, Index: uint32(i)}
		p.outputs[op] = &utxo.UTXO{
			OutPoint:     op,
			Value:        e.Tx.Outputs[i].Value,
			ScriptPubKey: e.Tx.Outputs[i].ScriptPubKey,
			Height:       p.view.Height() + 1,
		}
	}
}

func (p *Pool) removeLocked(hash types.Hash) {
	e, ok := p.txs[hash]
	if !ok {
		return
	}
	delete(p.txs, hash)
	p.totalBytes -= e.Size
	for i := range e.Tx.Inputs {
		op := e.Tx.Inputs[i].PrevOut
		if p.spends[op] == hash {
			delete(p.spends, op)
		}
	}
	for i := range e.Tx.Outputs {
		delete(p.outputs, types.OutPoint{TxHash: hash, Index: uint32(i)})
	}
}

// removeWithDescendantsLocked removes an entry and every pooled
// transaction that spends its outputs.
func (p *Pool) removeWithDescendantsLocked(hash types.Hash) {
	e, ok := p.txs[hash]
	if !ok {
		return
	}
	for i := range e.Tx.Outputs {
		op := types.OutPoint{TxHash: hash, Index: uint32(i)}
		if child, ok := p.spends[op]; ok {
			p.removeWithDescendantsLocked(child)
		}
	}
	p.removeLocked(hash)
}

func (p *Pool) isPooledOutput(op types.OutPoint) bool {
	_, ok := p.outputs[op]
	return ok
}

// lowPressureLocked reports whether pool utilization is low enough to
// waive the relay fee floor.
func (p *Pool) lowPressureLocked() bool {
	return float64(p.totalBytes) < config.LowPressureRatio*float64(p.maxBytes)
}

// promoteOrphansLocked retries orphans whose missing parent just arrived.
func (p *Pool) promoteOrphansLocked(parent types.Hash) {
	queue := []types.Hash{parent}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, orphan := range p.orphans.take(next) {
			hash, err := p.acceptLocked(orphan)
			if err != nil {
				continue
			}
			queue = append(queue, hash)
		}
	}
}

// RemoveConfirmed drops transactions included in a connected block, along
// with any pooled transactions now conflicting with the block's spends.
func (p *Pool) RemoveConfirmed(txs []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range txs {
		hash := t.Hash()
		p.removeLocked(hash)
		for i := range t.Inputs {
			op := t.Inputs[i].PrevOut
			if conflicting, ok := p.spends[op]; ok {
				p.removeWithDescendantsLocked(conflicting)
			}
		}
		p.orphans.removeByHash(hash)
		// A confirmed transaction can be the parent an orphan waits on.
		p.promoteOrphansLocked(hash)
	}
}

// Readmit retries transactions disconnected by a reorganization. Entries
// that no longer validate are dropped silently.
func (p *Pool) Readmit(txs []*tx.Transaction) {
	for _, t := range txs {
		if err := p.Accept(t); err != nil &&
			!errors.Is(err, ErrAlreadyExists) && !errors.Is(err, ErrOrphan) {
			log.Mempool.Debug().
				Str("tx", t.Hash().String()).
				Err(err).
				Msg("dropped reverted transaction")
		}
	}
}

// evictLocked enforces the pool byte budget (lowest fee rate goes first)
// and expires stale orphans.
func (p *Pool) evictLocked() {
	for p.totalBytes > p.maxBytes {
		var victim *Entry
		for _, e := range p.txs {
			if victim == nil || e.feePerByte < victim.feePerByte {
				victim = e
			}
		}
		if victim == nil {
			return
		}
		log.Mempool.Debug().
			Str("tx", victim.Hash.String()).
			Float64("fee_per_byte", victim.feePerByte).
			Msg("evicted transaction")
		p.removeWithDescendantsLocked(victim.Hash)
	}
	p.orphans.expire(p.now())
}

// Get returns the pooled transaction with the given hash.
func (p *Pool) Get(hash types.Hash) (*tx.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[hash]
	if !ok {
		return nil, false
	}
	return e.Tx, true
}

// Have reports whether the pool holds the transaction, either as an
// admitted entry or as an orphan.
func (p *Pool) Have(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.txs[hash]; ok {
		return true
	}
	return p.orphans.has(hash)
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Bytes returns the total serialized size of pooled transactions.
func (p *Pool) Bytes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalBytes
}

// Hashes returns the hashes of all pooled transactions.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		out = append(out, h)
	}
	return out
}
