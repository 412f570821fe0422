package mempool

import (
	"sort"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Template is an ordered transaction selection for a new block, split
// into the free zone and the fee zone.
type Template struct {
	Transactions []*tx.Transaction
	Fees         []types.Amount
	TotalFees    types.Amount
	SizeBytes    int
	FreeZoneSize int
}

// BuildTemplate selects transactions for a block of at most maxBytes
// serialized bytes (excluding the coinbase, which the producer adds).
//
// The first FreeZonePercent of the byte budget is packed with
// free-eligible entries in descending priority; the remainder is packed
// in descending fee-per-byte. Both zones break ties by earlier admission
// and skip entries whose pooled ancestors were not selected, preserving
// topological order.
func (p *Pool) BuildTemplate(maxBytes int) *Template {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*Entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	tpl := &Template{}
	included := make(map[types.Hash]bool)

	// ancestorsIncluded reports whether every pooled parent of an entry
	// has already been selected.
	ancestorsIncluded := func(e *Entry) bool {
		for i := range e.Tx.Inputs {
			op := e.Tx.Inputs[i].PrevOut
			if _, pooled := p.outputs[op]; pooled && !included[op.TxHash] {
				return false
			}
		}
		return true
	}

	appendEntry := func(e *Entry) {
		tpl.Transactions = append(tpl.Transactions, e.Tx)
		tpl.Fees = append(tpl.Fees, e.Fee)
		tpl.TotalFees += e.Fee
		tpl.SizeBytes += e.Size
		included[e.Hash] = true
	}

	// Free zone: high-priority entries regardless of fee.
	freeBudget := maxBytes * config.FreeZonePercent / 100
	free := make([]*Entry, 0)
	for _, e := range entries {
		if e.FreeEligible {
			free = append(free, e)
		}
	}
	sort.Slice(free, func(i, j int) bool {
		if free[i].Priority != free[j].Priority {
			return free[i].Priority > free[j].Priority
		}
		return free[i].seq < free[j].seq
	})
	// Entries are retried across passes so a child deferred only by
	// ordering lands once its parent is in; entries whose ancestors were
	// skipped outright never qualify.
	freeUsed := 0
	for progress := true; progress; {
		progress = false
		for _, e := range free {
			if included[e.Hash] || freeUsed+e.Size > freeBudget {
				continue
			}
			if !ancestorsIncluded(e) {
				continue
			}
			appendEntry(e)
			freeUsed += e.Size
			progress = true
		}
	}
	tpl.FreeZoneSize = freeUsed

	// Fee zone: everything else by fee rate.
	rest := make([]*Entry, 0)
	for _, e := range entries {
		if !included[e.Hash] {
			rest = append(rest, e)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].feePerByte != rest[j].feePerByte {
			return rest[i].feePerByte > rest[j].feePerByte
		}
		return rest[i].seq < rest[j].seq
	})
	for progress := true; progress; {
		progress = false
		for _, e := range rest {
			if included[e.Hash] || tpl.SizeBytes+e.Size > maxBytes {
				continue
			}
			if !ancestorsIncluded(e) {
				continue
			}
			appendEntry(e)
			progress = true
		}
	}

	return tpl
}
