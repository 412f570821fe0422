package mempool

import (
	"time"

	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// orphanPool holds transactions whose inputs reference unknown outputs,
// keyed by the transaction hash each one is waiting for. Bounded by count
// and by age.
type orphanPool struct {
	// byParent maps a missing parent tx hash to the orphans waiting on it.
	byParent map[types.Hash][]*orphanEntry
	byHash   map[types.Hash]*orphanEntry
	max      int
	ttl      time.Duration
	// order tracks insertion for FIFO eviction.
	order []types.Hash
}

type orphanEntry struct {
	tx      *tx.Transaction
	hash    types.Hash
	parents []types.Hash
	added   time.Time
}

func newOrphanPool(max int, ttl time.Duration) *orphanPool {
	return &orphanPool{
		byParent: make(map[types.Hash][]*orphanEntry),
		byHash:   make(map[types.Hash]*orphanEntry),
		max:      max,
		ttl:      ttl,
	}
}

// add holds an orphan waiting on the given missing outpoints.
func (o *orphanPool) add(t *tx.Transaction, missing []types.OutPoint, now time.Time) {
	hash := t.Hash()
	if _, dup := o.byHash[hash]; dup {
		return
	}

	seen := make(map[types.Hash]bool)
	entry := &orphanEntry{tx: t, hash: hash, added: now}
	for _, op := range missing {
		if !seen[op.TxHash] {
			seen[op.TxHash] = true
			entry.parents = append(entry.parents, op.TxHash)
		}
	}

	o.byHash[hash] = entry
	o.order = append(o.order, hash)
	for _, parent := range entry.parents {
		o.byParent[parent] = append(o.byParent[parent], entry)
	}

	for len(o.byHash) > o.max {
		oldest := o.order[0]
		o.order = o.order[1:]
		o.removeByHash(oldest)
	}
}

// take removes and returns the orphans waiting on the given parent.
func (o *orphanPool) take(parent types.Hash) []*tx.Transaction {
	entries := o.byParent[parent]
	if len(entries) == 0 {
		return nil
	}
	var out []*tx.Transaction
	for _, e := range entries {
		if _, live := o.byHash[e.hash]; live {
			out = append(out, e.tx)
			o.removeByHash(e.hash)
		}
	}
	return out
}

// removeByHash drops an orphan from every index.
func (o *orphanPool) removeByHash(hash types.Hash) {
	entry, ok := o.byHash[hash]
	if !ok {
		return
	}
	delete(o.byHash, hash)
	for _, parent := range entry.parents {
		bucket := o.byParent[parent]
		for i, e := range bucket {
			if e.hash == hash {
				o.byParent[parent] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(o.byParent[parent]) == 0 {
			delete(o.byParent, parent)
		}
	}
}

// expire drops orphans older than the TTL.
func (o *orphanPool) expire(now time.Time) {
	for hash, entry := range o.byHash {
		if now.Sub(entry.added) > o.ttl {
			o.removeByHash(hash)
		}
	}
}

func (o *orphanPool) has(hash types.Hash) bool {
	_, ok := o.byHash[hash]
	return ok
}
