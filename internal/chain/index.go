package chain

import (
	"math/big"
	"sort"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Status flags of a block index entry.
type Status uint8

const (
	// StatusHeaderValid: the header passed context checks.
	StatusHeaderValid Status = 1 << iota
	// StatusBodyValid: the full block passed connection at least once.
	StatusBodyValid
	// StatusMainChain: the block is on the current main chain.
	StatusMainChain
	// StatusInvalid: the block or an ancestor failed validation; terminal.
	StatusInvalid
)

// nilHandle marks an absent arena reference.
const nilHandle int32 = -1

// BlockIndex is one node of the in-memory block tree. Nodes reference
// each other through arena handles, never pointers, so the structure has
// no cycles; the main-chain successor of a node is derived from heights.
type BlockIndex struct {
	Hash   types.Hash
	Height uint64
	Parent int32
	Time   uint32
	Bits   uint32
	Nonce  uint32
	Merkle types.Hash
	Version uint32
	Status Status

	// Work is the cumulative chain weight up to this block.
	Work *big.Int
	// Seq is the arrival order, breaking equal-weight ties in favor of
	// the block seen first.
	Seq uint64
}

// Arena owns every BlockIndex. Entries are never removed.
type Arena struct {
	nodes  []*BlockIndex
	byHash map[types.Hash]int32
	// main maps height -> handle along the current main chain.
	main    []int32
	nextSeq uint64
}

// NewArena creates an empty block index arena.
func NewArena() *Arena {
	return &Arena{byHash: make(map[types.Hash]int32)}
}

// Add inserts a new index entry for the header with the given parent
// handle (nilHandle for genesis) and returns its handle.
func (a *Arena) Add(h *block.Header, height uint64, parent int32, work *big.Int) int32 {
	cum := new(big.Int).Set(work)
	if parent != nilHandle {
		cum.Add(cum, a.nodes[parent].Work)
	}
	node := &BlockIndex{
		Hash:    h.Hash(),
		Height:  height,
		Parent:  parent,
		Time:    h.Time,
		Bits:    h.Bits,
		Nonce:   h.Nonce,
		Merkle:  h.MerkleRoot,
		Version: h.Version,
		Status:  StatusHeaderValid,
		Work:    cum,
		Seq:     a.nextSeq,
	}
	a.nextSeq++
	handle := int32(len(a.nodes))
	a.nodes = append(a.nodes, node)
	a.byHash[node.Hash] = handle
	return handle
}

// Lookup returns the handle for a block hash, or nilHandle.
func (a *Arena) Lookup(hash types.Hash) int32 {
	if h, ok := a.byHash[hash]; ok {
		return h
	}
	return nilHandle
}

// Node returns the entry for a handle.
func (a *Arena) Node(handle int32) *BlockIndex {
	return a.nodes[handle]
}

// Len returns the number of indexed blocks.
func (a *Arena) Len() int {
	return len(a.nodes)
}

// AtHeight returns the main-chain handle at the given height, or
// nilHandle above the tip.
func (a *Arena) AtHeight(height uint64) int32 {
	if height >= uint64(len(a.main)) {
		return nilHandle
	}
	return a.main[height]
}

// Tip returns the main-chain tip handle, or nilHandle on an empty chain.
func (a *Arena) Tip() int32 {
	if len(a.main) == 0 {
		return nilHandle
	}
	return a.main[len(a.main)-1]
}

// SetMain extends or rewrites the main chain through the given handle:
// every ancestor up to the fork point gains StatusMainChain, and the old
// branch above the fork loses it.
func (a *Arena) SetMain(handle int32) {
	node := a.nodes[handle]

	// Clear flags above the new height.
	for h := uint64(len(a.main)); h > node.Height+1; h-- {
		if old := a.main[h-1]; old != nilHandle {
			a.nodes[old].Status &^= StatusMainChain
		}
	}
	if node.Height+1 < uint64(len(a.main)) {
		a.main = a.main[:node.Height+1]
	}
	for uint64(len(a.main)) < node.Height+1 {
		a.main = append(a.main, nilHandle)
	}

	// Walk down, rewriting entries that differ.
	for cur := handle; cur != nilHandle; {
		n := a.nodes[cur]
		if a.main[n.Height] == cur && n.Status&StatusMainChain != 0 {
			break
		}
		if prev := a.main[n.Height]; prev != nilHandle && prev != cur {
			a.nodes[prev].Status &^= StatusMainChain
		}
		a.main[n.Height] = cur
		n.Status |= StatusMainChain
		cur = n.Parent
	}
}

// Ancestor walks up from a handle to the entry at the target height.
func (a *Arena) Ancestor(handle int32, height uint64) int32 {
	for handle != nilHandle && a.nodes[handle].Height > height {
		handle = a.nodes[handle].Parent
	}
	if handle == nilHandle || a.nodes[handle].Height != height {
		return nilHandle
	}
	return handle
}

// ForkPoint returns the highest common ancestor of two handles.
func (a *Arena) ForkPoint(x, y int32) int32 {
	for x != nilHandle && y != nilHandle {
		nx, ny := a.nodes[x], a.nodes[y]
		switch {
		case nx.Height > ny.Height:
			x = nx.Parent
		case ny.Height > nx.Height:
			y = ny.Parent
		case x == y:
			return x
		default:
			x = nx.Parent
			y = ny.Parent
		}
	}
	return nilHandle
}

// MedianTimePast computes the median of the timestamps of the block and
// its previous headers over the median window.
func (a *Arena) MedianTimePast(handle int32) uint32 {
	times := make([]uint32, 0, config.MedianTimeSpan)
	for i := 0; i < config.MedianTimeSpan && handle != nilHandle; i++ {
		times = append(times, a.nodes[handle].Time)
		handle = a.nodes[handle].Parent
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// Better reports whether candidate x is a better tip than y: more
// cumulative work, or equal work seen earlier.
func (a *Arena) Better(x, y int32) bool {
	nx, ny := a.nodes[x], a.nodes[y]
	switch nx.Work.Cmp(ny.Work) {
	case 1:
		return true
	case -1:
		return false
	default:
		return nx.Seq < ny.Seq
	}
}
