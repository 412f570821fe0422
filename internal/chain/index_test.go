package chain

import (
	"math/big"
	"testing"

	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// addChain appends n linked headers to the arena, returning the handles.
func addChain(a *Arena, parent int32, startHeight uint64, n int, seed byte) []int32 {
	handles := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		h := &block.Header{
			Version:  1,
			Time:     uint32(1000 + 10*int(startHeight) + 10*i),
			PrevHash: types.Hash{},
		}
		if parent != nilHandle {
			h.PrevHash = a.Node(parent).Hash
		}
		// Vary the merkle root so each header hashes uniquely.
		h.MerkleRoot = types.Hash{seed, byte(i), byte(startHeight)}
		parent = a.Add(h, startHeight+uint64(i), parent, big.NewInt(1))
		handles = append(handles, parent)
	}
	return handles
}

func TestArenaLinkage(t *testing.T) {
	a := NewArena()
	chain := addChain(a, nilHandle, 0, 5, 0x01)

	for i, handle := range chain {
		node := a.Node(handle)
		if node.Height != uint64(i) {
			t.Errorf("height = %d, want %d", node.Height, i)
		}
		if a.Lookup(node.Hash) != handle {
			t.Errorf("lookup mismatch at height %d", i)
		}
	}

	a.SetMain(chain[4])
	if a.Tip() != chain[4] {
		t.Errorf("tip = %d, want %d", a.Tip(), chain[4])
	}
	for i, handle := range chain {
		if a.AtHeight(uint64(i)) != handle {
			t.Errorf("main chain at %d = %d, want %d", i, a.AtHeight(uint64(i)), handle)
		}
	}
}

func TestCumulativeWork(t *testing.T) {
	a := NewArena()
	chain := addChain(a, nilHandle, 0, 3, 0x02)
	if got := a.Node(chain[2]).Work.Int64(); got != 3 {
		t.Errorf("cumulative work = %d, want 3", got)
	}
}

func TestForkPoint(t *testing.T) {
	a := NewArena()
	trunk := addChain(a, nilHandle, 0, 3, 0x03)
	branchA := addChain(a, trunk[2], 3, 2, 0x04)
	branchB := addChain(a, trunk[2], 3, 4, 0x05)

	fork := a.ForkPoint(branchA[1], branchB[3])
	if fork != trunk[2] {
		t.Errorf("fork point = %d, want %d", fork, trunk[2])
	}
}

func TestBetterTieBreak(t *testing.T) {
	a := NewArena()
	trunk := addChain(a, nilHandle, 0, 1, 0x06)
	first := addChain(a, trunk[0], 1, 1, 0x07)[0]
	second := addChain(a, trunk[0], 1, 1, 0x08)[0]

	// Equal weight: the earlier arrival wins.
	if a.Better(second, first) {
		t.Error("later arrival beat equal-weight earlier block")
	}
	if !a.Better(first, second) {
		t.Error("earlier arrival did not win equal-weight tie")
	}
}

func TestMedianTimePast(t *testing.T) {
	a := NewArena()
	chain := addChain(a, nilHandle, 0, 15, 0x09)

	// Times ascend by 10; the median of the last 11 (inclusive) is the
	// 6th newest timestamp.
	tip := chain[14]
	mtp := a.MedianTimePast(tip)
	want := a.Node(chain[9]).Time
	if mtp != want {
		t.Errorf("mtp = %d, want %d", mtp, want)
	}

	// Short chains take the median of what exists.
	short := a.MedianTimePast(chain[2])
	if short != a.Node(chain[1]).Time {
		t.Errorf("short mtp = %d, want %d", short, a.Node(chain[1]).Time)
	}
}

func TestCompactToBigRoundTrip(t *testing.T) {
	// The classic difficulty-1 target.
	target := CompactToBig(0x1d00ffff)
	if target.Sign() <= 0 {
		t.Fatal("target not positive")
	}
	work := blockWork(0x1d00ffff)
	if work.Sign() <= 0 {
		t.Fatal("work not positive")
	}

	// A trivial target accepts everything.
	if err := checkProofOfWork(types.Hash{0x01}, 0x207fffff); err != nil {
		t.Errorf("easy target rejected low hash: %v", err)
	}

	// An impossibly small target rejects a high hash.
	var high types.Hash
	for i := range high {
		high[i] = 0xFF
	}
	if err := checkProofOfWork(high, 0x03000001); err == nil {
		t.Error("tiny target accepted max hash")
	}
}
