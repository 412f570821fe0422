package lottery

import (
	"errors"
	"math/big"
	"testing"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/script"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

func testParams() *config.ChainParams {
	p := config.RegNet()
	p.StakeMaturity = 10
	return p
}

func newRegistry(t *testing.T, subnets *SubnetTracker) (*Registry, *config.ChainParams) {
	t.Helper()
	params := testParams()
	return NewRegistry(params, storage.NewMemory(), subnets), params
}

func stakeKeyPair(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func lockStake(r *Registry, key *crypto.PrivateKey, amount types.Amount, height uint64, tag byte) {
	r.StakeLocked(key.PublicKey(),
		types.OutPoint{TxHash: types.Hash{tag}, Index: 0}, amount, height)
}

func TestEligibilityRules(t *testing.T) {
	r, params := newRegistry(t, nil)
	key := stakeKeyPair(t)

	// Unknown key.
	if r.Eligible(key.PublicKey(), 100) {
		t.Error("unregistered key eligible")
	}

	// Insufficient stake.
	lockStake(r, key, params.MinStake-1, 10, 0x01)
	if r.Eligible(key.PublicKey(), 100) {
		t.Error("under-staked key eligible")
	}

	// Top up to the minimum: eligible once mature.
	lockStake(r, key, 1, 20, 0x02)
	if r.Eligible(key.PublicKey(), 20+params.StakeMaturity-1) {
		t.Error("immature stake eligible")
	}
	if !r.Eligible(key.PublicKey(), 20+params.StakeMaturity) {
		t.Error("mature stake not eligible")
	}

	// Spending a lock can drop the key below the minimum.
	r.StakeSpent(key.PublicKey(), types.OutPoint{TxHash: types.Hash{0x02}, Index: 0})
	if r.Eligible(key.PublicKey(), 1000) {
		t.Error("eligible after stake withdrawal")
	}
}

func TestStakeHeightTracksNewestLock(t *testing.T) {
	r, params := newRegistry(t, nil)
	key := stakeKeyPair(t)

	lockStake(r, key, params.MinStake, 10, 0x01)
	lockStake(r, key, params.MinStake, 50, 0x02)

	rec, ok := r.Record(key.PublicKey())
	if !ok {
		t.Fatal("record missing")
	}
	if rec.StakeHeight != 50 {
		t.Errorf("stake height = %d, want 50 (newest lock)", rec.StakeHeight)
	}
	if rec.StakeAmount != 2*params.MinStake {
		t.Errorf("stake amount = %d", rec.StakeAmount)
	}
}

func TestEligibleCountAndTotal(t *testing.T) {
	r, params := newRegistry(t, nil)
	k1, k2 := stakeKeyPair(t), stakeKeyPair(t)
	lockStake(r, k1, params.MinStake, 0, 0x01)
	lockStake(r, k2, params.MinStake, 0, 0x02)

	h := params.StakeMaturity
	if got := r.EligibleCount(h); got != 2 {
		t.Errorf("eligible count = %d, want 2", got)
	}
	if got := r.TotalStaked(); got != 2*params.MinStake {
		t.Errorf("total staked = %d", got)
	}
}

func TestRegistryRebuildFromUTXOSet(t *testing.T) {
	r, params := newRegistry(t, nil)
	key := stakeKeyPair(t)

	store := newStakeStore(t, key, params.MinStake, 7)
	if err := r.Rebuild(store); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	rec, ok := r.Record(key.PublicKey())
	if !ok {
		t.Fatal("participant missing after rebuild")
	}
	if rec.StakeAmount != params.MinStake || rec.StakeHeight != 7 {
		t.Errorf("rebuilt record = %+v", rec)
	}
}

// newStakeStore builds a UTXO store holding one stake lock.
func newStakeStore(t *testing.T, key *crypto.PrivateKey, amount types.Amount, height uint64) *utxo.Store {
	t.Helper()
	store := utxo.NewStore(storage.NewMemory())
	err := store.Put(&utxo.UTXO{
		OutPoint:     types.OutPoint{TxHash: types.Hash{0xAB}, Index: 0},
		Value:        amount,
		ScriptPubKey: script.StakeLock(key.PublicKey()),
		Height:       height,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return store
}

func TestSubnetEscalation(t *testing.T) {
	tr := NewSubnetTracker()

	if got := tr.Class("10.1.2.3"); got != "10.1.2.0/24" {
		t.Errorf("sparse class = %q", got)
	}

	// Four peers in the /24 escalate it to /20.
	for i := 1; i <= 4; i++ {
		tr.ObservePeer("10.1.2." + string(rune('0'+i)))
	}
	if got := tr.Class("10.1.2.3"); got != "10.1.0.0/20" {
		t.Errorf("dense class = %q", got)
	}

	// Eleven peers escalate to /16.
	for i := 5; i <= 11; i++ {
		tr.ObservePeer("10.1.2.1" + string(rune('0'+i-5)))
	}
	if got := tr.Class("10.1.2.3"); got != "10.1.0.0/16" {
		t.Errorf("very dense class = %q", got)
	}
}

func TestSubnetCap(t *testing.T) {
	tr := NewSubnetTracker()
	ip := "192.0.2.9"

	if !tr.AllowParticipant(ip, "p1") || !tr.AllowParticipant(ip, "p2") {
		t.Fatal("first two participants rejected")
	}
	if tr.AllowParticipant(ip, "p3") {
		t.Error("third participant allowed past subnet cap")
	}
	// Existing registrations keep passing.
	if !tr.AllowParticipant(ip, "p1") {
		t.Error("registered participant rejected")
	}
}

func TestVeteranBypassesSubnetCap(t *testing.T) {
	tr := NewSubnetTracker()
	r := NewRegistry(testParams(), storage.NewMemory(), tr)
	params := testParams()

	ip := "198.51.100.7"
	var keys []*crypto.PrivateKey
	for i := 0; i < 3; i++ {
		key := stakeKeyPair(t)
		keys = append(keys, key)
		lockStake(r, key, params.MinStake, 0, byte(i+1))
		r.SetNetAddress(key.PublicKey(), ip)
	}

	// Newly matured participants hit the cap: the first two pass, the
	// third does not.
	young := params.StakeMaturity
	if !r.Eligible(keys[0].PublicKey(), young) || !r.Eligible(keys[1].PublicKey(), young) {
		t.Error("first two participants blocked under cap")
	}
	if r.Eligible(keys[2].PublicKey(), young) {
		t.Error("third participant allowed past cap")
	}

	// At veteran age the cap no longer applies.
	veteran := params.StakeMaturity * params.VeteranStakeFactor
	if !r.Eligible(keys[2].PublicKey(), veteran) {
		t.Error("veteran blocked by subnet cap")
	}
}

func TestEqualChanceTarget(t *testing.T) {
	one := EqualChanceTarget(1)
	ten := EqualChanceTarget(10)
	if one.Cmp(ten) <= 0 {
		t.Error("target does not shrink with more participants")
	}
	want := new(big.Int).Div(one, big.NewInt(10))
	if ten.Cmp(want) != 0 {
		t.Errorf("target(10) = %s, want %s", ten, want)
	}
	if EqualChanceTarget(0).Cmp(one) != 0 {
		t.Error("zero participants not clamped to one")
	}
}

func TestSeedLayout(t *testing.T) {
	prev := types.Hash{0x11, 0x22}
	seed := Seed(prev, 0x0102030405060708)
	if len(seed) != 40 {
		t.Fatalf("seed length = %d, want 40", len(seed))
	}
	if seed[0] != 0x11 || seed[1] != 0x22 {
		t.Error("seed does not start with prev hash")
	}
	// Height is little-endian.
	if seed[32] != 0x08 || seed[39] != 0x01 {
		t.Error("seed height not little-endian")
	}
}

func TestStakeProofRoundTrip(t *testing.T) {
	key := stakeKeyPair(t)
	sp := &StakeProof{
		Height:    42,
		PubKey:    key.PublicKey(),
		VRFOutput: types.Hash{0x01, 0x02},
		VRFProof:  make([]byte, crypto.VRFProofSize),
		Signature: []byte{0x30, 0x44, 0x02, 0x20},
	}

	parsed, err := ParseStakeProof(sp.CoinbaseScriptSig())
	if err != nil {
		t.Fatalf("ParseStakeProof: %v", err)
	}
	if parsed.Height != 42 || parsed.VRFOutput != sp.VRFOutput {
		t.Error("round trip mismatch")
	}

	// Truncated or reshaped scripts fail.
	if _, err := ParseStakeProof([]byte{0x01, 0x02}); !errors.Is(err, ErrMalformedProof) {
		t.Errorf("short script: %v", err)
	}
	bad := *sp
	bad.PubKey = bad.PubKey[:32]
	if _, err := ParseStakeProof(bad.CoinbaseScriptSig()); !errors.Is(err, ErrMalformedProof) {
		t.Errorf("short pubkey: %v", err)
	}
}

func TestVerifyParticipationProof(t *testing.T) {
	params := testParams()
	r := NewRegistry(params, storage.NewMemory(), nil)
	l := New(params, r, nil)
	key := stakeKeyPair(t)
	lockStake(r, key, params.MinStake, 0, 0x01)

	parentHash := types.Hash{0xAA}
	parentTime := uint32(1_700_000_000)
	height := params.StakeMaturity

	proof, won, err := l.Evaluate(key, parentHash, height)
	if err != nil || !won {
		t.Fatalf("Evaluate: won=%v err=%v", won, err)
	}

	blk := buildSignedBlock(t, key, proof, parentHash, parentTime+16, params)

	if err := l.VerifyParticipationProof(blk, height, parentHash, parentTime); err != nil {
		t.Fatalf("VerifyParticipationProof: %v", err)
	}

	// A height mismatch between proof and block fails.
	if err := l.VerifyParticipationProof(blk, height+1, parentHash, parentTime); !errors.Is(err, ErrHeightMismatch) {
		t.Errorf("height mismatch: %v", err)
	}

	// Unknown producers are ineligible.
	empty := NewRegistry(params, storage.NewMemory(), nil)
	if err := New(params, empty, nil).VerifyParticipationProof(blk, height, parentHash, parentTime); !errors.Is(err, ErrNotEligible) {
		t.Errorf("unknown producer: %v", err)
	}

	// A tampered header breaks the producer signature.
	tampered := *blk
	tamperedHeader := blk.Header
	tamperedHeader.Time++
	tampered.Header = tamperedHeader
	if err := l.VerifyParticipationProof(&tampered, height, parentHash, parentTime); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered header: %v", err)
	}
}

// buildSignedBlock assembles a minimal post-activation block around the
// given proof.
func buildSignedBlock(t *testing.T, key *crypto.PrivateKey, proof *StakeProof, parentHash types.Hash, blockTime uint32, params *config.ChainParams) *block.Block {
	t.Helper()

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.TxIn{{
			PrevOut:   types.NullOutPoint(),
			ScriptSig: proof.CoinbaseScriptSig(),
			Sequence:  tx.MaxSequence,
		}},
		Outputs: []tx.TxOut{{
			Value:        params.Subsidy(proof.Height),
			ScriptPubKey: script.PayToPubKeyHash(crypto.AddressFromPubKey(key.PublicKey())),
		}},
	}
	blk := block.New(block.Header{
		Version:    1,
		PrevHash:   parentHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Time:       blockTime,
	}, []*tx.Transaction{coinbase})

	signingHash := ProducerSigningHash(blk, proof)
	sig, err := key.Sign(signingHash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	proof.Signature = sig
	blk.Transactions[0].Inputs[0].ScriptSig = proof.CoinbaseScriptSig()
	blk.Header.MerkleRoot = block.ComputeMerkleRoot([]types.Hash{blk.Transactions[0].Hash()})
	return blk
}
