package utxo

import (
	"errors"
	"testing"

	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func put(t *testing.T, s Set, hashByte byte, index uint32, value types.Amount, height uint64, coinbase bool) types.OutPoint {
	t.Helper()
	op := types.OutPoint{TxHash: types.Hash{hashByte}, Index: index}
	err := s.Put(&UTXO{
		OutPoint:     op,
		Value:        value,
		ScriptPubKey: []byte{0xac},
		Height:       height,
		Coinbase:     coinbase,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return op
}

func TestStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	op := put(t, store, 0x01, 2, 5*types.Coin, 10, true)

	u, err := store.Get(op)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Value != 5*types.Coin || u.Height != 10 || !u.Coinbase || u.OutPoint != op {
		t.Errorf("record mismatch: %+v", u)
	}

	if err := store.Delete(op); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(op); !errors.Is(err, ErrMissing) {
		t.Errorf("get after delete: %v", err)
	}
}

func TestMaturity(t *testing.T) {
	u := &UTXO{Height: 100, Coinbase: true}
	if u.Mature(150, 100) {
		t.Error("coinbase mature before window")
	}
	if !u.Mature(200, 100) {
		t.Error("coinbase immature at window")
	}
	regular := &UTXO{Height: 100}
	if !regular.Mature(100, 100) {
		t.Error("regular output not immediately mature")
	}
}

func TestViewOverlay(t *testing.T) {
	store := testStore(t)
	backing := put(t, store, 0x01, 0, 10*types.Coin, 1, false)

	view := NewView(store)

	// Spending through the view hides the output without touching the
	// backing set.
	spent, err := view.Spend(backing, 5, 100)
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if spent.Value != 10*types.Coin {
		t.Errorf("spent value = %d", spent.Value)
	}
	if has, _ := view.Has(backing); has {
		t.Error("spent output still visible in view")
	}
	if has, _ := store.Has(backing); !has {
		t.Error("backing set changed before flush")
	}

	// Adding and re-spending inside the view nets out.
	added := types.OutPoint{TxHash: types.Hash{0x02}, Index: 0}
	_ = view.Put(&UTXO{OutPoint: added, Value: types.Coin, Height: 5})
	if _, err := view.Spend(added, 5, 100); err != nil {
		t.Fatalf("spend view-created output: %v", err)
	}
	if len(view.Added()) != 0 {
		t.Errorf("netted-out output still in added set")
	}
	if _, tracked := view.Spent()[added]; tracked {
		t.Error("view-created output recorded as backing spend")
	}

	if err := view.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if has, _ := store.Has(backing); has {
		t.Error("backing spend not applied on flush")
	}
}

func TestViewSpendFailures(t *testing.T) {
	store := testStore(t)
	view := NewView(store)

	missing := types.OutPoint{TxHash: types.Hash{0x09}, Index: 0}
	if _, err := view.Spend(missing, 10, 100); !errors.Is(err, ErrMissing) {
		t.Errorf("missing spend: %v", err)
	}

	coinbase := put(t, store, 0x03, 0, types.Coin, 50, true)
	if _, err := view.Spend(coinbase, 60, 100); !errors.Is(err, ErrImmature) {
		t.Errorf("immature spend: %v", err)
	}
	if _, err := view.Spend(coinbase, 150, 100); err != nil {
		t.Errorf("mature spend: %v", err)
	}
}

func TestStakeIndex(t *testing.T) {
	store := testStore(t)

	// A stake-lock script feeds the stake index.
	pubKey := make([]byte, 33)
	pubKey[0] = 0x02
	pubKey[32] = 0x7f
	stakeScript := append([]byte{0xb9, 33}, pubKey...)
	stakeScript = append(stakeScript, 0xac)

	op := types.OutPoint{TxHash: types.Hash{0x04}, Index: 1}
	err := store.Put(&UTXO{OutPoint: op, Value: 1000 * types.Coin, ScriptPubKey: stakeScript, Height: 9})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	found := 0
	err = store.ForEachStake(func(pk []byte, u *UTXO) error {
		found++
		if u.OutPoint != op {
			t.Errorf("stake outpoint = %s", u.OutPoint)
		}
		if len(pk) != 33 || pk[32] != 0x7f {
			t.Errorf("stake pubkey mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachStake: %v", err)
	}
	if found != 1 {
		t.Errorf("stake entries = %d, want 1", found)
	}

	// Deleting the UTXO clears the index.
	_ = store.Delete(op)
	found = 0
	_ = store.ForEachStake(func([]byte, *UTXO) error { found++; return nil })
	if found != 0 {
		t.Errorf("stale stake entries = %d", found)
	}
}
