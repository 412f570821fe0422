package utxo

import (
	"fmt"

	"github.com/microguy/proof-of-participation/pkg/types"
)

// View is a scratch overlay on a backing Set. Block validation spends and
// creates outputs in the view; nothing touches the backing set until the
// caller flushes the accumulated changes, so a failed block leaves the
// set untouched.
type View struct {
	backing Set
	added   map[types.OutPoint]*UTXO
	spent   map[types.OutPoint]*UTXO
}

// NewView creates an empty overlay over the backing set.
func NewView(backing Set) *View {
	return &View{
		backing: backing,
		added:   make(map[types.OutPoint]*UTXO),
		spent:   make(map[types.OutPoint]*UTXO),
	}
}

// Get retrieves an unspent output visible through the view.
func (v *View) Get(op types.OutPoint) (*UTXO, error) {
	if _, gone := v.spent[op]; gone {
		return nil, fmt.Errorf("%w: %s", ErrMissing, op)
	}
	if u, ok := v.added[op]; ok {
		return u, nil
	}
	return v.backing.Get(op)
}

// Has checks whether an outpoint is unspent through the view.
func (v *View) Has(op types.OutPoint) (bool, error) {
	if _, gone := v.spent[op]; gone {
		return false, nil
	}
	if _, ok := v.added[op]; ok {
		return true, nil
	}
	return v.backing.Has(op)
}

// Put records a created output in the overlay.
func (v *View) Put(u *UTXO) error {
	delete(v.spent, u.OutPoint)
	v.added[u.OutPoint] = u
	return nil
}

// Delete records a spend in the overlay. Spending an output created in
// the same overlay nets the pair out entirely.
func (v *View) Delete(op types.OutPoint) error {
	if _, ok := v.added[op]; ok {
		delete(v.added, op)
		return nil
	}
	u, err := v.backing.Get(op)
	if err != nil {
		return err
	}
	v.spent[op] = u
	return nil
}

// Spend checks that the outpoint is unspent and mature, then records the
// spend. Returns the consumed output.
func (v *View) Spend(op types.OutPoint, height, coinbaseMaturity uint64) (*UTXO, error) {
	u, err := v.Get(op)
	if err != nil {
		return nil, err
	}
	if !u.Mature(height, coinbaseMaturity) {
		return nil, fmt.Errorf("%w: %s created at %d, spend at %d needs %d confirmations",
			ErrImmature, op, u.Height, height, coinbaseMaturity)
	}
	if err := v.Delete(op); err != nil {
		return nil, err
	}
	return u, nil
}

// Added returns the outputs created in the overlay.
func (v *View) Added() map[types.OutPoint]*UTXO {
	return v.added
}

// Spent returns the backing-set outputs consumed through the overlay.
func (v *View) Spent() map[types.OutPoint]*UTXO {
	return v.spent
}

// Flush applies the overlay to the backing set.
func (v *View) Flush() error {
	for op := range v.spent {
		if err := v.backing.Delete(op); err != nil {
			return fmt.Errorf("flush spend %s: %w", op, err)
		}
	}
	for _, u := range v.added {
		if err := v.backing.Put(u); err != nil {
			return fmt.Errorf("flush add %s: %w", u.OutPoint, err)
		}
	}
	return nil
}
