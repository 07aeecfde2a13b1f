package matching

import (
	"math/big"

	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

// order is the in-memory working form of a book entry. Amount counts the
// remaining size in the secondary asset; Initial and Cost are in the
// collateral asset (primary for buys, secondary for sells), so Initial - Cost
// is the collateral still backing the order.
type order struct {
	ID       uint64
	Pri, Sec string
	Buy      bool
	Price    *big.Int
	Amount   *big.Int
	Initial  *big.Int
	Cost     *big.Int
	PlacedBy uint64
}

func fromModel(m *models.Order) (*order, error) {
	o := &order{
		ID:       m.ID,
		Pri:      m.Primary,
		Sec:      m.Secondary,
		Buy:      m.Buy,
		PlacedBy: m.PlacedBy,
	}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&o.Price, m.Price},
		{&o.Amount, m.Amount},
		{&o.Initial, m.InitialAmount},
		{&o.Cost, m.TotalCost},
	} {
		v, err := numeric.Parse(f.src)
		if err != nil {
			return nil, errs.Consistencyf("matching: corrupt order row %d (should not reach here)", m.ID)
		}
		*f.dst = v
	}
	return o, nil
}

// balance is the unspent collateral.
func (o *order) balance() *big.Int {
	return numeric.Sub(o.Initial, o.Cost)
}

// tradableAt is the largest size, in secondary units, the order can still
// exchange at price: bounded by its remaining size and by what its collateral
// affords. A zero price on a sell bounds by size alone.
func (o *order) tradableAt(price *big.Int) *big.Int {
	if !o.Buy {
		return numeric.Min(o.Amount, o.balance())
	}
	if price.Sign() == 0 {
		return big.NewInt(0)
	}
	affordable := numeric.Div(numeric.Mul(o.balance(), numeric.Scale), price)
	return numeric.Min(o.Amount, affordable)
}

// spent reports whether the order can never fill again at any price.
func (o *order) spent() bool {
	return o.Amount.Sign() == 0 || o.balance().Sign() == 0
}

// fill consumes amtSec of the order's size at price and returns the
// collateral spent: amtSec·price/Scale for buys, amtSec itself for sells.
// Overspending is a consistency violation; callers size fills by tradableAt.
func (o *order) fill(amtSec, price *big.Int) *big.Int {
	cost := amtSec
	if o.Buy {
		cost = numeric.Div(numeric.Mul(amtSec, price), numeric.Scale)
	}
	o.Amount = numeric.Sub(o.Amount, amtSec)
	o.Cost = numeric.Add(o.Cost, cost)
	if o.Cost.Cmp(o.Initial) > 0 {
		panic(errs.Consistencyf("matching: order %d overspent its collateral (should not reach here)", o.ID))
	}
	return cost
}

// collateralAsset is the asset the order's Initial and Cost are counted in.
func (o *order) collateralAsset() string {
	if o.Buy {
		return o.Pri
	}
	return o.Sec
}
