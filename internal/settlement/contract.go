package settlement

import (
	"math/big"

	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/pkg/numeric"
)

// ContractKind defines the payout profile of one derivative class. Payouts
// are per whole synthetic unit, in the settlement asset, Scale-fixed. For
// every kind the long and short payouts must sum to at most MaxShortLoss:
// that sum is exactly what issuance locked, so settlement can never print
// value.
type ContractKind interface {
	Name() string
	LongPayout(strike, price *big.Int) *big.Int
	ShortPayout(strike, price *big.Int) *big.Int
	MaxShortLoss(strike *big.Int) *big.Int
}

// Put pays the long side when the price settles under the strike. The short
// side keeps the rest of the locked strike, so its worst case is losing the
// whole strike at a price of zero.
type Put struct{}

func (Put) Name() string { return "put" }

func (Put) LongPayout(strike, price *big.Int) *big.Int {
	if price.Cmp(strike) >= 0 {
		return big.NewInt(0)
	}
	return numeric.Sub(strike, price)
}

func (Put) ShortPayout(strike, price *big.Int) *big.Int {
	return numeric.Min(price, strike)
}

func (Put) MaxShortLoss(strike *big.Int) *big.Int {
	return new(big.Int).Set(strike)
}

// KindByName resolves a stored kind tag.
func KindByName(name string) (ContractKind, error) {
	switch name {
	case Put{}.Name():
		return Put{}, nil
	default:
		return nil, errs.Validationf(errs.CodeInternal, "unknown contract kind %q", name)
	}
}

// ShortAsset derives the short-leg symbol for a series.
func ShortAsset(series string) string { return series + "_SHORT" }
