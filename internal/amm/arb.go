package amm

import (
	"math/big"

	"github.com/quantaex/coreex/pkg/metrics"
	"github.com/quantaex/coreex/pkg/numeric"

	"github.com/quantaex/coreex/internal/ledger"
)

// Fill is one arbitrage execution against the pool, expressed in order terms
// so the matching engine can advance the taker like any book fill.
type Fill struct {
	// AmountSec is the order size consumed, in secondary units, priced at
	// the target.
	AmountSec *big.Int
	// Paid is the custody consumed: primary for buys, equal to AmountSec
	// for sells. The caller settles it by advancing the order's cost.
	Paid *big.Int
	// Received is the actual swap output credited to the account, which may
	// beat the target price.
	Received *big.Int
}

// sizeArb returns the input that moves the pool's marginal price to target,
// fee included, clamped to zero when the pool already sits at or past it.
//
// The closed form comes from solving (rIn + in·997/1000)·(rIn + in) = k·adj
// for the post-swap spot price: in = sqrt(k·adj·1000/997) − rIn·1000/997,
// where adj converts target into the trade direction's units.
func sizeArb(st *PoolState, buy bool, target *big.Int) *big.Int {
	k := numeric.Mul(st.Reserve0, st.Reserve1)
	var radicand, reserveIn *big.Int
	if buy {
		radicand = numeric.Div(
			numeric.Mul(numeric.Mul(k, target), numeric.FeeDenom),
			numeric.Mul(numeric.Scale, numeric.AfterFee))
		reserveIn = st.Reserve0
	} else {
		radicand = numeric.Div(
			numeric.Mul(numeric.Mul(k, numeric.Scale), numeric.FeeDenom),
			numeric.Mul(target, numeric.AfterFee))
		reserveIn = st.Reserve1
	}
	root := numeric.Sqrt(radicand)
	floor := numeric.Div(numeric.Mul(reserveIn, numeric.FeeDenom), numeric.AfterFee)
	in := new(big.Int).Sub(root, floor)
	if in.Sign() < 0 {
		return big.NewInt(0)
	}
	return in
}

// ArbFill trades against the pool on behalf of an order until the pool's
// marginal price reaches target, consuming at most available of the input
// collateral the caller already holds in shadow custody. Only the swap output
// is credited here: the input side never touches the account again, the
// caller settles it by advancing the order's cost, which shrinks the order's
// end-of-request refund by exactly Paid.
//
// Returns nil when the pool offers no improvement over target: missing or
// empty pool, derivative pair, pool already at or past the target, or amounts
// that truncate to zero.
//
// The consumed size is rounded through the order fill first (AmountSec at the
// target price) and exactly that cost is swapped, so Paid never exceeds what
// the order can settle.
func (s *Service) ArbFill(tx *ledger.Tx, st *PoolState, pri, sec string, account uint64, buy bool, target, available *big.Int) (*Fill, error) {
	if s.registry.IsDerivative(sec) || st.Empty() {
		return nil, nil
	}
	if target.Sign() == 0 {
		// A zero target only occurs on unpriced sells; the pool cannot
		// improve on "any price".
		return nil, nil
	}

	poolPrice := st.Price()
	if buy && poolPrice.Cmp(target) >= 0 {
		return nil, nil
	}
	if !buy && poolPrice.Cmp(target) <= 0 {
		return nil, nil
	}

	in := numeric.Min(sizeArb(st, buy, target), available)
	if in.Sign() == 0 {
		return nil, nil
	}

	var fill *Fill
	if buy {
		amtSec := numeric.Div(numeric.Mul(in, numeric.Scale), target)
		cost := numeric.Div(numeric.Mul(amtSec, target), numeric.Scale)
		if amtSec.Sign() == 0 || cost.Sign() == 0 {
			return nil, nil
		}
		out := swapOutput(st.Reserve0, st.Reserve1, cost)
		if out.Sign() == 0 {
			return nil, nil
		}
		// The input stays in custody, where it now backs the grown reserve.
		if err := tx.Credit(sec, account, out, true); err != nil {
			return nil, err
		}
		st.Reserve0 = numeric.Add(st.Reserve0, cost)
		st.Reserve1 = numeric.Sub(st.Reserve1, out)
		fill = &Fill{AmountSec: amtSec, Paid: cost, Received: out}
		metrics.PoolSwaps.WithLabelValues("buy").Inc()
	} else {
		out := swapOutput(st.Reserve1, st.Reserve0, in)
		if out.Sign() == 0 {
			return nil, nil
		}
		if err := tx.Credit(pri, account, out, true); err != nil {
			return nil, err
		}
		st.Reserve1 = numeric.Add(st.Reserve1, in)
		st.Reserve0 = numeric.Sub(st.Reserve0, out)
		fill = &Fill{AmountSec: in, Paid: in, Received: out}
		metrics.PoolSwaps.WithLabelValues("sell").Inc()
	}
	return fill, nil
}
