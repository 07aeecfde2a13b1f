// Package amm implements the constant-product liquidity pools: minting and
// burning LP shares, fee-bearing swaps, and the arbitrage sizing the matching
// engine uses to keep pool and book prices aligned.
//
// The shadow ledger account is the counterparty of every pool movement, so
// the sum of shadow balances per asset always equals the sum of that asset's
// pool reserves. LP shares are synthetic supply and move unsafely.
package amm

import (
	"math/big"

	"go.uber.org/zap"

	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/pkg/metrics"
	"github.com/quantaex/coreex/pkg/numeric"
)

// Service executes pool operations inside a ledger transaction the caller
// owns. It never commits; composition with order matching happens in one
// transaction scope.
type Service struct {
	logger   *zap.Logger
	registry *registry.Registry
}

func NewService(logger *zap.Logger, reg *registry.Registry) *Service {
	return &Service{logger: logger.Named("amm"), registry: reg}
}

func (s *Service) checkPair(pri, sec string) error {
	if !s.registry.HasPair(pri, sec) {
		return errs.Validationf(errs.CodeUnknownPair, "unknown pair %s/%s", pri, sec)
	}
	return nil
}

// Mint deposits (a0, a1) into the pool and credits LP shares. The deposits
// move safely into shadow custody; the shares are synthetic and credited
// unsafely.
func (s *Service) Mint(tx *ledger.Tx, st *PoolState, pri, sec string, account uint64, a0, a1 *big.Int) (*big.Int, error) {
	if err := s.checkPair(pri, sec); err != nil {
		return nil, err
	}
	if s.registry.IsDerivative(sec) {
		return nil, errs.Validationf(errs.CodeUnknownPair, "no pool liquidity for derivative %s", sec)
	}
	if a0.Sign() == 0 || a1.Sign() == 0 {
		return nil, errs.Business(errs.CodeZeroInput, "both deposit amounts must be nonzero")
	}

	minted, err := st.mintLiquidity(a0, a1)
	if err != nil {
		return nil, err
	}
	if err := tx.Debit(pri, account, a0, true); err != nil {
		return nil, err
	}
	if err := tx.Debit(sec, account, a1, true); err != nil {
		return nil, err
	}
	if err := tx.Credit(registry.LPAsset(pri, sec), account, minted, false); err != nil {
		return nil, err
	}

	supplyGrowth := minted
	if st.TotalSupply.Sign() == 0 {
		// The retained minimum keeps the pool's share price anchored even
		// if every holder exits.
		supplyGrowth = numeric.Add(minted, numeric.MinimumLiquidity)
	}
	st.Reserve0 = numeric.Add(st.Reserve0, a0)
	st.Reserve1 = numeric.Add(st.Reserve1, a1)
	st.TotalSupply = numeric.Add(st.TotalSupply, supplyGrowth)
	return minted, nil
}

// Burn redeems lp shares for a pro-rata slice of both reserves. The shares
// are destroyed unsafely; the payouts leave shadow custody safely.
func (s *Service) Burn(tx *ledger.Tx, st *PoolState, pri, sec string, account uint64, lp *big.Int) (*big.Int, *big.Int, error) {
	if err := s.checkPair(pri, sec); err != nil {
		return nil, nil, err
	}
	if st.Missing {
		return nil, nil, errs.Businessf(errs.CodePoolMissing, "no pool for %s/%s", pri, sec)
	}
	if lp.Sign() == 0 {
		return nil, nil, errs.Business(errs.CodeZeroInput, "zero liquidity to burn")
	}
	if lp.Cmp(st.TotalSupply) > 0 {
		return nil, nil, errs.Business(errs.CodeInsufficientBalance, "burn exceeds pool supply")
	}

	out0 := st.burnPayout(st.Reserve0, lp)
	out1 := st.burnPayout(st.Reserve1, lp)
	if out0.Sign() == 0 || out1.Sign() == 0 {
		return nil, nil, errs.Business(errs.CodeZeroOutput, "liquidity too small to redeem")
	}

	if err := tx.Debit(registry.LPAsset(pri, sec), account, lp, false); err != nil {
		return nil, nil, err
	}
	if err := tx.Credit(pri, account, out0, true); err != nil {
		return nil, nil, err
	}
	if err := tx.Credit(sec, account, out1, true); err != nil {
		return nil, nil, err
	}

	st.Reserve0 = numeric.Sub(st.Reserve0, out0)
	st.Reserve1 = numeric.Sub(st.Reserve1, out1)
	st.TotalSupply = numeric.Sub(st.TotalSupply, lp)
	return out0, out1, nil
}

// Swap trades amountIn against the pool. buy spends primary for secondary;
// otherwise secondary for primary. The input moves into shadow custody and
// the output out of it, both safely; total supply is untouched.
func (s *Service) Swap(tx *ledger.Tx, st *PoolState, pri, sec string, account uint64, buy bool, amountIn *big.Int) (*big.Int, error) {
	if err := s.checkPair(pri, sec); err != nil {
		return nil, err
	}
	if amountIn.Sign() == 0 {
		return nil, errs.Business(errs.CodeZeroInput, "zero swap input")
	}
	if st.Empty() {
		return nil, errs.Businessf(errs.CodeEmptyPool, "pool %s/%s has no liquidity", pri, sec)
	}

	assetIn, assetOut := pri, sec
	reserveIn, reserveOut := st.Reserve0, st.Reserve1
	direction := "buy"
	if !buy {
		assetIn, assetOut = sec, pri
		reserveIn, reserveOut = st.Reserve1, st.Reserve0
		direction = "sell"
	}

	out := swapOutput(reserveIn, reserveOut, amountIn)
	if out.Sign() == 0 {
		return nil, errs.Business(errs.CodeZeroOutput, "swap input too small")
	}

	if err := tx.Debit(assetIn, account, amountIn, true); err != nil {
		return nil, err
	}
	if err := tx.Credit(assetOut, account, out, true); err != nil {
		return nil, err
	}

	if buy {
		st.Reserve0 = numeric.Add(st.Reserve0, amountIn)
		st.Reserve1 = numeric.Sub(st.Reserve1, out)
	} else {
		st.Reserve1 = numeric.Add(st.Reserve1, amountIn)
		st.Reserve0 = numeric.Sub(st.Reserve0, out)
	}
	metrics.PoolSwaps.WithLabelValues(direction).Inc()
	return out, nil
}
