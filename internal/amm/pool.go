package amm

import (
	"errors"
	"math/big"

	"gorm.io/gorm"

	"github.com/quantaex/coreex/common/dbutil"
	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

// PoolState is the in-memory image of one constant-product pool. Engine
// operations mutate it; the caller persists the final state with WritePool,
// exactly once per request, so a request makes one pool write no matter how
// many partial fills it took.
type PoolState struct {
	Reserve0    *big.Int // primary-asset reserve
	Reserve1    *big.Int // secondary-asset reserve
	TotalSupply *big.Int
	// Missing marks a pool with no stored row yet. Reserves are zero; the
	// first mint materializes the row.
	Missing bool
}

// Empty reports whether the pool has no usable liquidity.
func (st *PoolState) Empty() bool {
	return st.Missing || st.Reserve0.Sign() == 0 || st.Reserve1.Sign() == 0
}

// Price is the marginal pool price, primary per whole secondary unit,
// Scale-fixed. Callers must check Empty first.
func (st *PoolState) Price() *big.Int {
	return numeric.Div(numeric.Mul(st.Reserve0, numeric.Scale), st.Reserve1)
}

// swapOutput is the constant-product output for amountIn paid into reserveIn,
// after the 0.3% fee: in·997·rOut / (rIn·1000 + in·997), truncated.
func swapOutput(reserveIn, reserveOut, amountIn *big.Int) *big.Int {
	inWithFee := numeric.Mul(amountIn, numeric.AfterFee)
	num := numeric.Mul(inWithFee, reserveOut)
	den := numeric.Add(numeric.Mul(reserveIn, numeric.FeeDenom), inWithFee)
	return numeric.Div(num, den)
}

// mintLiquidity computes the LP shares for depositing (a0, a1). The first
// mint prices shares at the geometric mean of the deposit and permanently
// retains MinimumLiquidity shares inside the pool; later mints take the
// lesser of the two proportional quotes so a lopsided deposit cannot dilute
// existing holders.
func (st *PoolState) mintLiquidity(a0, a1 *big.Int) (*big.Int, error) {
	if st.TotalSupply.Sign() == 0 {
		root := numeric.Sqrt(numeric.Mul(a0, a1))
		minted, err := numeric.SubChecked(root, numeric.MinimumLiquidity,
			errs.Business(errs.CodeZeroLiquidity, "deposit below minimum liquidity"))
		if err != nil {
			return nil, err
		}
		if minted.Sign() == 0 {
			return nil, errs.Business(errs.CodeZeroLiquidity, "deposit below minimum liquidity")
		}
		return minted, nil
	}
	q0 := numeric.Div(numeric.Mul(a0, st.TotalSupply), st.Reserve0)
	q1 := numeric.Div(numeric.Mul(a1, st.TotalSupply), st.Reserve1)
	minted := numeric.Min(q0, q1)
	if minted.Sign() == 0 {
		return nil, errs.Business(errs.CodeZeroLiquidity, "deposit too small to mint liquidity")
	}
	return minted, nil
}

// burnPayout is the pro-rata share of one reserve for burning lp shares.
func (st *PoolState) burnPayout(reserve, lp *big.Int) *big.Int {
	return numeric.Div(numeric.Mul(reserve, lp), st.TotalSupply)
}

// ReadPool loads the pool row for (pri, sec) under a row-exclusive lock. A
// missing row yields a zeroed state with Missing set, not an error: pools are
// created implicitly on first mint.
func ReadPool(db *gorm.DB, pri, sec string) (*PoolState, error) {
	var row models.Pool
	err := dbutil.ForUpdate(db).Where("pri = ? AND sec = ?", pri, sec).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &PoolState{
			Reserve0:    big.NewInt(0),
			Reserve1:    big.NewInt(0),
			TotalSupply: big.NewInt(0),
			Missing:     true,
		}, nil
	}
	if err != nil {
		return nil, errs.Infraf(err, "failed to read pool %s/%s", pri, sec)
	}
	st := &PoolState{}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&st.Reserve0, row.Reserve0},
		{&st.Reserve1, row.Reserve1},
		{&st.TotalSupply, row.TotalSupply},
	} {
		v, perr := numeric.Parse(f.src)
		if perr != nil {
			return nil, errs.Consistencyf("amm: corrupt pool row %s/%s (should not reach here)", pri, sec)
		}
		*f.dst = v
	}
	return st, nil
}

// WritePool persists the state: an INSERT when the pool was missing, a
// single-row UPDATE otherwise. Clears Missing on success.
func WritePool(db *gorm.DB, pri, sec string, st *PoolState) error {
	if st.Missing {
		row := models.Pool{
			Primary:     pri,
			Secondary:   sec,
			Reserve0:    numeric.Format(st.Reserve0),
			Reserve1:    numeric.Format(st.Reserve1),
			TotalSupply: numeric.Format(st.TotalSupply),
		}
		if err := db.Create(&row).Error; err != nil {
			return errs.Infraf(err, "failed to create pool %s/%s", pri, sec)
		}
		st.Missing = false
		return nil
	}
	res := db.Model(&models.Pool{}).
		Where("pri = ? AND sec = ?", pri, sec).
		Updates(map[string]any{
			"reserve0":     numeric.Format(st.Reserve0),
			"reserve1":     numeric.Format(st.Reserve1),
			"total_supply": numeric.Format(st.TotalSupply),
		})
	if res.Error != nil {
		return errs.Infraf(res.Error, "failed to update pool %s/%s", pri, sec)
	}
	if res.RowsAffected != 1 {
		return errs.Consistencyf("amm: improper pool write effect for %s/%s (should not reach here)", pri, sec)
	}
	return nil
}
