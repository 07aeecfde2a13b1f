// Package settlement issues and expires derivative series. A series is a pair
// of synthetic assets, long and short, backed by settlement-asset collateral
// locked at issuance; at expiry every position converts back to the
// settlement asset at the oracle price and the series rolls forward.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantaex/coreex/common/dbutil"
	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/internal/amm"
	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/pkg/metrics"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

// Oracle resolves the settlement price of a symbol in the settlement asset,
// Scale-fixed.
type Oracle interface {
	Price(ctx context.Context, symbol string) (*big.Int, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, symbol string) (*big.Int, error)

func (f OracleFunc) Price(ctx context.Context, symbol string) (*big.Int, error) {
	return f(ctx, symbol)
}

// PoolOracle prices a symbol off its liquidity pool against the settlement
// asset. The pool's marginal price is kept honest by book arbitrage, which
// makes it a serviceable on-venue feed.
type PoolOracle struct {
	db              *gorm.DB
	settlementAsset string
}

func NewPoolOracle(db *gorm.DB, settlementAsset string) *PoolOracle {
	return &PoolOracle{db: db, settlementAsset: settlementAsset}
}

func (o *PoolOracle) Price(ctx context.Context, symbol string) (*big.Int, error) {
	st, err := amm.ReadPool(o.db.WithContext(ctx), o.settlementAsset, symbol)
	if err != nil {
		return nil, err
	}
	if st.Empty() {
		return nil, errs.Businessf(errs.CodeEmptyPool, "no price source for %s", symbol)
	}
	return st.Price(), nil
}

// Service issues and settles derivative series.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	ledger     *ledger.Service
	registry   *registry.Registry
	oracle     Oracle
	interval   time.Duration
	rollPeriod time.Duration
	now        func() time.Time
}

func NewService(logger *zap.Logger, db *gorm.DB, led *ledger.Service, reg *registry.Registry, oracle Oracle, interval, rollPeriod time.Duration) *Service {
	return &Service{
		logger:     logger.Named("settlement"),
		db:         db,
		ledger:     led,
		registry:   reg,
		oracle:     oracle,
		interval:   interval,
		rollPeriod: rollPeriod,
		now:        time.Now,
	}
}

// Issue locks strike·units/Scale of the settlement asset and mints matching
// long and short positions. The locked collateral is exactly the sum of the
// worst-case payouts, so settlement is always fully funded.
func (s *Service) Issue(tx *ledger.Tx, seriesName string, account uint64, units *big.Int) error {
	if units == nil || units.Sign() <= 0 {
		return errs.Validation(errs.CodeZeroInput, "zero issuance")
	}
	series, err := s.loadSeries(tx.Store(), seriesName)
	if err != nil {
		return err
	}
	kind, err := KindByName(series.Kind)
	if err != nil {
		return err
	}
	strike, err := numeric.Parse(series.Strike)
	if err != nil {
		return errs.Consistencyf("settlement: corrupt strike on %s (should not reach here)", seriesName)
	}

	lock := numeric.Div(numeric.Mul(kind.MaxShortLoss(strike), units), numeric.Scale)
	if lock.Sign() == 0 {
		return errs.Business(errs.CodeZeroOrder, "issuance too small to collateralize")
	}
	if err := tx.Debit(s.registry.SettlementAsset(), account, lock, true); err != nil {
		return err
	}
	if err := tx.Credit(seriesName, account, units, false); err != nil {
		return err
	}
	return tx.Credit(ShortAsset(seriesName), account, units, false)
}

func (s *Service) loadSeries(db *gorm.DB, name string) (*models.DerivativeSeries, error) {
	var row models.DerivativeSeries
	err := dbutil.ForUpdate(db).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Validationf(errs.CodeUnknownAsset, "unknown series %s", name)
	}
	if err != nil {
		return nil, errs.Infraf(err, "failed to read series %s", name)
	}
	return &row, nil
}

// Run settles expired series on the configured interval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	var series []models.DerivativeSeries
	if err := s.db.WithContext(ctx).Find(&series).Error; err != nil {
		metrics.WorkerErrors.WithLabelValues("settlement").Inc()
		s.logger.Error("failed to list series", zap.Error(err))
		return
	}
	now := s.now().Unix()
	for i := range series {
		if series[i].Expiry > now {
			continue
		}
		if err := s.Settle(ctx, series[i].Name); err != nil {
			metrics.WorkerErrors.WithLabelValues("settlement").Inc()
			s.logger.Error("series settlement failed",
				zap.String("series", series[i].Name), zap.Error(err))
		}
	}
}

// Settle converts every position in the series, held or resting on the book,
// into the settlement asset at the oracle price, then rolls the series to the
// next cycle at the new at-the-money strike. One ledger transaction covers
// the whole series.
func (s *Service) Settle(ctx context.Context, seriesName string) error {
	// The price feed is keyed by the underlying symbol, not the series name.
	oracleSymbol := seriesName
	if a, ok := s.registry.Asset(seriesName); ok && a.Oracle != "" {
		oracleSymbol = a.Oracle
	}
	price, err := s.oracle.Price(ctx, oracleSymbol)
	if err != nil {
		return err
	}

	return s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		series, err := s.loadSeries(tx.Store(), seriesName)
		if err != nil {
			return err
		}
		kind, err := KindByName(series.Kind)
		if err != nil {
			return err
		}
		strike, err := numeric.Parse(series.Strike)
		if err != nil {
			return errs.Consistencyf("settlement: corrupt strike on %s (should not reach here)", seriesName)
		}

		long := kind.LongPayout(strike, price)
		short := kind.ShortPayout(strike, price)
		if numeric.Add(long, short).Cmp(kind.MaxShortLoss(strike)) > 0 {
			panic(errs.Consistencyf(
				"settlement: %s payouts exceed locked collateral (should not reach here)", seriesName))
		}

		if err := s.settleHolders(tx, seriesName, long); err != nil {
			return err
		}
		if err := s.settleHolders(tx, ShortAsset(seriesName), short); err != nil {
			return err
		}
		if err := s.settleBook(tx, seriesName, long); err != nil {
			return err
		}
		if err := s.settleBook(tx, ShortAsset(seriesName), short); err != nil {
			return err
		}
		return s.roll(tx.Store(), series, price)
	})
}

// settleHolders converts every held balance of asset into the settlement
// asset at payout per unit. The synthetic units are destroyed; the payout
// comes out of the collateral issuance locked in shadow custody.
func (s *Service) settleHolders(tx *ledger.Tx, asset string, payout *big.Int) error {
	var rows []models.Balance
	err := dbutil.ForUpdate(tx.Store()).
		Where("asset = ? AND account <> ?", asset, models.ShadowAccount).
		Find(&rows).Error
	if err != nil {
		return errs.Infraf(err, "failed to list %s holders", asset)
	}
	for i := range rows {
		held, err := tx.GetBalance(asset, rows[i].Account)
		if err != nil {
			return err
		}
		if held.Sign() == 0 {
			continue
		}
		if err := tx.Debit(asset, rows[i].Account, held, false); err != nil {
			return err
		}
		due := numeric.Div(numeric.Mul(payout, held), numeric.Scale)
		if due.Sign() > 0 {
			if err := tx.Credit(s.registry.SettlementAsset(), rows[i].Account, due, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleBook clears resting orders on the expiring asset. Sells hold the
// synthetic itself as collateral: it is returned, destroyed, and paid out
// like a held balance. Buys hold settlement-asset collateral, which is simply
// refunded.
func (s *Service) settleBook(tx *ledger.Tx, asset string, payout *big.Int) error {
	var rows []models.Order
	err := dbutil.ForUpdate(tx.Store()).Where("sec = ?", asset).Find(&rows).Error
	if err != nil {
		return errs.Infraf(err, "failed to list %s orders", asset)
	}
	for i := range rows {
		row := &rows[i]
		initial, err := numeric.Parse(row.InitialAmount)
		if err != nil {
			return errs.Consistencyf("settlement: corrupt order row %d (should not reach here)", row.ID)
		}
		cost, err := numeric.Parse(row.TotalCost)
		if err != nil {
			return errs.Consistencyf("settlement: corrupt order row %d (should not reach here)", row.ID)
		}
		remaining := numeric.Sub(initial, cost)

		if row.Buy {
			if remaining.Sign() > 0 {
				if err := tx.Credit(row.Primary, row.PlacedBy, remaining, true); err != nil {
					return err
				}
			}
		} else if remaining.Sign() > 0 {
			amount, err := numeric.Parse(row.Amount)
			if err != nil {
				return errs.Consistencyf("settlement: corrupt order row %d (should not reach here)", row.ID)
			}
			units := numeric.Min(amount, remaining)
			// Release the locked units, destroy them, pay out the settled
			// portion.
			if err := tx.Credit(asset, row.PlacedBy, remaining, true); err != nil {
				return err
			}
			if err := tx.Debit(asset, row.PlacedBy, remaining, false); err != nil {
				return err
			}
			due := numeric.Div(numeric.Mul(payout, units), numeric.Scale)
			if due.Sign() > 0 {
				if err := tx.Credit(s.registry.SettlementAsset(), row.PlacedBy, due, true); err != nil {
					return err
				}
			}
		}
		res := tx.Store().Delete(&models.Order{}, row.ID)
		if res.Error != nil {
			return errs.Infraf(res.Error, "failed to delete order %d", row.ID)
		}
		if res.RowsAffected != 1 {
			return errs.Consistencyf("settlement: improper order delete effect for %d (should not reach here)", row.ID)
		}
	}
	return nil
}

// roll advances the series one cycle: the next expiry strictly after now, at
// the new at-the-money strike.
func (s *Service) roll(db *gorm.DB, series *models.DerivativeSeries, price *big.Int) error {
	next := series.Expiry
	now := s.now().Unix()
	period := int64(s.rollPeriod / time.Second)
	if period <= 0 {
		period = int64((24 * time.Hour) / time.Second)
	}
	for next <= now {
		next += period
	}
	res := db.Model(&models.DerivativeSeries{}).
		Where("name = ?", series.Name).
		Updates(map[string]any{
			"strike": numeric.Format(price),
			"expiry": next,
		})
	if res.Error != nil {
		return errs.Infraf(res.Error, "failed to roll series %s", series.Name)
	}
	if res.RowsAffected != 1 {
		return errs.Consistencyf("settlement: improper series write effect for %s (should not reach here)", series.Name)
	}
	return nil
}
