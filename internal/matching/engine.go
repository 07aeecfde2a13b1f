// Package matching executes orders against the resting book and the liquidity
// pool inside one ledger transaction. Collateral is debited when an order
// enters; every later movement is a safe transfer out of that custody, so a
// crash or rollback at any point leaves all balances whole.
package matching

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
	"github.com/quantaex/coreex/internal/market"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/pkg/metrics"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

// Trade is one execution produced by PlaceOrder. Amount is in the secondary
// asset; Counter is the resting order consumed, zero for pool fills.
type Trade struct {
	Price   *big.Int
	Amount  *big.Int
	Source  string // "book" or "pool"
	Counter uint64
}

const (
	sourceBook = "book"
	sourcePool = "pool"
)

// Service is the matching engine.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	registry *registry.Registry
	ledger   *ledger.Service
	amm      *amm.Service
	now      func() time.Time
}

func NewService(logger *zap.Logger, db *gorm.DB, reg *registry.Registry, led *ledger.Service, pools *amm.Service) *Service {
	return &Service{
		logger:   logger.Named("matching"),
		db:       db,
		registry: reg,
		ledger:   led,
		amm:      pools,
		now:      time.Now,
	}
}

// PlaceOrder runs one order to completion: validate, debit collateral, match
// against the counter book with a pool arbitrage pass at each counter's
// price, offer the remainder to the pool at the order's own price, then
// dispose of what is left according to fillMode. Returns the resting order ID
// (zero unless a GTC remainder rested) and the executed trades.
func (s *Service) PlaceOrder(ctx context.Context, pri, sec string, buy bool, price, amount *big.Int, fillMode int, placer uint64) (uint64, []Trade, error) {
	if !s.registry.HasPair(pri, sec) {
		return 0, nil, errs.Validationf(errs.CodeUnknownPair, "unknown pair %s/%s", pri, sec)
	}
	switch fillMode {
	case models.FillGTC, models.FillIOC, models.FillFOK:
	default:
		return 0, nil, errs.Validationf(errs.CodeInvalidFillMode, "invalid fill mode %d", fillMode)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, nil, errs.Validation(errs.CodeZeroOrder, "order without size")
	}
	if price == nil {
		price = big.NewInt(0)
	}
	if price.Sign() < 0 {
		return 0, nil, errs.Validation(errs.CodeZeroOrder, "negative price")
	}
	if buy && price.Sign() == 0 {
		return 0, nil, errs.Validation(errs.CodeZeroOrder, "buy order requires a price")
	}
	if price.Sign() == 0 && fillMode == models.FillGTC {
		// An unpriced sell takes whatever bid is there; resting it would
		// leave a standing order that crosses any future bid at that bid's
		// price.
		return 0, nil, errs.Validation(errs.CodeZeroOrder, "unpriced sell cannot rest")
	}

	collateral := new(big.Int).Set(amount)
	if buy {
		collateral = numeric.Div(numeric.Mul(amount, price), numeric.Scale)
	}
	if collateral.Sign() == 0 {
		return 0, nil, errs.Validation(errs.CodeZeroOrder, "order too small to collateralize")
	}

	taker := &order{
		Pri:      pri,
		Sec:      sec,
		Buy:      buy,
		Price:    new(big.Int).Set(price),
		Amount:   new(big.Int).Set(amount),
		Initial:  collateral,
		Cost:     big.NewInt(0),
		PlacedBy: placer,
	}
	if fillMode == models.FillGTC &&
		collateral.Cmp(s.registry.MinOrderSize(taker.collateralAsset())) < 0 {
		return 0, nil, errs.Businessf(errs.CodeBelowMinimum,
			"order below minimum size for %s", taker.collateralAsset())
	}

	var orderID uint64
	var trades []Trade
	err := s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		var err error
		orderID, trades, err = s.run(tx, taker, fillMode)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return orderID, trades, nil
}

func (s *Service) run(tx *ledger.Tx, taker *order, fillMode int) (uint64, []Trade, error) {
	if err := tx.Debit(taker.collateralAsset(), taker.PlacedBy, taker.Initial, true); err != nil {
		return 0, nil, err
	}

	st, err := amm.ReadPool(tx.Store(), taker.Pri, taker.Sec)
	if err != nil {
		return 0, nil, err
	}
	counters, err := s.loadCounterBook(tx.Store(), taker)
	if err != nil {
		return 0, nil, err
	}

	var trades []Trade
	var touched []*order
	poolDirty := false

	for _, c := range counters {
		if taker.spent() {
			break
		}
		if !crosses(taker, c.Price) {
			break
		}
		if c.spent() || c.tradableAt(c.Price).Sign() == 0 {
			// Stale dust left by rounding; swept in the persistence pass.
			touched = append(touched, c)
			continue
		}

		fill, err := s.amm.ArbFill(tx, st, taker.Pri, taker.Sec, taker.PlacedBy,
			taker.Buy, c.Price, arbBudget(taker, c.Price))
		if err != nil {
			return 0, nil, err
		}
		if fill != nil {
			poolDirty = true
			taker.fill(fill.AmountSec, c.Price)
			trades = append(trades, Trade{
				Price:  new(big.Int).Set(c.Price),
				Amount: fill.AmountSec,
				Source: sourcePool,
			})
			metrics.TradesExecuted.WithLabelValues(sourcePool).Inc()
			if taker.spent() {
				break
			}
		}

		amt := numeric.Min(taker.tradableAt(c.Price), c.tradableAt(c.Price))
		if amt.Sign() == 0 {
			// The taker cannot afford one unit here; every later counter
			// is priced worse.
			break
		}
		takerCost := taker.fill(amt, c.Price)
		counterCost := c.fill(amt, c.Price)
		if taker.Buy {
			if err := tx.Credit(taker.Sec, taker.PlacedBy, amt, true); err != nil {
				return 0, nil, err
			}
			if err := tx.Credit(taker.Pri, c.PlacedBy, takerCost, true); err != nil {
				return 0, nil, err
			}
		} else {
			if err := tx.Credit(taker.Pri, taker.PlacedBy, counterCost, true); err != nil {
				return 0, nil, err
			}
			if err := tx.Credit(taker.Sec, c.PlacedBy, amt, true); err != nil {
				return 0, nil, err
			}
		}
		touched = append(touched, c)
		trades = append(trades, Trade{
			Price:   new(big.Int).Set(c.Price),
			Amount:  amt,
			Source:  sourceBook,
			Counter: c.ID,
		})
		metrics.TradesExecuted.WithLabelValues(sourceBook).Inc()
	}

	// The book is exhausted or no longer crosses; the pool gets a final look
	// at the order's own limit.
	if !taker.spent() {
		fill, err := s.amm.ArbFill(tx, st, taker.Pri, taker.Sec, taker.PlacedBy,
			taker.Buy, taker.Price, arbBudget(taker, taker.Price))
		if err != nil {
			return 0, nil, err
		}
		if fill != nil {
			poolDirty = true
			taker.fill(fill.AmountSec, taker.Price)
			trades = append(trades, Trade{
				Price:  new(big.Int).Set(taker.Price),
				Amount: fill.AmountSec,
				Source: sourcePool,
			})
			metrics.TradesExecuted.WithLabelValues(sourcePool).Inc()
		}
	}

	orderID, err := s.dispose(tx, taker, fillMode)
	if err != nil {
		return 0, nil, err
	}
	if err := s.persistCounters(tx, touched); err != nil {
		return 0, nil, err
	}
	if poolDirty {
		if err := amm.WritePool(tx.Store(), taker.Pri, taker.Sec, st); err != nil {
			return 0, nil, err
		}
	}
	if len(trades) > 0 {
		last := trades[len(trades)-1]
		tx.RegisterPostCommit(market.NewCandleJob(
			s.logger, s.db, taker.Pri, taker.Sec, last.Price, s.now()))
	}
	return orderID, trades, nil
}

func (s *Service) loadCounterBook(db *gorm.DB, taker *order) ([]*order, error) {
	ordering := "price DESC, id ASC"
	if taker.Buy {
		ordering = "price ASC, id ASC"
	}
	var rows []models.Order
	err := dbutil.ForUpdate(db).
		Where("pri = ? AND sec = ? AND buy = ?", taker.Pri, taker.Sec, !taker.Buy).
		Order(ordering).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Infraf(err, "failed to load counter book %s/%s", taker.Pri, taker.Sec)
	}
	out := make([]*order, 0, len(rows))
	for i := range rows {
		c, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// crosses reports whether the counter price is acceptable to the taker. A
// zero-priced sell accepts any bid.
func crosses(taker *order, counterPrice *big.Int) bool {
	if taker.Buy {
		return counterPrice.Cmp(taker.Price) <= 0
	}
	if taker.Price.Sign() == 0 {
		return true
	}
	return counterPrice.Cmp(taker.Price) >= 0
}

// arbBudget is the most input collateral the order can push into the pool at
// the target price: primary for buys, secondary for sells.
func arbBudget(o *order, target *big.Int) *big.Int {
	if o.Buy {
		return numeric.Min(o.balance(), numeric.Div(numeric.Mul(o.Amount, target), numeric.Scale))
	}
	return numeric.Min(o.balance(), o.Amount)
}

func (s *Service) dispose(tx *ledger.Tx, taker *order, fillMode int) (uint64, error) {
	switch fillMode {
	case models.FillFOK:
		if taker.Amount.Sign() != 0 {
			return 0, errs.Business(errs.CodeFOKUnfilled, "fill-or-kill order not fully fillable")
		}
		return 0, s.refund(tx, taker)
	case models.FillIOC:
		return 0, s.refund(tx, taker)
	}

	if taker.Amount.Sign() > 0 && taker.tradableAt(taker.Price).Sign() > 0 {
		row := models.Order{
			Primary:       taker.Pri,
			Secondary:     taker.Sec,
			Buy:           taker.Buy,
			Price:         numeric.Format(taker.Price),
			Amount:        numeric.Format(taker.Amount),
			InitialAmount: numeric.Format(taker.Initial),
			TotalCost:     numeric.Format(taker.Cost),
			PlacedBy:      taker.PlacedBy,
			CreatedAt:     s.now(),
		}
		if err := tx.Store().Create(&row).Error; err != nil {
			return 0, errs.Infra(err, "failed to rest order")
		}
		return row.ID, nil
	}
	return 0, s.refund(tx, taker)
}

// refund returns the order's unspent collateral to its owner.
func (s *Service) refund(tx *ledger.Tx, o *order) error {
	if r := o.balance(); r.Sign() > 0 {
		return tx.Credit(o.collateralAsset(), o.PlacedBy, r, true)
	}
	return nil
}

// persistCounters applies the final state of every counter the match loop
// consumed: spent orders refund their dust and leave the book, the rest are
// updated in place.
func (s *Service) persistCounters(tx *ledger.Tx, touched []*order) error {
	for _, c := range touched {
		if c.spent() || c.tradableAt(c.Price).Sign() == 0 {
			if err := s.refund(tx, c); err != nil {
				return err
			}
			res := tx.Store().Delete(&models.Order{}, c.ID)
			if res.Error != nil {
				return errs.Infraf(res.Error, "failed to delete order %d", c.ID)
			}
			if res.RowsAffected != 1 {
				return errs.Consistencyf("matching: improper order delete effect for %d (should not reach here)", c.ID)
			}
			continue
		}
		res := tx.Store().Model(&models.Order{}).
			Where("id = ?", c.ID).
			Updates(map[string]any{
				"amount":     numeric.Format(c.Amount),
				"total_cost": numeric.Format(c.Cost),
			})
		if res.Error != nil {
			return errs.Infraf(res.Error, "failed to update order %d", c.ID)
		}
		if res.RowsAffected != 1 {
			return errs.Consistencyf("matching: improper order update effect for %d (should not reach here)", c.ID)
		}
	}
	return nil
}

// CancelOrder removes a resting order and refunds its unspent collateral.
// Only the account that placed the order may cancel it.
func (s *Service) CancelOrder(ctx context.Context, orderID, requester uint64) error {
	return s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		var row models.Order
		err := dbutil.ForUpdate(tx.Store()).Take(&row, orderID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.Businessf(errs.CodeOrderNotFound, "order %d not found", orderID)
		}
		if err != nil {
			return errs.Infraf(err, "failed to read order %d", orderID)
		}
		o, err := fromModel(&row)
		if err != nil {
			return err
		}
		if o.PlacedBy != requester {
			return errs.Businessf(errs.CodeNotOrderOwner, "order %d is not owned by account %d", orderID, requester)
		}
		if err := s.refund(tx, o); err != nil {
			return err
		}
		res := tx.Store().Delete(&models.Order{}, orderID)
		if res.Error != nil {
			return errs.Infraf(res.Error, "failed to delete order %d", orderID)
		}
		if res.RowsAffected != 1 {
			return errs.Consistencyf("matching: improper order delete effect for %d (should not reach here)", orderID)
		}
		return nil
	})
}
