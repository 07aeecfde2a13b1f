// Package market maintains the derived market data the core publishes: daily
// OHLC candles folded in after each trade, and the best bid/ask quote.
package market

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantaex/coreex/common/dbutil"
	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

// CandleJob folds one settlement price into the current day's OHLC row. It is
// registered as a post-commit job by the matching engine: chart data is
// derived state and must not be able to fail a trade.
type CandleJob struct {
	logger *zap.Logger
	db     *gorm.DB
	pri    string
	sec    string
	price  *big.Int
	at     time.Time
}

// NewCandleJob captures the settlement price of a committed trade.
func NewCandleJob(logger *zap.Logger, db *gorm.DB, pri, sec string, price *big.Int, at time.Time) *CandleJob {
	return &CandleJob{
		logger: logger.Named("market"),
		db:     db,
		pri:    pri,
		sec:    sec,
		price:  new(big.Int).Set(price),
		at:     at,
	}
}

func (j *CandleJob) Name() string { return "candle-update" }

// Run upserts the day's candle in its own short transaction. A new day opens
// at the previous day's close so charts have no gaps; within a day the price
// folds into high/low/close.
func (j *CandleJob) Run(ctx context.Context) error {
	day := j.at.UTC().Truncate(24 * time.Hour).Unix()
	price := numeric.Format(j.price)

	return j.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var row models.Candle
		err := dbutil.ForUpdate(db).
			Where("pri = ? AND sec = ? AND timestamp = ?", j.pri, j.sec, day).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			open := price
			var prev models.Candle
			perr := db.Where("pri = ? AND sec = ? AND timestamp < ?", j.pri, j.sec, day).
				Order("timestamp DESC").Take(&prev).Error
			if perr == nil {
				open = prev.Close
			} else if !errors.Is(perr, gorm.ErrRecordNotFound) {
				return errs.Infraf(perr, "failed to read previous candle %s/%s", j.pri, j.sec)
			}
			row = models.Candle{
				Primary:   j.pri,
				Secondary: j.sec,
				Timestamp: day,
				Open:      open,
				High:      maxAmount(open, price),
				Low:       minAmount(open, price),
				Close:     price,
			}
			if cerr := db.Create(&row).Error; cerr != nil {
				return errs.Infraf(cerr, "failed to create candle %s/%s", j.pri, j.sec)
			}
			return nil
		}
		if err != nil {
			return errs.Infraf(err, "failed to read candle %s/%s", j.pri, j.sec)
		}

		res := db.Model(&models.Candle{}).
			Where("pri = ? AND sec = ? AND timestamp = ?", j.pri, j.sec, day).
			Updates(map[string]any{
				"high":  maxAmount(row.High, price),
				"low":   minAmount(row.Low, price),
				"close": price,
			})
		if res.Error != nil {
			return errs.Infraf(res.Error, "failed to update candle %s/%s", j.pri, j.sec)
		}
		if res.RowsAffected != 1 {
			return errs.Consistencyf("market: improper candle write effect for %s/%s (should not reach here)", j.pri, j.sec)
		}
		return nil
	})
}

func maxAmount(a, b string) string {
	if numeric.MustParse(a).Cmp(numeric.MustParse(b)) >= 0 {
		return a
	}
	return b
}

func minAmount(a, b string) string {
	if numeric.MustParse(a).Cmp(numeric.MustParse(b)) <= 0 {
		return a
	}
	return b
}

// Quote is the top of the book for one pair. Nil sides mean an empty book.
type Quote struct {
	Bid *big.Int
	Ask *big.Int
}

// BestBidAsk reads the highest resting buy price and lowest resting sell
// price for the pair.
func BestBidAsk(db *gorm.DB, pri, sec string) (Quote, error) {
	var q Quote
	for _, side := range []struct {
		buy   bool
		order string
		dst   **big.Int
	}{
		{true, "price DESC", &q.Bid},
		{false, "price ASC", &q.Ask},
	} {
		var row models.Order
		err := db.Where("pri = ? AND sec = ? AND buy = ?", pri, sec, side.buy).
			Order(side.order + ", id ASC").Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Quote{}, errs.Infraf(err, "failed to read book top %s/%s", pri, sec)
		}
		v, perr := numeric.Parse(row.Price)
		if perr != nil {
			return Quote{}, errs.Consistencyf("market: corrupt order price on %d (should not reach here)", row.ID)
		}
		*side.dst = v
	}
	return q, nil
}

var _ ledger.Job = (*CandleJob)(nil)
