package matching

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/internal/amm"
	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

const (
	alice uint64 = 21
	bob   uint64 = 22
)

func scaled(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), numeric.Scale)
}

type stack struct {
	engine *Service
	pools  *amm.Service
	ledger *ledger.Service
	db     *gorm.DB
}

func newStack(t *testing.T) *stack {
	return namedStack(t, "")
}

// namedStack isolates multiple databases within one test.
func namedStack(t *testing.T, suffix string) *stack {
	t.Helper()
	dsn := fmt.Sprintf("file:%s%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name(), suffix)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))

	reg, err := registry.New([]registry.Asset{
		{Symbol: "DAI", MinOrderSize: scaled(1)},
		{Symbol: "ETH", MinOrderSize: scaled(1)},
	}, []registry.Pair{
		{Primary: "DAI", Secondary: "ETH"},
	}, "DAI")
	require.NoError(t, err)

	logger := zap.NewNop()
	led := ledger.NewService(logger, db, reg, ledger.Options{})
	t.Cleanup(led.Close)
	pools := amm.NewService(logger, reg)
	return &stack{
		engine: NewService(logger, db, reg, led, pools),
		pools:  pools,
		ledger: led,
		db:     db,
	}
}

func (s *stack) fund(t *testing.T, asset string, account uint64, amount *big.Int) {
	t.Helper()
	require.NoError(t, s.ledger.WithTx(context.Background(), func(tx *ledger.Tx) error {
		return tx.Credit(asset, account, amount, false)
	}))
}

func (s *stack) balance(t *testing.T, asset string, account uint64) *big.Int {
	t.Helper()
	var v *big.Int
	require.NoError(t, s.ledger.WithTx(context.Background(), func(tx *ledger.Tx) error {
		var err error
		v, err = tx.GetBalance(asset, account)
		return err
	}))
	return v
}

func (s *stack) seedPool(t *testing.T, a0, a1 *big.Int) {
	t.Helper()
	s.fund(t, "DAI", bob, a0)
	s.fund(t, "ETH", bob, a1)
	require.NoError(t, s.ledger.WithTx(context.Background(), func(tx *ledger.Tx) error {
		st, err := amm.ReadPool(tx.Store(), "DAI", "ETH")
		if err != nil {
			return err
		}
		if _, err := s.pools.Mint(tx, st, "DAI", "ETH", bob, a0, a1); err != nil {
			return err
		}
		return amm.WritePool(tx.Store(), "DAI", "ETH", st)
	}))
}

func (s *stack) restingOrder(t *testing.T, id uint64) models.Order {
	t.Helper()
	var row models.Order
	require.NoError(t, s.db.Take(&row, id).Error)
	return row
}

func TestGTCRestsOnEmptyBook(t *testing.T) {
	s := newStack(t)
	s.fund(t, "DAI", alice, scaled(10))

	id, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillGTC, alice)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.NotZero(t, id)

	row := s.restingOrder(t, id)
	require.Equal(t, scaled(5).String(), row.Amount)
	require.Equal(t, scaled(10).String(), row.InitialAmount)
	require.Equal(t, "0", row.TotalCost)
	require.Zero(t, s.balance(t, "DAI", alice).Sign())
}

func TestGTCPartialFillRestsRemainder(t *testing.T) {
	s := newStack(t)
	s.fund(t, "ETH", bob, scaled(3))
	s.fund(t, "DAI", alice, scaled(10))

	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, scaled(2), scaled(3), models.FillGTC, bob)
	require.NoError(t, err)

	id, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillGTC, alice)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, sourceBook, trades[0].Source)
	require.Equal(t, scaled(3), trades[0].Amount)
	require.Equal(t, scaled(2), trades[0].Price)

	// The ask is fully consumed and leaves the book.
	var count int64
	require.NoError(t, s.db.Model(&models.Order{}).
		Where("buy = ?", false).Count(&count).Error)
	require.Zero(t, count)

	// The 2 ETH remainder rests with 4 DAI of collateral still backing it.
	require.NotZero(t, id)
	row := s.restingOrder(t, id)
	require.Equal(t, scaled(2).String(), row.Amount)
	require.Equal(t, scaled(6).String(), row.TotalCost)

	require.Equal(t, scaled(3), s.balance(t, "ETH", alice))
	require.Equal(t, scaled(6), s.balance(t, "DAI", bob))
	require.Zero(t, s.balance(t, "ETH", bob).Sign())
}

func TestPriceTimePriority(t *testing.T) {
	s := newStack(t)
	s.fund(t, "ETH", bob, scaled(4))
	s.fund(t, "DAI", alice, scaled(10))

	// Two asks; the cheaper one must fill first despite resting later.
	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, scaled(2), scaled(2), models.FillGTC, bob)
	require.NoError(t, err)
	cheapID, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, scaled(1), scaled(2), models.FillGTC, bob)
	require.NoError(t, err)

	_, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(3), models.FillIOC, alice)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, cheapID, trades[0].Counter)
	require.Equal(t, scaled(1), trades[0].Price)
	require.Equal(t, scaled(2), trades[0].Amount)
	require.Equal(t, scaled(2), trades[1].Price)
	require.Equal(t, scaled(1), trades[1].Amount)

	// 2 at 1.0 plus 1 at 2.0: 4 DAI spent, 6 refunded by IOC.
	require.Equal(t, scaled(3), s.balance(t, "ETH", alice))
	require.Equal(t, scaled(6), s.balance(t, "DAI", alice))
}

func TestFOKFailsWholeTransaction(t *testing.T) {
	s := newStack(t)
	s.fund(t, "ETH", bob, scaled(3))
	s.fund(t, "DAI", alice, scaled(10))

	askID, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, scaled(2), scaled(3), models.FillGTC, bob)
	require.NoError(t, err)

	_, _, err = s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillFOK, alice)
	require.Equal(t, errs.CodeFOKUnfilled, errs.CodeOf(err))

	// Nothing moved: the partial fill rolled back with the rejection.
	require.Equal(t, scaled(10), s.balance(t, "DAI", alice))
	require.Zero(t, s.balance(t, "ETH", alice).Sign())
	row := s.restingOrder(t, askID)
	require.Equal(t, scaled(3).String(), row.Amount)
	require.Equal(t, "0", row.TotalCost)
}

func TestFOKFullyFilled(t *testing.T) {
	s := newStack(t)
	s.fund(t, "ETH", bob, scaled(5))
	s.fund(t, "DAI", alice, scaled(10))

	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, scaled(2), scaled(5), models.FillGTC, bob)
	require.NoError(t, err)

	id, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillFOK, alice)
	require.NoError(t, err)
	require.Zero(t, id)
	require.Len(t, trades, 1)
	require.Equal(t, scaled(5), s.balance(t, "ETH", alice))
}

func TestIOCRefundsRemainder(t *testing.T) {
	s := newStack(t)
	s.fund(t, "DAI", alice, scaled(10))

	id, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillIOC, alice)
	require.NoError(t, err)
	require.Zero(t, id)
	require.Empty(t, trades)
	require.Equal(t, scaled(10), s.balance(t, "DAI", alice))

	var count int64
	require.NoError(t, s.db.Model(&models.Order{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestPoolFillsBeforeWorseBook(t *testing.T) {
	s := newStack(t)
	s.seedPool(t, scaled(1000), scaled(1000))
	s.fund(t, "ETH", bob, scaled(100))
	s.fund(t, "DAI", alice, scaled(200))

	// Pool sits at price 1.0; the only ask wants 2.0. The taker's whole
	// budget clears against the pool before the ask is touched.
	askID, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, scaled(2), scaled(100), models.FillGTC, bob)
	require.NoError(t, err)

	id, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(100), models.FillIOC, alice)
	require.NoError(t, err)
	require.Zero(t, id)
	require.Len(t, trades, 1)
	require.Equal(t, sourcePool, trades[0].Source)
	require.Equal(t, scaled(100), trades[0].Amount)

	// 200 DAI through the pool at spot ~1.0 beats the 2.0 limit.
	require.Equal(t, numeric.MustParse("166249791562447890611"),
		s.balance(t, "ETH", alice))
	require.Zero(t, s.balance(t, "DAI", alice).Sign())

	// The custody entered the pool exactly once.
	var pool models.Pool
	require.NoError(t, s.db.Where("pri = ? AND sec = ?", "DAI", "ETH").Take(&pool).Error)
	require.Equal(t, scaled(1200).String(), pool.Reserve0)
	require.Equal(t, "833750208437552109389", pool.Reserve1)

	row := s.restingOrder(t, askID)
	require.Equal(t, scaled(100).String(), row.Amount)
}

func TestPoolAndBookFillsChargeCustodyOnce(t *testing.T) {
	s := newStack(t)
	s.seedPool(t, scaled(1000), scaled(1000))
	s.fund(t, "ETH", bob, scaled(100))
	// Funded with exactly the order's collateral: any extra charge on the
	// pool leg overdraws the account and fails the whole placement.
	s.fund(t, "DAI", alice, scaled(300))

	price := numeric.MustParse("1500000000000000000")
	askID, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, price, scaled(100), models.FillGTC, bob)
	require.NoError(t, err)

	_, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, price, scaled(200), models.FillIOC, alice)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, sourcePool, trades[0].Source)
	require.Equal(t, numeric.MustParse("149051403661572085580"), trades[0].Amount)
	require.Equal(t, sourceBook, trades[1].Source)
	require.Equal(t, numeric.MustParse("50948596338427914420"), trades[1].Amount)

	// Both legs together consume the 300 DAI custody to the last unit.
	require.Zero(t, s.balance(t, "DAI", alice).Sign())
	require.Equal(t, numeric.MustParse("233224507956026674710"),
		s.balance(t, "ETH", alice))
	require.Equal(t, numeric.MustParse("76422894507641871630"),
		s.balance(t, "DAI", bob))
	require.Zero(t, s.balance(t, "ETH", bob).Sign())

	var pool models.Pool
	require.NoError(t, s.db.Where("pri = ? AND sec = ?", "DAI", "ETH").Take(&pool).Error)
	require.Equal(t, "1223577105492358128370", pool.Reserve0)
	require.Equal(t, "817724088382401239710", pool.Reserve1)

	row := s.restingOrder(t, askID)
	require.Equal(t, "49051403661572085580", row.Amount)
}

func TestIdenticalOrderReplaysIdentically(t *testing.T) {
	askPriceLow := numeric.MustParse("1200000000000000000")
	askPriceHigh := numeric.MustParse("1800000000000000000")

	// A shallow pool between two asks forces the taker through pool and
	// book legs alternately and leaves a resting remainder.
	run := func(suffix string) ([]Trade, []models.Order, models.Pool, *stack) {
		s := namedStack(t, suffix)
		s.seedPool(t, scaled(10), scaled(10))
		s.fund(t, "ETH", bob, scaled(5))
		s.fund(t, "DAI", alice, scaled(20))

		_, _, err := s.engine.PlaceOrder(context.Background(),
			"DAI", "ETH", false, askPriceLow, scaled(2), models.FillGTC, bob)
		require.NoError(t, err)
		_, _, err = s.engine.PlaceOrder(context.Background(),
			"DAI", "ETH", false, askPriceHigh, scaled(3), models.FillGTC, bob)
		require.NoError(t, err)

		_, trades, err := s.engine.PlaceOrder(context.Background(),
			"DAI", "ETH", true, scaled(2), scaled(10), models.FillGTC, alice)
		require.NoError(t, err)

		var book []models.Order
		require.NoError(t, s.db.Order("id ASC").Find(&book).Error)
		for i := range book {
			book[i].CreatedAt = time.Time{}
		}
		var pool models.Pool
		require.NoError(t, s.db.Where("pri = ? AND sec = ?", "DAI", "ETH").Take(&pool).Error)
		return trades, book, pool, s
	}

	tradesA, bookA, poolA, stackA := run("A")
	tradesB, bookB, poolB, stackB := run("B")

	require.NotEmpty(t, tradesA)
	require.Equal(t, tradesA, tradesB)
	require.Equal(t, bookA, bookB)
	require.Equal(t, poolA.Reserve0, poolB.Reserve0)
	require.Equal(t, poolA.Reserve1, poolB.Reserve1)
	require.Equal(t, poolA.TotalSupply, poolB.TotalSupply)
	for _, asset := range []string{"DAI", "ETH"} {
		require.Equal(t, stackA.balance(t, asset, alice), stackB.balance(t, asset, alice))
		require.Equal(t, stackA.balance(t, asset, bob), stackB.balance(t, asset, bob))
	}
}

func TestBelowMinimumGTCRejected(t *testing.T) {
	s := newStack(t)
	s.fund(t, "DAI", alice, scaled(10))

	// 0.5 DAI of collateral is under the 1 DAI floor.
	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, numeric.MustParse("500000000000000000"), scaled(1),
		models.FillGTC, alice)
	require.Equal(t, errs.CodeBelowMinimum, errs.CodeOf(err))

	// The floor binds resting orders only.
	_, _, err = s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, numeric.MustParse("500000000000000000"), scaled(1),
		models.FillIOC, alice)
	require.NoError(t, err)
}

func TestPlaceOrderValidation(t *testing.T) {
	s := newStack(t)

	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "XRP", true, scaled(1), scaled(1), models.FillGTC, alice)
	require.Equal(t, errs.CodeUnknownPair, errs.CodeOf(err))

	_, _, err = s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(1), big.NewInt(0), models.FillGTC, alice)
	require.Equal(t, errs.CodeZeroOrder, errs.CodeOf(err))

	_, _, err = s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, big.NewInt(0), scaled(1), models.FillGTC, alice)
	require.Equal(t, errs.CodeZeroOrder, errs.CodeOf(err))

	_, _, err = s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(1), scaled(1), 9, alice)
	require.Equal(t, errs.CodeInvalidFillMode, errs.CodeOf(err))

	// An unpriced sell is a pure market order; it may not rest.
	_, _, err = s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, big.NewInt(0), scaled(1), models.FillGTC, alice)
	require.Equal(t, errs.CodeZeroOrder, errs.CodeOf(err))
}

func TestInsufficientCollateralRejected(t *testing.T) {
	s := newStack(t)
	s.fund(t, "DAI", alice, scaled(5))

	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillGTC, alice)
	require.Equal(t, errs.CodeInsufficientBalance, errs.CodeOf(err))
	require.Equal(t, scaled(5), s.balance(t, "DAI", alice))
}

func TestCancelOrder(t *testing.T) {
	s := newStack(t)
	s.fund(t, "DAI", alice, scaled(10))

	id, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillGTC, alice)
	require.NoError(t, err)

	require.Equal(t, errs.CodeNotOrderOwner,
		errs.CodeOf(s.engine.CancelOrder(context.Background(), id, bob)))

	require.NoError(t, s.engine.CancelOrder(context.Background(), id, alice))
	require.Equal(t, scaled(10), s.balance(t, "DAI", alice))

	// Already gone.
	require.Equal(t, errs.CodeOrderNotFound,
		errs.CodeOf(s.engine.CancelOrder(context.Background(), id, alice)))
}

func TestZeroPricedSellTakesAnyBid(t *testing.T) {
	s := newStack(t)
	s.fund(t, "DAI", bob, scaled(10))
	s.fund(t, "ETH", alice, scaled(2))

	_, _, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", true, scaled(2), scaled(5), models.FillGTC, bob)
	require.NoError(t, err)

	_, trades, err := s.engine.PlaceOrder(context.Background(),
		"DAI", "ETH", false, big.NewInt(0), scaled(2), models.FillIOC, alice)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, scaled(2), trades[0].Price)
	require.Equal(t, scaled(4), s.balance(t, "DAI", alice))
}
