package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

type fakeChain struct {
	head     uint64
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func newWatcherStack(t *testing.T, chain ChainReader) (*Watcher, *ledger.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))

	reg, err := registry.New([]registry.Asset{{Symbol: "ETH"}}, nil, "DAI")
	require.NoError(t, err)
	led := ledger.NewService(zap.NewNop(), db, reg, ledger.Options{})
	t.Cleanup(led.Close)
	return NewWatcher(zap.NewNop(), db, led, chain, 12, time.Second), led, db
}

func pending(t *testing.T, db *gorm.DB, account uint64, hash string, amount *big.Int) uint64 {
	t.Helper()
	row := models.PendingDeposit{
		Account: account,
		Asset:   "ETH",
		TxHash:  hash,
		Amount:  numeric.Format(amount),
	}
	require.NoError(t, db.Create(&row).Error)
	return row.ID
}

func balance(t *testing.T, led *ledger.Service, account uint64) *big.Int {
	t.Helper()
	var v *big.Int
	require.NoError(t, led.WithTx(context.Background(), func(tx *ledger.Tx) error {
		var err error
		v, err = tx.GetBalance("ETH", account)
		return err
	}))
	return v
}

func receipt(block uint64, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(block),
	}
}

func TestConfirmedDepositCredited(t *testing.T) {
	hash := common.HexToHash("0x01")
	chain := &fakeChain{
		head: 100,
		receipts: map[common.Hash]*types.Receipt{
			hash: receipt(80, types.ReceiptStatusSuccessful),
		},
	}
	w, led, db := newWatcherStack(t, chain)
	pending(t, db, 5, hash.Hex(), big.NewInt(1000))

	require.NoError(t, w.Sweep(context.Background()))

	require.Equal(t, big.NewInt(1000), balance(t, led, 5))
	var count int64
	require.NoError(t, db.Model(&models.PendingDeposit{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestShallowDepositWaits(t *testing.T) {
	hash := common.HexToHash("0x02")
	chain := &fakeChain{
		head: 100,
		receipts: map[common.Hash]*types.Receipt{
			hash: receipt(95, types.ReceiptStatusSuccessful),
		},
	}
	w, led, db := newWatcherStack(t, chain)
	pending(t, db, 5, hash.Hex(), big.NewInt(1000))

	require.NoError(t, w.Sweep(context.Background()))
	require.Zero(t, balance(t, led, 5).Sign())

	var count int64
	require.NoError(t, db.Model(&models.PendingDeposit{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	// The chain advances past the safe depth; the next sweep credits it.
	chain.head = 107
	require.NoError(t, w.Sweep(context.Background()))
	require.Equal(t, big.NewInt(1000), balance(t, led, 5))
}

func TestUnminedDepositWaits(t *testing.T) {
	w, led, db := newWatcherStack(t, &fakeChain{head: 100})
	pending(t, db, 5, common.HexToHash("0x03").Hex(), big.NewInt(1000))

	require.NoError(t, w.Sweep(context.Background()))
	require.Zero(t, balance(t, led, 5).Sign())
}

func TestRevertedDepositDropped(t *testing.T) {
	hash := common.HexToHash("0x04")
	chain := &fakeChain{
		head: 100,
		receipts: map[common.Hash]*types.Receipt{
			hash: receipt(50, types.ReceiptStatusFailed),
		},
	}
	w, led, db := newWatcherStack(t, chain)
	pending(t, db, 5, hash.Hex(), big.NewInt(1000))

	require.NoError(t, w.Sweep(context.Background()))
	require.Zero(t, balance(t, led, 5).Sign())

	var count int64
	require.NoError(t, db.Model(&models.PendingDeposit{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSweepCreditsExactlyOnce(t *testing.T) {
	hash := common.HexToHash("0x05")
	chain := &fakeChain{
		head: 100,
		receipts: map[common.Hash]*types.Receipt{
			hash: receipt(10, types.ReceiptStatusSuccessful),
		},
	}
	w, led, db := newWatcherStack(t, chain)
	pending(t, db, 5, hash.Hex(), big.NewInt(1000))

	require.NoError(t, w.Sweep(context.Background()))
	require.NoError(t, w.Sweep(context.Background()))
	require.Equal(t, big.NewInt(1000), balance(t, led, 5))
}
