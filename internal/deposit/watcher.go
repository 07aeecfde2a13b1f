// Package deposit confirms on-chain deposits and credits them to the ledger.
// A pending deposit row is written by the gateway when a transaction is first
// seen; the watcher credits it once the chain has buried it deep enough.
package deposit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/pkg/metrics"
	"github.com/quantaex/coreex/pkg/models"
	"github.com/quantaex/coreex/pkg/numeric"
)

// ChainReader is the slice of the Ethereum RPC surface the watcher needs.
// *ethclient.Client satisfies it.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Watcher periodically sweeps pending deposits against chain state.
type Watcher struct {
	logger        *zap.Logger
	db            *gorm.DB
	ledger        *ledger.Service
	chain         ChainReader
	confirmations uint64
	interval      time.Duration
}

func NewWatcher(logger *zap.Logger, db *gorm.DB, led *ledger.Service, chain ChainReader, confirmations uint64, interval time.Duration) *Watcher {
	return &Watcher{
		logger:        logger.Named("deposit"),
		db:            db,
		ledger:        led,
		chain:         chain,
		confirmations: confirmations,
		interval:      interval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. Every failure
// is logged and retried on the next tick; a deposit is never lost, only
// delayed.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				metrics.WorkerErrors.WithLabelValues("deposit").Inc()
				w.logger.Error("deposit sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep processes every pending deposit once.
func (w *Watcher) Sweep(ctx context.Context) error {
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return errs.Infra(err, "failed to read chain head")
	}

	var rows []models.PendingDeposit
	if err := w.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return errs.Infra(err, "failed to list pending deposits")
	}

	for i := range rows {
		if err := w.process(ctx, &rows[i], head); err != nil {
			metrics.WorkerErrors.WithLabelValues("deposit").Inc()
			w.logger.Error("deposit not credited",
				zap.Uint64("id", rows[i].ID),
				zap.String("tx", rows[i].TxHash),
				zap.Error(err))
		}
	}
	return nil
}

func (w *Watcher) process(ctx context.Context, row *models.PendingDeposit, head uint64) error {
	receipt, err := w.chain.TransactionReceipt(ctx, common.HexToHash(row.TxHash))
	if err != nil {
		// Not yet mined, or a transient RPC failure; either way, wait.
		w.logger.Debug("deposit receipt unavailable",
			zap.String("tx", row.TxHash), zap.Error(err))
		return nil
	}
	if receipt.BlockNumber == nil ||
		receipt.BlockNumber.Uint64()+w.confirmations > head {
		return nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A reverted transaction will never deposit anything.
		w.logger.Warn("dropping reverted deposit",
			zap.Uint64("id", row.ID), zap.String("tx", row.TxHash))
		return w.drop(ctx, row.ID)
	}

	amount, err := numeric.Parse(row.Amount)
	if err != nil {
		return errs.Consistencyf("deposit: corrupt pending amount on %d (should not reach here)", row.ID)
	}

	return w.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		// Claiming the row first makes the credit exactly-once even with
		// concurrent sweeps.
		res := tx.Store().Delete(&models.PendingDeposit{}, row.ID)
		if res.Error != nil {
			return errs.Infraf(res.Error, "failed to claim deposit %d", row.ID)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Credit(row.Asset, row.Account, amount, false); err != nil {
			return err
		}
		w.logger.Info("deposit credited",
			zap.Uint64("id", row.ID),
			zap.Uint64("account", row.Account),
			zap.String("asset", row.Asset),
			zap.String("amount", row.Amount))
		return nil
	})
}

func (w *Watcher) drop(ctx context.Context, id uint64) error {
	if err := w.db.WithContext(ctx).Delete(&models.PendingDeposit{}, id).Error; err != nil {
		return errs.Infraf(err, "failed to drop deposit %d", id)
	}
	return nil
}
