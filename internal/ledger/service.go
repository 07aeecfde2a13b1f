// Package ledger implements the transactional account ledger: per-transaction
// buffered balance deltas, a commit-time flush to the relational store, and a
// bounded process-local balance cache with key-level write locks.
//
// Credit and Debit never touch the store synchronously; they only accumulate
// pending deltas. Safe operations additionally post the equal-and-opposite
// amount to the shadow account, so the sum of all balances for an asset is
// invariant across internal transfers.
package ledger

import (
	"context"
	"math/big"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/pkg/metrics"
)

// Options tune a ledger Service.
type Options struct {
	// Multiserver bypasses the process-local cache and its locks entirely;
	// correctness then rests solely on store-level row locks.
	Multiserver bool
	CacheSize   int
	// ReplayUpdates applies commit deltas in original call order instead of
	// sorted key order. Test-only: the sorted order is what prevents
	// lock-ordering deadlocks between concurrent commits.
	ReplayUpdates bool
	JobBuffer     int
}

// Service owns the store handle, the balance cache, and the post-commit job
// runner. All balance mutation goes through transactions it opens.
type Service struct {
	logger        *zap.Logger
	db            *gorm.DB
	registry      *registry.Registry
	cache         *balanceCache
	jobs          *JobRunner
	multiserver   bool
	replayUpdates bool
}

// NewService creates a ledger service.
func NewService(logger *zap.Logger, db *gorm.DB, reg *registry.Registry, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 65536
	}
	return &Service{
		logger:        logger.Named("ledger"),
		db:            db,
		registry:      reg,
		cache:         newBalanceCache(opts.CacheSize),
		jobs:          newJobRunner(logger, opts.JobBuffer),
		multiserver:   opts.Multiserver,
		replayUpdates: opts.ReplayUpdates,
	}
}

// Begin opens one relational transaction and the ledger state scoped to it.
func (s *Service) Begin(ctx context.Context) (*Tx, error) {
	db := s.db.WithContext(ctx).Begin()
	if db.Error != nil {
		return nil, errs.Infra(db.Error, "failed to begin transaction")
	}
	return &Tx{
		svc:     s,
		db:      db,
		pending: make(map[string]*big.Int),
		prior:   make(map[string]string),
		locked:  make(map[string]bool),
	}, nil
}

// WithTx runs fn inside one ledger transaction, committing on success and
// rolling back on error. Consistency panics (numeric guards, invariant
// violations) are recovered into errors of the consistency class: they
// indicate a programming defect, and the caller must be able to distinguish
// them from rejected requests.
func (s *Service) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			if e, ok := r.(*errs.Error); ok && e.Class == errs.ClassConsistency {
				s.logger.Error("consistency violation", zap.Error(e))
				err = e
				return
			}
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Jobs exposes the post-commit job runner.
func (s *Service) Jobs() *JobRunner { return s.jobs }

// Registry exposes the asset registry the ledger was built with.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Close drains the post-commit queue.
func (s *Service) Close() {
	s.jobs.Close()
}

func (s *Service) observeCommit(committed bool) {
	if committed {
		metrics.LedgerTransactions.WithLabelValues("committed").Inc()
		return
	}
	metrics.LedgerTransactions.WithLabelValues("rolled_back").Inc()
}
