package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantaex/coreex/common/dbutil"
	"github.com/quantaex/coreex/common/errs"
	"github.com/quantaex/coreex/pkg/metrics"
	"github.com/quantaex/coreex/pkg/models"
)

// Tx is one ledger transaction. It wraps a relational transaction and buffers
// all balance mutation until Commit, which flushes net deltas in one pass.
type Tx struct {
	svc  *Service
	db   *gorm.DB
	done bool

	// pending coalesces all Credit/Debit calls into one signed delta per
	// (account, asset) key; zero net deltas produce no store write.
	pending map[string]*big.Int
	// replay records individual shifts in call order, kept only in the
	// test-only replay mode.
	replay []replayShift
	// prior snapshots the balance value observed when a key was first read.
	// Presence means a row existed; it guards the commit-time UPDATE.
	prior map[string]string

	locked     map[string]bool
	lockedKeys []string
	postCommit []Job
}

type replayShift struct {
	key   string
	shift *big.Int
}

func balanceKey(account uint64, asset string) string {
	return strconv.FormatUint(account, 10) + "_" + asset
}

func splitKey(key string) (uint64, string) {
	pivot := strings.IndexByte(key, '_')
	account, err := strconv.ParseUint(key[:pivot], 10, 64)
	if err != nil {
		panic(errs.Consistencyf("ledger: malformed balance key %q (should not reach here)", key))
	}
	return account, key[pivot+1:]
}

// Store exposes the underlying relational transaction for collaborators that
// mutate non-balance tables (orders, pools, candles) in the same scope.
func (t *Tx) Store() *gorm.DB { return t.db }

// RegisterPostCommit schedules a job to run asynchronously after a successful
// commit. Ownership of the job transfers to the process-wide runner.
func (t *Tx) RegisterPostCommit(job Job) {
	t.postCommit = append(t.postCommit, job)
}

// Credit adds amount to an account. safe posts the opposite delta to the
// shadow account, making the transfer double-entry; unsafe credits are
// reserved for value genuinely entering the system.
func (t *Tx) Credit(asset string, account uint64, amount *big.Int, safe bool) error {
	if err := t.checkMutable(asset, account, amount); err != nil {
		return err
	}
	if safe {
		t.shift(balanceKey(models.ShadowAccount, asset), new(big.Int).Neg(amount))
	}
	t.shift(balanceKey(account, asset), new(big.Int).Set(amount))
	return nil
}

// Debit removes amount from an account. Insufficiency surfaces at commit,
// when the delta is applied against the row re-read under lock.
func (t *Tx) Debit(asset string, account uint64, amount *big.Int, safe bool) error {
	if err := t.checkMutable(asset, account, amount); err != nil {
		return err
	}
	if safe {
		t.shift(balanceKey(models.ShadowAccount, asset), new(big.Int).Set(amount))
	}
	t.shift(balanceKey(account, asset), new(big.Int).Neg(amount))
	return nil
}

func (t *Tx) checkMutable(asset string, account uint64, amount *big.Int) error {
	if t.done {
		return errs.Consistency("ledger: mutation on finished transaction (should not reach here)")
	}
	if account == models.ShadowAccount {
		return errs.Validation(errs.CodeInternal, "direct shadow account mutation")
	}
	if asset == "" {
		return errs.Validation(errs.CodeUnknownAsset, "empty asset symbol")
	}
	if amount == nil || amount.Sign() < 0 {
		return errs.Consistency("ledger: negative mutation amount (should not reach here)")
	}
	return nil
}

func (t *Tx) shift(key string, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	if cur, ok := t.pending[key]; ok {
		cur.Add(cur, delta)
	} else {
		t.pending[key] = delta
	}
	if t.svc.replayUpdates {
		t.replay = append(t.replay, replayShift{key: key, shift: new(big.Int).Set(delta)})
	}
}

// GetBalance returns the committed balance of (asset, account), not adjusted
// for this transaction's pending deltas. The cache path is skipped for
// non-cacheable assets and in multiserver mode; a cache hit still takes the
// per-key write lock, queued for release at transaction end.
func (t *Tx) GetBalance(asset string, account uint64) (*big.Int, error) {
	if t.done {
		return nil, errs.Consistency("ledger: read on finished transaction (should not reach here)")
	}
	return t.balanceForKey(balanceKey(account, asset))
}

func (t *Tx) balanceForKey(key string) (*big.Int, error) {
	account, asset := splitKey(key)
	if t.svc.multiserver || !t.svc.registry.Cacheable(asset) {
		v, exists, err := t.fetchRow(account, asset)
		if err != nil {
			return nil, err
		}
		if exists {
			t.snapshot(key, v)
		}
		return v, nil
	}

	if !t.locked[key] {
		t.svc.cache.lockKey(key)
		t.locked[key] = true
		t.lockedKeys = append(t.lockedKeys, key)
	}
	if v, ok := t.svc.cache.get(key); ok {
		metrics.CacheHits.Inc()
		t.snapshot(key, v)
		return v, nil
	}
	metrics.CacheMisses.Inc()
	v, exists, err := t.fetchRow(account, asset)
	if err != nil {
		return nil, err
	}
	if exists {
		// Only backed rows enter the cache: a cached zero with no row
		// behind it would mislead a later commit into a guarded UPDATE
		// against nothing.
		t.snapshot(key, v)
		t.svc.cache.put(key, v)
	}
	return v, nil
}

func (t *Tx) snapshot(key string, v *big.Int) {
	if _, ok := t.prior[key]; !ok {
		t.prior[key] = v.String()
	}
}

func (t *Tx) fetchRow(account uint64, asset string) (*big.Int, bool, error) {
	var row models.Balance
	err := dbutil.ForUpdate(t.db).
		Where("account = ? AND asset = ?", account, asset).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), false, nil
	}
	if err != nil {
		return nil, false, errs.Infraf(err, "failed to read balance %d/%s", account, asset)
	}
	v, perr := parseStored(row.Amount)
	if perr != nil {
		return nil, false, errs.Consistencyf("ledger: corrupt balance row %d/%s (should not reach here)", account, asset)
	}
	return v, true, nil
}

func parseStored(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok || x.Sign() < 0 {
		return nil, fmt.Errorf("malformed stored amount %q", s)
	}
	return x, nil
}

// Commit applies all pending deltas and confirms them before the relational
// commit. Deltas are only observable after a fully confirmed write pass; any
// failure rolls the whole transaction back.
func (t *Tx) Commit() error {
	if t.done {
		return errs.Consistency("ledger: commit on finished transaction (should not reach here)")
	}

	dirty, err := t.applyPending()
	if err != nil {
		t.abort(nil)
		return err
	}
	if err := t.flush(dirty); err != nil {
		t.abort(dirty)
		return err
	}
	if err := t.db.Commit().Error; err != nil {
		t.abort(dirty)
		return errs.Infra(err, "failed to commit transaction")
	}

	t.done = true
	t.svc.observeCommit(true)

	for _, job := range t.postCommit {
		t.svc.jobs.Enqueue(job)
	}
	t.postCommit = nil

	if !t.svc.multiserver {
		for key, v := range dirty {
			if _, asset := splitKey(key); t.svc.registry.Cacheable(asset) {
				t.svc.cache.put(key, v)
			}
		}
		t.releaseLocks()
	}
	return nil
}

// applyPending resolves every non-zero pending delta against the balance
// re-read under lock, producing the dirty set to flush. Keys are walked in
// sorted order so concurrent commits acquire locks identically; the
// test-only replay mode walks the original call order instead.
func (t *Tx) applyPending() (map[string]*big.Int, error) {
	dirty := make(map[string]*big.Int)

	apply := func(key string, shift *big.Int) error {
		base, ok := dirty[key]
		if !ok {
			var err error
			base, err = t.balanceForKey(key)
			if err != nil {
				return err
			}
		}
		next := new(big.Int).Add(base, shift)
		if next.Sign() < 0 {
			account, asset := splitKey(key)
			if account == models.ShadowAccount {
				return errs.Consistencyf(
					"ledger: attempted to spend unbacked %s balance (should not reach here)", asset)
			}
			return errs.Businessf(errs.CodeInsufficientBalance,
				"insufficient %s balance for account %d", asset, account)
		}
		dirty[key] = next
		return nil
	}

	if t.svc.replayUpdates {
		for _, r := range t.replay {
			if err := apply(r.key, r.shift); err != nil {
				return nil, err
			}
		}
		return dirty, nil
	}

	keys := make([]string, 0, len(t.pending))
	for key, delta := range t.pending {
		if delta.Sign() != 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := apply(key, t.pending[key]); err != nil {
			return nil, err
		}
	}
	return dirty, nil
}

// flush writes every dirty balance: an UPDATE guarded by the prior-value
// snapshot when a row existed, an INSERT otherwise. Each write must affect
// exactly one row.
func (t *Tx) flush(dirty map[string]*big.Int) error {
	keys := make([]string, 0, len(dirty))
	for key := range dirty {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		account, asset := splitKey(key)
		value := dirty[key].String()

		if old, ok := t.prior[key]; ok {
			res := t.db.Model(&models.Balance{}).
				Where("account = ? AND asset = ? AND amount = ?", account, asset, old).
				Update("amount", value)
			if res.Error != nil {
				return errs.Infraf(res.Error, "failed to update balance %d/%s", account, asset)
			}
			if res.RowsAffected != 1 {
				return errs.Consistencyf(
					"ledger: improper balance write effect for %d/%s (should not reach here)", account, asset)
			}
		} else {
			err := t.db.Create(&models.Balance{Account: account, Asset: asset, Amount: value}).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errs.Consistencyf(
					"ledger: duplicate balance row %d/%s (should not reach here)", account, asset)
			}
			if err != nil {
				return errs.Infraf(err, "failed to insert balance %d/%s", account, asset)
			}
		}
	}
	return nil
}

// Rollback discards pending deltas and releases held locks. The cache is left
// untouched: nothing was applied.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.abort(nil)
	return nil
}

// abort rolls back the relational transaction and releases cache locks. When
// the flush may already have issued writes, the affected cache entries are
// evicted rather than left possibly stale.
func (t *Tx) abort(dirty map[string]*big.Int) {
	t.done = true
	if err := t.db.Rollback().Error; err != nil {
		t.svc.logger.Error("rollback failed", zap.Error(err))
	}
	if !t.svc.multiserver {
		for key := range dirty {
			t.svc.cache.remove(key)
		}
		t.releaseLocks()
	}
	t.pending = make(map[string]*big.Int)
	t.replay = nil
	t.postCommit = nil
	t.svc.observeCommit(false)
}

func (t *Tx) releaseLocks() {
	for _, key := range t.lockedKeys {
		t.svc.cache.unlockKey(key)
	}
	t.lockedKeys = nil
	t.locked = make(map[string]bool)
}
