package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ledger transaction outcomes by result (committed/rolled_back).
var LedgerTransactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coreex_ledger_transactions_total",
		Help: "Total number of ledger transactions by outcome",
	},
	[]string{"outcome"},
)

// Balance cache effectiveness.
var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreex_balance_cache_hits_total",
		Help: "Balance reads served from the process-local cache",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreex_balance_cache_misses_total",
		Help: "Balance reads that fell through to the store",
	})
)

// TradesExecuted counts fills by source (book/pool).
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coreex_trades_executed_total",
		Help: "Total number of fills by liquidity source",
	},
	[]string{"source"},
)

// PoolSwaps counts AMM swaps by direction (buy/sell).
var PoolSwaps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coreex_pool_swaps_total",
		Help: "Total number of constant-product swaps by direction",
	},
	[]string{"direction"},
)

// WorkerErrors counts background worker failures by worker name.
var WorkerErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coreex_worker_errors_total",
		Help: "Background worker iterations that failed and were retried",
	},
	[]string{"worker"},
)

// PostCommitJobs counts post-commit job executions by outcome.
var PostCommitJobs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coreex_post_commit_jobs_total",
		Help: "Post-commit jobs executed by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(LedgerTransactions, CacheHits, CacheMisses)
	prometheus.MustRegister(TradesExecuted, PoolSwaps, WorkerErrors, PostCommitJobs)
}
