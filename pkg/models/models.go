// Package models holds the persisted state of the trading core. Every numeric
// column is a decimal string: amounts are arbitrary-precision integers in
// 10^18 minor units and must never pass through a native floating type.
package models

import "time"

// ShadowAccount is the reserved counterparty for double-entry bookkeeping.
// It never belongs to a real user; a negative shadow balance is a fatal
// consistency violation.
const ShadowAccount uint64 = 0

// Balance is one (account, asset) ledger row.
type Balance struct {
	Account uint64 `gorm:"primaryKey;autoIncrement:false;column:account"`
	Asset   string `gorm:"primaryKey;column:asset"`
	Amount  string `gorm:"column:amount;not null"`
}

func (Balance) TableName() string { return "balances" }

// Order side values.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Fill modes.
const (
	FillGTC = 0 // rest the remainder, subject to the minimum-size floor
	FillIOC = 1 // refund the remainder, never rest
	FillFOK = 2 // fail the whole request unless fully filled
)

// Order is a resting book entry. Price and identity are immutable; Amount and
// TotalCost advance as the order fills. Amount is in the secondary asset;
// InitialAmount and TotalCost are in the collateral asset (primary for buys,
// secondary for sells), so InitialAmount - TotalCost is the collateral still
// available to fill.
type Order struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Primary       string `gorm:"column:pri;index:idx_orders_book,priority:1"`
	Secondary     string `gorm:"column:sec;index:idx_orders_book,priority:2"`
	Buy           bool   `gorm:"column:buy;index:idx_orders_book,priority:3"`
	Price         string `gorm:"column:price"`
	Amount        string `gorm:"column:amount"`
	InitialAmount string `gorm:"column:initial_amount"`
	TotalCost     string `gorm:"column:total_cost"`
	PlacedBy      uint64 `gorm:"column:placed_by;index"`
	CreatedAt     time.Time
}

func (Order) TableName() string { return "orders" }

// Pool is a constant-product liquidity pool keyed by its asset pair.
// Reserve0 is the primary-asset reserve, Reserve1 the secondary. Pools are
// created implicitly on first mint and never deleted, only driven to zero.
type Pool struct {
	Primary     string `gorm:"primaryKey;column:pri"`
	Secondary   string `gorm:"primaryKey;column:sec"`
	Reserve0    string `gorm:"column:reserve0"`
	Reserve1    string `gorm:"column:reserve1"`
	TotalSupply string `gorm:"column:total_supply"`
}

func (Pool) TableName() string { return "pools" }

// Candle is one daily OHLC row; Timestamp is the day boundary in unix seconds.
type Candle struct {
	Primary   string `gorm:"primaryKey;column:pri"`
	Secondary string `gorm:"primaryKey;column:sec"`
	Timestamp int64  `gorm:"primaryKey;autoIncrement:false;column:timestamp"`
	Open      string `gorm:"column:open"`
	High      string `gorm:"column:high"`
	Low       string `gorm:"column:low"`
	Close     string `gorm:"column:close"`
}

func (Candle) TableName() string { return "candles" }

// PendingDeposit is an on-chain transaction awaiting confirmation; the deposit
// watcher deletes the row once it has been credited or rejected.
type PendingDeposit struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Account   uint64 `gorm:"column:account"`
	Asset     string `gorm:"column:asset"`
	TxHash    string `gorm:"column:tx_hash"`
	Amount    string `gorm:"column:amount"`
	CreatedAt time.Time
}

func (PendingDeposit) TableName() string { return "pending_deposits" }

// DerivativeSeries is one settlement cycle of a synthetic instrument. Name is
// the long-side asset symbol; the short side is Name + "_SHORT". Expiry is
// unix seconds; at expiry the series settles at the oracle price against
// Strike and rolls forward.
type DerivativeSeries struct {
	Name   string `gorm:"primaryKey;column:name"`
	Kind   string `gorm:"column:kind"`
	Strike string `gorm:"column:strike"`
	Expiry int64  `gorm:"column:expiry"`
}

func (DerivativeSeries) TableName() string { return "derivatives" }

// All lists every model for automigration.
func All() []any {
	return []any{
		&Balance{}, &Order{}, &Pool{}, &Candle{}, &PendingDeposit{}, &DerivativeSeries{},
	}
}
