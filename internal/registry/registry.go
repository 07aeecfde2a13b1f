// Package registry is the immutable catalogue of assets and trading pairs.
// It is built once at startup from configuration and passed to components at
// construction; nothing in the system consults mutable global state.
package registry

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantaex/coreex/common/errs"
)

// Asset describes one tradeable asset.
type Asset struct {
	Symbol string
	// MinOrderSize is the smallest GTC order collateral, in minor units.
	MinOrderSize *big.Int
	// NonCacheable excludes the asset from the process-local balance cache
	// (instruments used in derivatives settlement must always be read from
	// the store).
	NonCacheable bool
	// Derivative marks synthetic instruments: no real pool backs them, so
	// they are excluded from AMM liquidity and arbitrage.
	Derivative bool
	// Oracle names the price feed used to settle a derivative series.
	Oracle string
}

// Pair is one tradeable (primary, secondary) combination.
type Pair struct {
	Primary   string
	Secondary string
}

// Registry is immutable after construction.
type Registry struct {
	assets          map[string]Asset
	pairs           map[string]Pair
	settlementAsset string
}

// New validates the declared assets and pairs and builds the registry.
func New(assets []Asset, pairs []Pair, settlementAsset string) (*Registry, error) {
	r := &Registry{
		assets:          make(map[string]Asset, len(assets)),
		pairs:           make(map[string]Pair, len(pairs)),
		settlementAsset: settlementAsset,
	}
	for _, a := range assets {
		if a.Symbol == "" {
			return nil, errs.Validation(errs.CodeUnknownAsset, "asset with empty symbol")
		}
		if a.MinOrderSize == nil {
			a.MinOrderSize = big.NewInt(0)
		}
		if a.MinOrderSize.Sign() < 0 {
			return nil, errs.Validationf(errs.CodeUnknownAsset, "asset %s: negative minimum order size", a.Symbol)
		}
		r.assets[a.Symbol] = a
	}
	for _, p := range pairs {
		if _, ok := r.assets[p.Primary]; !ok {
			return nil, errs.Validationf(errs.CodeUnknownPair, "pair references unknown asset %s", p.Primary)
		}
		if _, ok := r.assets[p.Secondary]; !ok {
			return nil, errs.Validationf(errs.CodeUnknownPair, "pair references unknown asset %s", p.Secondary)
		}
		r.pairs[pairKey(p.Primary, p.Secondary)] = p
	}
	return r, nil
}

// ScaleAmount converts a whole-unit decimal string ("0.01") into minor units.
func ScaleAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errs.Validationf(errs.CodeUnknownAsset, "malformed amount %q", s)
	}
	if d.IsNegative() {
		return nil, errs.Validationf(errs.CodeUnknownAsset, "negative amount %q", s)
	}
	return d.Mul(decimal.New(1, 18)).BigInt(), nil
}

func escape(sym string) string { return strings.ReplaceAll(sym, "_", "__") }

func pairKey(pri, sec string) string { return escape(pri) + "_" + escape(sec) }

// Asset looks up an asset by symbol.
func (r *Registry) Asset(symbol string) (Asset, bool) {
	a, ok := r.assets[symbol]
	return a, ok
}

// HasPair reports whether (pri, sec) is a tradeable pair.
func (r *Registry) HasPair(pri, sec string) bool {
	_, ok := r.pairs[pairKey(pri, sec)]
	return ok
}

// Pairs returns all declared pairs.
func (r *Registry) Pairs() []Pair {
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// Cacheable reports whether balances of symbol may live in the process-local
// cache. Unknown symbols (LP shares, short legs) are cacheable: they are
// ordinary ledger assets.
func (r *Registry) Cacheable(symbol string) bool {
	a, ok := r.assets[symbol]
	return !ok || !a.NonCacheable
}

// IsDerivative reports whether symbol is a synthetic instrument.
func (r *Registry) IsDerivative(symbol string) bool {
	a, ok := r.assets[symbol]
	return ok && a.Derivative
}

// MinOrderSize returns the GTC floor for symbol, zero when none declared.
func (r *Registry) MinOrderSize(symbol string) *big.Int {
	if a, ok := r.assets[symbol]; ok {
		return a.MinOrderSize
	}
	return big.NewInt(0)
}

// SettlementAsset is the asset derivative payouts are credited in.
func (r *Registry) SettlementAsset() string { return r.settlementAsset }

// LPAsset derives the synthetic LP-share symbol for a pool. Underscores in
// the underlying symbols are doubled so the mapping stays unambiguous.
func LPAsset(pri, sec string) string {
	return "LP_" + escape(pri) + "_" + escape(sec)
}
