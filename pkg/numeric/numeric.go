// Package numeric provides the fixed-point integer arithmetic used on every
// money path. Amounts are non-negative arbitrary-precision integers in an
// asset's smallest unit; one whole unit is Scale (10^18) minor units.
//
// The guarded operations panic with a consistency *errs.Error when they see a
// negative operand, a division by zero, or an underflow the caller declared
// impossible. Transaction boundaries recover such panics and roll back; they
// are programming defects, never user-facing errors.
package numeric

import (
	"math/big"

	"github.com/quantaex/coreex/common/errs"
)

var (
	// Scale is the fixed-point unit: 1.0 == 10^18 minor units.
	Scale = mustInt("1000000000000000000")
	// AfterFee and FeeDenom encode the constant-product 0.3% swap fee.
	AfterFee = big.NewInt(997)
	FeeDenom = big.NewInt(1000)

	Zero = big.NewInt(0)
	One  = big.NewInt(1)
	Two  = big.NewInt(2)

	// MinimumLiquidity is burned on a pool's first mint.
	MinimumLiquidity = big.NewInt(1000)
)

func mustInt(s string) *big.Int {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("numeric: bad constant " + s)
	}
	return x
}

// Parse converts a decimal string into an amount. Negative, empty, and
// malformed inputs are validation errors; amounts are persisted and exchanged
// as strings, so this is the single entry point from stored state.
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return nil, errs.Validation(errs.CodeInternal, "empty amount")
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errs.Validationf(errs.CodeInternal, "malformed amount %q", s)
	}
	if x.Sign() < 0 {
		return nil, errs.Validationf(errs.CodeInternal, "negative amount %q", s)
	}
	return x, nil
}

// MustParse is Parse for trusted inputs (configuration, tests).
func MustParse(s string) *big.Int {
	x, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return x
}

func Format(x *big.Int) string { return x.String() }

func guardNonNegative(x *big.Int) {
	if x.Sign() < 0 {
		panic(errs.Consistency("numeric: unexpected negative amount (should not reach here)"))
	}
}

// Add returns a + b.
func Add(a, b *big.Int) *big.Int {
	guardNonNegative(a)
	guardNonNegative(b)
	return new(big.Int).Add(a, b)
}

// Sub returns a - b and panics with a consistency error when the result would
// be negative. Callers for whom underflow is a business condition must test
// the sign themselves before subtracting.
func Sub(a, b *big.Int) *big.Int {
	guardNonNegative(a)
	guardNonNegative(b)
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		panic(errs.Consistency("numeric: subtraction underflow (should not reach here)"))
	}
	return r
}

// SubChecked returns a - b, or reject when the result would be negative.
func SubChecked(a, b *big.Int, reject error) (*big.Int, error) {
	guardNonNegative(a)
	guardNonNegative(b)
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		return nil, reject
	}
	return r, nil
}

// Mul returns a * b.
func Mul(a, b *big.Int) *big.Int {
	guardNonNegative(a)
	guardNonNegative(b)
	return new(big.Int).Mul(a, b)
}

// Div returns a / b truncated toward zero.
func Div(a, b *big.Int) *big.Int {
	guardNonNegative(a)
	guardNonNegative(b)
	if b.Sign() == 0 {
		panic(errs.Consistency("numeric: division by zero (should not reach here)"))
	}
	return new(big.Int).Quo(a, b)
}

func Min(a, b *big.Int) *big.Int {
	guardNonNegative(a)
	guardNonNegative(b)
	if a.Cmp(b) > 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}

func Max(a, b *big.Int) *big.Int {
	guardNonNegative(a)
	guardNonNegative(b)
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}

// Sqrt returns floor(sqrt(y)) by Newton's method over integers, seeded at
// y/2 + 1 and iterated until non-increasing. Exact for perfect squares.
func Sqrt(y *big.Int) *big.Int {
	guardNonNegative(y)
	if y.Cmp(big.NewInt(3)) > 0 {
		z := new(big.Int).Set(y)
		x := new(big.Int).Quo(y, Two)
		x.Add(x, One)
		for x.Cmp(z) < 0 {
			z.Set(x)
			t := new(big.Int).Quo(y, x)
			t.Add(t, x)
			x = t.Quo(t, Two)
		}
		return z
	}
	if y.Sign() == 0 {
		return big.NewInt(0)
	}
	return big.NewInt(1)
}
