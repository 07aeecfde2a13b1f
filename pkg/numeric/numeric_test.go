package numeric

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaex/coreex/common/errs"
)

func TestParse(t *testing.T) {
	x, err := Parse("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, 0, x.Cmp(Scale))

	for _, bad := range []string{"", "-1", "1.5", "0x10", "abc"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestSqrt(t *testing.T) {
	cases := []struct{ in, want int64 }{
		{0, 0}, {1, 1}, {2, 1}, {3, 1}, {4, 2}, {8, 2}, {9, 3}, {15, 3}, {16, 4},
		{1000000, 1000},
	}
	for _, c := range cases {
		got := Sqrt(big.NewInt(c.in))
		assert.Equal(t, c.want, got.Int64(), "sqrt(%d)", c.in)
	}

	// Exact for a large perfect square: sqrt(10^36) = 10^18.
	sq := new(big.Int).Mul(Scale, Scale)
	assert.Equal(t, 0, Sqrt(sq).Cmp(Scale))

	// Floor otherwise.
	sq.Sub(sq, big.NewInt(1))
	want := new(big.Int).Sub(Scale, big.NewInt(1))
	assert.Equal(t, 0, Sqrt(sq).Cmp(want))
}

func TestSubGuards(t *testing.T) {
	r := Sub(big.NewInt(5), big.NewInt(3))
	assert.Equal(t, int64(2), r.Int64())

	assert.PanicsWithError(t,
		"numeric: subtraction underflow (should not reach here)",
		func() { Sub(big.NewInt(3), big.NewInt(5)) })

	reject := errs.Business(errs.CodeInsufficientBalance, "insufficient balance")
	_, err := SubChecked(big.NewInt(3), big.NewInt(5), reject)
	require.Error(t, err)
	assert.True(t, errs.IsBusiness(err))

	got, err := SubChecked(big.NewInt(5), big.NewInt(5), reject)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Int64())
}

func TestGuardedOps(t *testing.T) {
	neg := big.NewInt(-1)
	assert.Panics(t, func() { Add(neg, One) })
	assert.Panics(t, func() { Mul(One, neg) })
	assert.Panics(t, func() { Div(One, Zero) })
	assert.Panics(t, func() { Sqrt(neg) })

	assert.Equal(t, int64(2), Div(big.NewInt(5), Two).Int64())
	assert.Equal(t, int64(3), Min(big.NewInt(3), big.NewInt(7)).Int64())
	assert.Equal(t, int64(7), Max(big.NewInt(3), big.NewInt(7)).Int64())
}

func TestDivTruncatesTowardZero(t *testing.T) {
	// 10*Scale/3 must truncate, never round.
	got := Div(Mul(big.NewInt(10), Scale), big.NewInt(3))
	want := MustParse("3333333333333333333")
	assert.Equal(t, 0, got.Cmp(want))
}
