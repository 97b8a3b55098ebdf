// internal/checked/checked.go
package checked

import (
	"math"
	"math/big"
)

// MaxFundingRate is the safety bound on funding rates accepted by the
// settlement engine. Chosen so that the funding delta of two in-bounds rates
// cannot overflow int64, and so that delta * MaxPositionSize stays comfortably
// inside the 128-bit wide type.
const MaxFundingRate int64 = math.MaxInt64 / 1_000_000

// MaxPositionSize documents the position-size range the MaxFundingRate bound
// was derived against. Trade execution (out of scope here) is expected to
// enforce it; the wide type absorbs any int64 size regardless.
const MaxPositionSize int64 = 1_000_000_000_000

// 128-bit signed range. Wide arithmetic is range-checked against these so the
// engine behaves like fixed-width i128 with checked ops, not unbounded bigint.
var (
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// AddInt64 returns a + b, reporting whether the result fits int64.
func AddInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// SubInt64 returns a - b, reporting whether the result fits int64.
func SubInt64(a, b int64) (int64, bool) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, false
	}
	return diff, true
}

// MulWide returns a * b as a wide integer. The product of two int64 values
// always fits 128 bits, so this cannot fail.
func MulWide(a, b int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
}

// AddWide returns a + b, reporting whether the result stays in the 128-bit
// signed range.
func AddWide(a, b *big.Int) (*big.Int, bool) {
	sum := new(big.Int).Add(a, b)
	return sum, InWideRange(sum)
}

// SubWide returns a - b, reporting whether the result stays in the 128-bit
// signed range.
func SubWide(a, b *big.Int) (*big.Int, bool) {
	diff := new(big.Int).Sub(a, b)
	return diff, InWideRange(diff)
}

// InWideRange reports whether v fits the 128-bit signed range.
func InWideRange(v *big.Int) bool {
	return v.Cmp(minInt128) >= 0 && v.Cmp(maxInt128) <= 0
}

// InFundingBounds reports whether rate is within ±MaxFundingRate.
// Written as a two-sided comparison: |math.MinInt64| does not fit int64,
// so a naive abs() would wrap and pass the bound.
func InFundingBounds(rate int64) bool {
	return rate <= MaxFundingRate && rate >= -MaxFundingRate
}
