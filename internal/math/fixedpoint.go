// internal/math/fixedpoint.go
package math

import (
	"github.com/holiman/uint256"
)

// MulDiv computes floor(x * y / d) with a 512-bit intermediate product.
// ok is false when d is zero or the quotient does not fit in 256 bits.
func MulDiv(x, y, d *uint256.Int) (result *uint256.Int, ok bool) {
	if d.IsZero() {
		return new(uint256.Int), false
	}
	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	return quotient, !overflow
}

// FloorDiv returns floor(x / d), or zero when d is zero.
func FloorDiv(x, d *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(x, d)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SaturatingSub returns a - b, or zero when b > a.
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// MulSmall multiplies x by a small constant factor, reporting overflow.
func MulSmall(x *uint256.Int, factor uint64) (*uint256.Int, bool) {
	return new(uint256.Int).MulOverflow(x, uint256.NewInt(factor))
}

// Sum adds all values, reporting overflow.
func Sum(values ...*uint256.Int) (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, v := range values {
		if _, overflow := total.AddOverflow(total, v); overflow {
			return total, true
		}
	}
	return total, false
}
