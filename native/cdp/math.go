package cdp

import "github.com/holiman/uint256"

const (
	bpsDenominator = 10_000
	secondsPerYear = 365 * 24 * 60 * 60
	percentScale   = 100
)

// Precision is the 1e18 fixed-point unit shared by prices, indexes and the
// health factor.
var Precision = uint256.NewInt(1_000_000_000_000_000_000)

func wad(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), Precision)
}

func zero() *uint256.Int { return new(uint256.Int) }

func maxUint256() *uint256.Int { return new(uint256.Int).SetAllOne() }

// copyOrZero returns an independent copy, mapping nil to zero.
func copyOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func isZero(v *uint256.Int) bool { return v == nil || v.IsZero() }

func add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(copyOrZero(a), copyOrZero(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func sub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(copyOrZero(a), copyOrZero(b))
	if underflow {
		return nil, ErrArithmeticUnderflow
	}
	return out, nil
}

// subFloor subtracts b from a saturating at zero.
func subFloor(a, b *uint256.Int) *uint256.Int {
	if copyOrZero(a).Lt(copyOrZero(b)) {
		return zero()
	}
	return new(uint256.Int).Sub(copyOrZero(a), copyOrZero(b))
}

func mul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(copyOrZero(a), copyOrZero(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// mulDiv computes floor(a*b/d) with a 512-bit intermediate product.
func mulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if isZero(d) {
		return nil, ErrDivisionByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(copyOrZero(a), copyOrZero(b), d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func minOf(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
