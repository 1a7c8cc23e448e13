// Package fixed implements checked fixed-point arithmetic on 256-bit
// unsigned integers. Values are scaled by D9 (token amounts) or D18 (rates,
// prices and presence ratios). Every operation fails instead of wrapping.
package fixed

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"index-fund-engine/internal/domain"
)

// Rounding selects the direction of an inexact division.
type Rounding int

const (
	Floor Rounding = iota
	Ceil
)

// Scales.
var (
	D9  = uint256.NewInt(1_000_000_000)
	D18 = uint256.NewInt(1_000_000_000_000_000_000)
	D27 = new(uint256.Int).Mul(D9, D18)
)

// New returns v as a 256-bit integer.
func New(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Add returns a+b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, domain.ErrMathOverflow
	}
	return z, nil
}

// Sub returns a-b.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, domain.ErrMathUnderflow
	}
	return z, nil
}

// SaturatingSub returns a-b, or zero when b > a.
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Mul returns a*b.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, domain.ErrMathOverflow
	}
	return z, nil
}

// MulDiv returns a*b/d rounded in direction r. The product is computed at
// 512 bits, so only the quotient has to fit.
func MulDiv(a, b, d *uint256.Int, r Rounding) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, domain.ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, domain.ErrMathOverflow
	}
	if r == Ceil && !new(uint256.Int).MulMod(a, b, d).IsZero() {
		if _, overflow = z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, domain.ErrMathOverflow
		}
	}
	return z, nil
}

// Div returns a/d rounded in direction r.
func Div(a, d *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(a, uint256.NewInt(1), d, r)
}

// Pow raises a D18 base to an integer power by squaring. Every
// intermediate product is floored back to D18.
func Pow(base *uint256.Int, exp uint64) (*uint256.Int, error) {
	result := new(uint256.Int).Set(D18)
	b := new(uint256.Int).Set(base)
	var err error
	for exp > 0 {
		if exp&1 == 1 {
			if result, err = MulDiv(result, b, D18, Floor); err != nil {
				return nil, err
			}
		}
		exp >>= 1
		if exp > 0 {
			if b, err = MulDiv(b, b, D18, Floor); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Max returns the larger of a and b.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int).Set(a)
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int).Set(a)
}

// ToUint64 narrows v, failing when it does not fit.
func ToUint64(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, domain.ErrMathOverflow
	}
	return v.Uint64(), nil
}

// ToScaled converts a raw token amount into scaled units.
func ToScaled(raw uint64, scale *uint256.Int) (*uint256.Int, error) {
	return Mul(uint256.NewInt(raw), scale)
}

// ToRaw converts scaled units back into raw token units.
func ToRaw(scaled, scale *uint256.Int, r Rounding) (uint64, error) {
	v, err := Div(scaled, scale, r)
	if err != nil {
		return 0, err
	}
	return ToUint64(v)
}

// Parse reads a base-10 string such as a stored NUMERIC column.
func Parse(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

// FromDecimal scales a human-readable value such as "0.25" by 10^places,
// truncating digits beyond places.
func FromDecimal(s string, places int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative value %q: %w", s, domain.ErrInvalidAmount)
	}
	v, overflow := uint256.FromBig(d.Shift(places).Truncate(0).BigInt())
	if overflow {
		return nil, domain.ErrMathOverflow
	}
	return v, nil
}

// ToDecimal renders v divided by 10^places.
func ToDecimal(v *uint256.Int, places int32) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -places)
}
