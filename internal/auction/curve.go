// Package auction prices rebalancing auctions, sizes bids against them and
// enforces the basket presence bounds a bid must respect.
package auction

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
)

// Curve maps a point in time to an auction price (buy units per sell unit, D18).
// Implementations are monotone non-increasing between StartTime and EndTime.
type Curve interface {
	Price(a *domain.Auction, now int64) (*uint256.Int, error)
}

// CurveFor returns the curve an auction is configured with.
// An empty kind selects the linear curve.
func CurveFor(kind domain.CurveKind) (Curve, error) {
	switch kind {
	case domain.CurveLinear, "":
		return Linear{}, nil
	case domain.CurveExponential:
		return Exponential{Precision: DefaultPrecision}, nil
	default:
		return nil, fmt.Errorf("curve %q: %w", kind, domain.ErrInvalidAuction)
	}
}

// PriceAt prices a at now using its configured curve.
func PriceAt(a *domain.Auction, now int64) (*uint256.Int, error) {
	c, err := CurveFor(a.Curve)
	if err != nil {
		return nil, err
	}
	return c.Price(a, now)
}

// MaxPriceRange bounds StartPrice/EndPrice on the exponential curve.
const MaxPriceRange = 100

// ValidatePrices checks the price bounds of a are usable by its curve.
func ValidatePrices(a *domain.Auction) error {
	if a.StartPrice.IsZero() || a.StartPrice.Lt(&a.EndPrice) {
		return fmt.Errorf("start %s, end %s: %w", a.StartPrice.Dec(), a.EndPrice.Dec(), domain.ErrInvalidPrices)
	}
	if a.Curve != domain.CurveExponential {
		return nil
	}
	if a.EndPrice.IsZero() {
		return fmt.Errorf("exponential curve needs a positive end price: %w", domain.ErrInvalidPrices)
	}
	ceiling, err := fixed.Mul(&a.EndPrice, fixed.New(MaxPriceRange))
	if err != nil || a.StartPrice.Gt(ceiling) {
		return fmt.Errorf("start %s exceeds %dx end %s: %w",
			a.StartPrice.Dec(), MaxPriceRange, a.EndPrice.Dec(), domain.ErrInvalidPrices)
	}
	return nil
}

// elapsed clamps now into the auction window and returns (elapsed, duration).
func elapsed(a *domain.Auction, now int64) (int64, int64) {
	duration := a.EndTime - a.StartTime
	if duration <= 0 || now <= a.StartTime {
		return 0, duration
	}
	if now >= a.EndTime {
		return duration, duration
	}
	return now - a.StartTime, duration
}

// Linear interpolates from StartPrice to EndPrice. Prices round up.
type Linear struct{}

// Price implements Curve.
func (Linear) Price(a *domain.Auction, now int64) (*uint256.Int, error) {
	if err := ValidatePrices(a); err != nil {
		return nil, err
	}
	t, duration := elapsed(a, now)
	if t == 0 {
		return new(uint256.Int).Set(&a.StartPrice), nil
	}

	spread := new(uint256.Int).Sub(&a.StartPrice, &a.EndPrice)
	drop, err := fixed.MulDiv(spread, fixed.New(uint64(t)), fixed.New(uint64(duration)), fixed.Floor)
	if err != nil {
		return nil, fmt.Errorf("linear price: %w", err)
	}
	return fixed.Sub(&a.StartPrice, drop)
}

// DefaultPrecision is the number of decimal digits used by Exponential.
const DefaultPrecision = 24

// Exponential decays StartPrice * exp(-k*t) with k = ln(start/end)/duration,
// so the price reaches EndPrice exactly at EndTime. Prices round up and are
// clamped to [EndPrice, StartPrice].
type Exponential struct {
	Precision int32
}

// Price implements Curve.
func (e Exponential) Price(a *domain.Auction, now int64) (*uint256.Int, error) {
	if err := ValidatePrices(a); err != nil {
		return nil, err
	}
	t, duration := elapsed(a, now)
	switch {
	case t == 0:
		return new(uint256.Int).Set(&a.StartPrice), nil
	case t == duration:
		return new(uint256.Int).Set(&a.EndPrice), nil
	}

	precision := e.Precision
	if precision <= 0 {
		precision = DefaultPrecision
	}

	start := decimal.NewFromBigInt(a.StartPrice.ToBig(), 0)
	end := decimal.NewFromBigInt(a.EndPrice.ToBig(), 0)

	logRatio, err := end.DivRound(start, precision).Ln(precision)
	if err != nil {
		return nil, fmt.Errorf("exponential price: %w", err)
	}
	exponent := logRatio.Mul(decimal.NewFromInt(t)).DivRound(decimal.NewFromInt(duration), precision)
	factor, err := exponent.ExpTaylor(precision)
	if err != nil {
		return nil, fmt.Errorf("exponential price: %w", err)
	}

	price, overflow := uint256.FromBig(start.Mul(factor).Ceil().BigInt())
	if overflow {
		return nil, fmt.Errorf("exponential price: %w", domain.ErrMathOverflow)
	}
	return fixed.Min(fixed.Max(price, &a.EndPrice), &a.StartPrice), nil
}
