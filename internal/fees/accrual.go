// Package fees accrues protocol fees on a fund and distributes them.
//
// Accrual ("poke") must run before anything reads the fund's supply scale or
// pending fee state in the same operation: pending fee shares dilute holders
// before they are minted, so a stale accumulator misprices every trade.
package fees

import (
	"fmt"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
)

// Accrual is the result of one accrual step.
type Accrual struct {
	Elapsed             int64
	ScaledTotalSupply   uint256.Int // supply the fee was charged on
	DAOFeeShares        uint256.Int
	RecipientsFeeShares uint256.Int
}

// IsZero reports whether nothing was accrued.
func (a Accrual) IsZero() bool {
	return a.DAOFeeShares.IsZero() && a.RecipientsFeeShares.IsZero()
}

// Point renders the accrual as an analytics point taken after it was applied.
func (a Accrual) Point(f *domain.Fund, now int64) *domain.FeeAccrualPoint {
	return &domain.FeeAccrualPoint{
		Fund:                   f.Address,
		Timestamp:              now,
		Elapsed:                a.Elapsed,
		ScaledTotalSupply:      a.ScaledTotalSupply.Dec(),
		DAOFeeShares:           a.DAOFeeShares.Dec(),
		RecipientsFeeShares:    a.RecipientsFeeShares.Dec(),
		DAOPendingAfter:        f.DAOPendingFeeShares.Dec(),
		RecipientsPendingAfter: f.FeeRecipientsPendingFeeShares.Dec(),
	}
}

// ComputeFeeShares returns the DAO and fee-recipient shares owed on a fund
// for elapsed seconds, without mutating it.
//
//	fee       = total / (1 - tvlFee)^elapsed - total
//	dao       = max(ceil(fee * num / den), ceil(total * floor * elapsed))
//	fee       = max(fee, dao)
//	recipient = fee - dao
func ComputeFeeShares(total *uint256.Int, tvlFee *uint256.Int, elapsed int64, cfg domain.FeeConfig) (dao, recipients *uint256.Int, err error) {
	if elapsed <= 0 || total.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if !tvlFee.Lt(fixed.D18) {
		return nil, nil, fmt.Errorf("tvl fee %s: %w", tvlFee.Dec(), domain.ErrInvalidFeeConfig)
	}

	keep, err := fixed.Sub(fixed.D18, tvlFee)
	if err != nil {
		return nil, nil, err
	}
	denominator, err := fixed.Pow(keep, uint64(elapsed))
	if err != nil {
		return nil, nil, fmt.Errorf("compound fee: %w", err)
	}
	if denominator.IsZero() {
		return nil, nil, fmt.Errorf("compound fee underflowed to zero: %w", domain.ErrMathOverflow)
	}

	grossed, err := fixed.MulDiv(total, fixed.D18, denominator, fixed.Floor)
	if err != nil {
		return nil, nil, fmt.Errorf("gross up supply: %w", err)
	}
	feeShares := fixed.SaturatingSub(grossed, total)

	dao, err = fixed.MulDiv(feeShares, fixed.New(cfg.Numerator), fixed.New(cfg.Denominator), fixed.Ceil)
	if err != nil {
		return nil, nil, fmt.Errorf("dao split: %w", err)
	}

	floorRate, err := fixed.Mul(&cfg.Floor, fixed.New(uint64(elapsed)))
	if err != nil {
		return nil, nil, fmt.Errorf("fee floor rate: %w", err)
	}
	floorShares, err := fixed.MulDiv(total, floorRate, fixed.D18, fixed.Ceil)
	if err != nil {
		return nil, nil, fmt.Errorf("fee floor: %w", err)
	}

	dao = fixed.Max(dao, floorShares)
	feeShares = fixed.Max(feeShares, dao)

	recipients, err = fixed.Sub(feeShares, dao)
	if err != nil {
		return nil, nil, err
	}
	return dao, recipients, nil
}

// Accrue charges fees on f for the time since its last accrual and adds them
// to the pending accumulators. rawSupply is the minted supply of the index
// token. Calling Accrue again at the same timestamp is a no-op.
func Accrue(f *domain.Fund, rawSupply uint64, now int64, cfg domain.FeeConfig) (Accrual, error) {
	elapsed := now - f.LastAccrualTime
	if elapsed <= 0 {
		return Accrual{}, nil
	}

	total, err := f.ScaledTotalSupply(rawSupply)
	if err != nil {
		return Accrual{}, fmt.Errorf("scaled total supply: %w", err)
	}

	dao, recipients, err := ComputeFeeShares(total, &f.TVLFee, elapsed, cfg)
	if err != nil {
		return Accrual{}, err
	}

	daoPending, err := fixed.Add(&f.DAOPendingFeeShares, dao)
	if err != nil {
		return Accrual{}, fmt.Errorf("dao pending fee shares: %w", err)
	}
	recipientsPending, err := fixed.Add(&f.FeeRecipientsPendingFeeShares, recipients)
	if err != nil {
		return Accrual{}, fmt.Errorf("fee recipients pending fee shares: %w", err)
	}

	f.DAOPendingFeeShares.Set(daoPending)
	f.FeeRecipientsPendingFeeShares.Set(recipientsPending)
	f.LastAccrualTime = now

	acc := Accrual{Elapsed: elapsed}
	acc.ScaledTotalSupply.Set(total)
	acc.DAOFeeShares.Set(dao)
	acc.RecipientsFeeShares.Set(recipients)
	return acc, nil
}
