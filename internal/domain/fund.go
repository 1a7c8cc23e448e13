package domain

import (
	"fmt"

	"github.com/holiman/uint256"
)

// EmptyKey is the all-zero address. It marks free basket slots.
const EmptyKey = "11111111111111111111111111111111"

// ScaleD9 is the default circulating supply scale: one raw token unit equals
// 10^9 internal scaled units.
const ScaleD9 = 1_000_000_000

// Fund is the index fund record. Pending fee accumulators are expressed in
// the internal scaled unit and only grow between distributions.
type Fund struct {
	Address string // derived from ("fund", Mint)
	Mint    string // index token mint
	Bump    uint8

	CirculatingSupplyScale uint256.Int // scaled units per raw token unit
	TVLFee                 uint256.Int // per-second fee rate (D18)

	DAOPendingFeeShares                     uint256.Int
	FeeRecipientsPendingFeeShares           uint256.Int
	FeeRecipientsPendingFeeSharesToBeMinted uint256.Int

	LastAccrualTime int64 // unix seconds
}

// MaxTVLFee is the highest per-second TVL fee (D18) a fund accepts:
// 1 - 0.9^(1/31536000), i.e. 10% of supply a year.
var MaxTVLFee = uint256.NewInt(3_340_960_029)

// ValidateTVLFee rejects per-second fees above MaxTVLFee.
func ValidateTVLFee(tvlFee *uint256.Int) error {
	if tvlFee != nil && tvlFee.Gt(MaxTVLFee) {
		return fmt.Errorf("tvl fee %s above %s: %w", tvlFee.Dec(), MaxTVLFee.Dec(), ErrInvalidFeeConfig)
	}
	return nil
}

// NewFund creates a fund with the default D9 supply scale.
func NewFund(address, mint string, bump uint8, tvlFee *uint256.Int, now int64) (*Fund, error) {
	if err := ValidateTVLFee(tvlFee); err != nil {
		return nil, err
	}
	f := &Fund{
		Address:         address,
		Mint:            mint,
		Bump:            bump,
		LastAccrualTime: now,
	}
	f.CirculatingSupplyScale.SetUint64(ScaleD9)
	if tvlFee != nil {
		f.TVLFee.Set(tvlFee)
	}
	return f, nil
}

// PendingFeeShares returns the sum of every pending accumulator: shares that
// dilute holders but have not been minted yet.
func (f *Fund) PendingFeeShares() (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(&f.DAOPendingFeeShares, &f.FeeRecipientsPendingFeeShares)
	if overflow {
		return nil, ErrMathOverflow
	}
	if _, overflow = sum.AddOverflow(sum, &f.FeeRecipientsPendingFeeSharesToBeMinted); overflow {
		return nil, ErrMathOverflow
	}
	return sum, nil
}

// ScaledTotalSupply returns the fee-adjusted supply in scaled units:
// raw supply times the scale plus all pending fee shares.
func (f *Fund) ScaledTotalSupply(rawSupply uint64) (*uint256.Int, error) {
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(rawSupply), &f.CirculatingSupplyScale)
	if overflow {
		return nil, ErrMathOverflow
	}
	pending, err := f.PendingFeeShares()
	if err != nil {
		return nil, err
	}
	if _, overflow = total.AddOverflow(total, pending); overflow {
		return nil, ErrMathOverflow
	}
	return total, nil
}

// Clone returns a deep copy.
func (f *Fund) Clone() *Fund {
	c := *f
	return &c
}
