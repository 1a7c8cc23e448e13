package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/storage"
)

// ClaimParams selects the recipients to pay out of one distribution.
// An empty Recipients list pays every unclaimed entry.
type ClaimParams struct {
	Fund       string
	Index      uint64
	Recipients []string
}

// Payout is the amount minted to one recipient.
type Payout struct {
	Recipient string
	Amount    uint64 // raw units
}

// ClaimResult lists payouts and whether the distribution was closed.
type ClaimResult struct {
	Payouts  []Payout
	Residual uint256.Int // rounding remainder returned to the DAO on close
	Closed   bool
}

// entryShare is the raw amount an entry is entitled to.
func entryShare(d *domain.FeeDistribution, e domain.DistributionEntry, scale *uint256.Int) (uint64, error) {
	denominator, err := fixed.Mul(fixed.New(domain.MaxPortionBps), scale)
	if err != nil {
		return 0, err
	}
	share, err := fixed.MulDiv(&d.AmountToDistribute, fixed.New(e.PortionBps), denominator, fixed.Floor)
	if err != nil {
		return 0, err
	}
	return fixed.ToUint64(share)
}

// Claim mints the owed share of distribution p.Index to its recipients.
// Once every entry is claimed the record is removed and the rounding residual
// moves back to the DAO accumulator, so scaled total supply is unchanged.
func (d *Distributor) Claim(ctx context.Context, tx storage.Tx, p ClaimParams) (*ClaimResult, error) {
	f, err := LoadFund(ctx, tx, p.Fund)
	if err != nil {
		return nil, err
	}
	distAddr, err := address.FeeDistribution(f.Address, p.Index)
	if err != nil {
		return nil, fmt.Errorf("derive fee distribution address: %w", err)
	}
	dist, err := tx.FeeDistribution(ctx, distAddr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("distribution %d: %w", p.Index, domain.ErrDistributionClaimed)
		}
		return nil, fmt.Errorf("load fee distribution: %w", err)
	}
	if dist.Fund != f.Address {
		return nil, fmt.Errorf("distribution belongs to %s: %w", dist.Fund, domain.ErrInvalidFund)
	}

	want := make(map[string]bool, len(p.Recipients))
	for _, r := range p.Recipients {
		want[r] = false
	}

	scale := &f.CirculatingSupplyScale
	res := &ClaimResult{}
	minted := new(uint256.Int)

	for i := range dist.Recipients {
		e := &dist.Recipients[i]
		if len(want) > 0 {
			if _, ok := want[e.Recipient]; !ok {
				continue
			}
			want[e.Recipient] = true
			if e.Claimed {
				return nil, fmt.Errorf("recipient %s: %w", e.Recipient, domain.ErrDistributionClaimed)
			}
		} else if e.Claimed {
			continue
		}

		amount, err := entryShare(dist, *e, scale)
		if err != nil {
			return nil, fmt.Errorf("share of %s: %w", e.Recipient, err)
		}
		if amount > 0 {
			if err := tx.Tokens().MintTo(ctx, f.Mint, f.Address, e.Recipient, amount); err != nil {
				return nil, fmt.Errorf("mint fee to %s: %w", e.Recipient, err)
			}
		}
		scaled, err := fixed.ToScaled(amount, scale)
		if err != nil {
			return nil, err
		}
		if minted, err = fixed.Add(minted, scaled); err != nil {
			return nil, err
		}
		e.Claimed = true
		res.Payouts = append(res.Payouts, Payout{Recipient: e.Recipient, Amount: amount})
	}

	for r, found := range want {
		if !found {
			return nil, fmt.Errorf("recipient %s not in distribution %d: %w", r, p.Index, domain.ErrInvalidFeeRecipients)
		}
	}

	toBeMinted := fixed.SaturatingSub(&f.FeeRecipientsPendingFeeSharesToBeMinted, minted)

	if dist.AllClaimed() {
		paid := new(uint256.Int)
		for _, e := range dist.Recipients {
			amount, err := entryShare(dist, e, scale)
			if err != nil {
				return nil, err
			}
			scaled, err := fixed.ToScaled(amount, scale)
			if err != nil {
				return nil, err
			}
			if paid, err = fixed.Add(paid, scaled); err != nil {
				return nil, err
			}
		}
		residual := fixed.SaturatingSub(&dist.AmountToDistribute, paid)
		residual = fixed.Min(residual, toBeMinted)
		toBeMinted = fixed.SaturatingSub(toBeMinted, residual)

		daoPending, err := fixed.Add(&f.DAOPendingFeeShares, residual)
		if err != nil {
			return nil, fmt.Errorf("dao pending fee shares: %w", err)
		}
		f.DAOPendingFeeShares.Set(daoPending)
		res.Residual.Set(residual)

		if err := tx.DeleteFeeDistribution(ctx, dist.Address); err != nil {
			return nil, fmt.Errorf("delete fee distribution: %w", err)
		}
		res.Closed = true
	} else if err := tx.PutFeeDistribution(ctx, dist); err != nil {
		return nil, fmt.Errorf("store fee distribution: %w", err)
	}

	f.FeeRecipientsPendingFeeSharesToBeMinted.Set(toBeMinted)
	if err := tx.PutFund(ctx, f); err != nil {
		return nil, fmt.Errorf("store fund: %w", err)
	}
	return res, nil
}
