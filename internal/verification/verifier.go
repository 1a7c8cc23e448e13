// Package verification checks that a fund's stored accounts agree with each
// other and with the token ledger.
package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/storage"
)

// FieldDivergence represents a mismatch between two views of the same value.
type FieldDivergence struct {
	Field    string      `json:"field"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
}

// VerificationResult contains the result of verifying a single fund.
type VerificationResult struct {
	Fund              string            `json:"fund"`
	Match             bool              `json:"match"`
	Divergences       []FieldDivergence `json:"divergences,omitempty"`
	OpenDistributions int               `json:"open_distributions"`
	UnclaimedFees     string            `json:"unclaimed_fees"` // scaled units owed by open distributions
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	TotalFunds     int
	MatchedFunds   int
	DivergentFunds int
	Results        []VerificationResult
}

// Verifier checks fund consistency.
type Verifier interface {
	// VerifyFund checks one fund. Divergences are reported in the result;
	// an error means the fund could not be read.
	VerifyFund(ctx context.Context, fund string) (*VerificationResult, error)

	// VerifyAll checks every listed fund.
	VerifyAll(ctx context.Context, funds []string) (*VerificationReport, error)
}

// LedgerVerifier verifies funds stored in a ledger.
type LedgerVerifier struct {
	ledger storage.Ledger
}

// NewLedgerVerifier creates a verifier over ledger.
func NewLedgerVerifier(ledger storage.Ledger) *LedgerVerifier {
	return &LedgerVerifier{ledger: ledger}
}

// VerifyFund checks that:
//   - every basket amount equals the fund's token balance,
//   - the fee recipient split is valid,
//   - open distributions belong to the fund and owe no more than the fund
//     has set aside for them.
func (v *LedgerVerifier) VerifyFund(ctx context.Context, fund string) (*VerificationResult, error) {
	var result *VerificationResult
	err := v.ledger.WithTx(ctx, func(tx storage.Tx) error {
		result = &VerificationResult{Fund: fund}

		f, err := fees.LoadFund(ctx, tx, fund)
		if err != nil {
			return err
		}

		basketAddr, err := address.Basket(f.Address)
		if err != nil {
			return fmt.Errorf("derive basket address: %w", err)
		}
		basket, err := tx.Basket(ctx, basketAddr)
		if err != nil {
			return fmt.Errorf("load basket: %w", err)
		}
		balances := make(map[string]uint64)
		for _, t := range basket.Tokens {
			if t.Mint == domain.EmptyKey {
				continue
			}
			bal, err := tx.Tokens().Balance(ctx, t.Mint, f.Address)
			if err != nil {
				return fmt.Errorf("balance of %s: %w", t.Mint, err)
			}
			balances[t.Mint] = bal
		}
		result.Divergences = append(result.Divergences, CompareBasket(basket, balances)...)

		recipientsAddr, err := address.FeeRecipients(f.Address)
		if err != nil {
			return fmt.Errorf("derive fee recipients address: %w", err)
		}
		recipients, err := tx.FeeRecipients(ctx, recipientsAddr)
		if err != nil {
			return fmt.Errorf("load fee recipients: %w", err)
		}
		if err := recipients.Validate(); err != nil {
			result.Divergences = append(result.Divergences, FieldDivergence{
				Field:    "FeeRecipients",
				Expected: "valid split",
				Actual:   err.Error(),
			})
		}

		owed := new(uint256.Int)
		for i := uint64(1); i <= recipients.DistributionIndex; i++ {
			distAddr, err := address.FeeDistribution(f.Address, i)
			if err != nil {
				return fmt.Errorf("derive fee distribution address: %w", err)
			}
			dist, err := tx.FeeDistribution(ctx, distAddr)
			if errors.Is(err, storage.ErrNotFound) {
				continue // fully claimed
			}
			if err != nil {
				return fmt.Errorf("load fee distribution %d: %w", i, err)
			}
			result.OpenDistributions++
			if dist.Fund != f.Address {
				result.Divergences = append(result.Divergences, FieldDivergence{
					Field:    fmt.Sprintf("FeeDistribution[%d].Fund", i),
					Expected: f.Address,
					Actual:   dist.Fund,
				})
				continue
			}
			unclaimed, err := Unclaimed(dist)
			if err != nil {
				return fmt.Errorf("distribution %d: %w", i, err)
			}
			if owed, err = fixed.Add(owed, unclaimed); err != nil {
				return err
			}
		}
		result.UnclaimedFees = owed.Dec()
		if owed.Gt(&f.FeeRecipientsPendingFeeSharesToBeMinted) {
			result.Divergences = append(result.Divergences, FieldDivergence{
				Field:    "FeeRecipientsPendingFeeSharesToBeMinted",
				Expected: ">= " + owed.Dec(),
				Actual:   f.FeeRecipientsPendingFeeSharesToBeMinted.Dec(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Match = len(result.Divergences) == 0
	return result, nil
}

// VerifyAll checks every listed fund, stopping at the first read error.
func (v *LedgerVerifier) VerifyAll(ctx context.Context, funds []string) (*VerificationReport, error) {
	report := &VerificationReport{}
	for _, fund := range funds {
		res, err := v.VerifyFund(ctx, fund)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", fund, err)
		}
		report.TotalFunds++
		if res.Match {
			report.MatchedFunds++
		} else {
			report.DivergentFunds++
		}
		report.Results = append(report.Results, *res)
	}
	return report, nil
}

// CompareBasket compares basket amounts against token balances held by the
// fund and returns divergences.
func CompareBasket(b *domain.Basket, balances map[string]uint64) []FieldDivergence {
	var divergences []FieldDivergence
	for _, t := range b.Tokens {
		if t.Mint == domain.EmptyKey {
			continue
		}
		if bal := balances[t.Mint]; bal != t.Amount {
			divergences = append(divergences, FieldDivergence{
				Field:    fmt.Sprintf("Basket[%s]", t.Mint),
				Expected: t.Amount,
				Actual:   bal,
			})
		}
	}
	return divergences
}

// Unclaimed returns the scaled amount still owed to unclaimed entries of d.
func Unclaimed(d *domain.FeeDistribution) (*uint256.Int, error) {
	var bps uint64
	for _, e := range d.Recipients {
		if !e.Claimed {
			bps += e.PortionBps
		}
	}
	return fixed.MulDiv(&d.AmountToDistribute, fixed.New(bps), fixed.New(domain.MaxPortionBps), fixed.Floor)
}
