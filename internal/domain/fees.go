package domain

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Fee recipient limits.
const (
	MaxFeeRecipients = 64
	MaxPortionBps    = 10_000
)

// FeeConfig is the protocol fee configuration resolved for a fund.
// The protocol (DAO) takes Numerator/Denominator of accrued fees, and never
// less than Floor (per-second rate, D18) of the supply.
type FeeConfig struct {
	Numerator   uint64
	Denominator uint64
	Floor       uint256.Int
	Recipient   string // owner of the DAO fee token account
}

// Validate checks the split is a proper fraction.
func (c FeeConfig) Validate() error {
	if c.Denominator == 0 || c.Numerator > c.Denominator {
		return fmt.Errorf("numerator %d / denominator %d: %w", c.Numerator, c.Denominator, ErrInvalidFeeConfig)
	}
	if c.Recipient == "" || c.Recipient == EmptyKey {
		return fmt.Errorf("empty recipient: %w", ErrInvalidFeeConfig)
	}
	return nil
}

// FeeRecipient is one entry of a fund's fee split.
type FeeRecipient struct {
	Recipient  string
	PortionBps uint64
}

// FeeRecipients is the ordered fee split of a fund plus the distribution cursor.
type FeeRecipients struct {
	Address           string // derived from ("fee_recipients", Fund)
	Fund              string
	DistributionIndex uint64
	Recipients        []FeeRecipient
}

// Validate enforces unique recipients with portions summing to 100%.
func (r *FeeRecipients) Validate() error {
	if len(r.Recipients) == 0 {
		return nil
	}
	if len(r.Recipients) > MaxFeeRecipients {
		return fmt.Errorf("%d recipients: %w", len(r.Recipients), ErrInvalidFeeRecipients)
	}
	seen := make(map[string]struct{}, len(r.Recipients))
	var total uint64
	for _, fr := range r.Recipients {
		if fr.Recipient == "" || fr.Recipient == EmptyKey {
			return fmt.Errorf("empty recipient: %w", ErrInvalidFeeRecipients)
		}
		if _, dup := seen[fr.Recipient]; dup {
			return fmt.Errorf("duplicate recipient %s: %w", fr.Recipient, ErrInvalidFeeRecipients)
		}
		seen[fr.Recipient] = struct{}{}
		total += fr.PortionBps
	}
	if total != MaxPortionBps {
		return fmt.Errorf("portions sum to %d bps: %w", total, ErrInvalidFeeRecipients)
	}
	return nil
}

// Clone returns a deep copy.
func (r *FeeRecipients) Clone() *FeeRecipients {
	c := *r
	c.Recipients = append([]FeeRecipient(nil), r.Recipients...)
	return &c
}

// DistributionEntry is a recipient snapshot inside a FeeDistribution.
type DistributionEntry struct {
	Recipient  string
	PortionBps uint64
	Claimed    bool
}

// FeeDistribution snapshots the amount owed to fee recipients at one
// distribution index. Entries are claimed later by the claim crank.
type FeeDistribution struct {
	Address            string // derived from ("fee_distribution", Fund, Index)
	Fund               string
	Index              uint64
	Cranker            string
	AmountToDistribute uint256.Int // scaled units
	Recipients         []DistributionEntry
	CreatedAt          int64
}

// AllClaimed reports whether every entry has been paid out.
func (d *FeeDistribution) AllClaimed() bool {
	for _, e := range d.Recipients {
		if !e.Claimed {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (d *FeeDistribution) Clone() *FeeDistribution {
	c := *d
	c.Recipients = append([]DistributionEntry(nil), d.Recipients...)
	return &c
}
