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

// Distributor mints accrued protocol fees and records what fee recipients
// are owed. It operates inside a caller-provided transaction.
type Distributor struct {
	config ConfigProvider
}

// NewDistributor creates a distributor resolving fee configs from config.
func NewDistributor(config ConfigProvider) *Distributor {
	return &Distributor{config: config}
}

// DistributeParams identifies one distribution.
type DistributeParams struct {
	Fund    string
	Index   uint64
	Cranker string
	Now     int64
}

// DistributeResult describes what a distribution minted and recorded.
type DistributeResult struct {
	Accrual          Accrual
	DAORecipient     string
	DAOMinted        uint64      // raw units minted to the DAO recipient
	RecipientsAmount uint256.Int // scaled units recorded for fee recipients
	Dust             uint256.Int // scaled units moved to the DAO accumulator
	Distribution     *domain.FeeDistribution
	Fund             *domain.Fund
}

// Record renders the result for the analytics log.
func (r *DistributeResult) Record(index uint64, now int64) *domain.DistributionRecord {
	return &domain.DistributionRecord{
		Fund:             r.Fund.Address,
		Index:            index,
		DAOMinted:        r.DAOMinted,
		RecipientsAmount: r.RecipientsAmount.Dec(),
		Dust:             r.Dust.Dec(),
		Timestamp:        now,
	}
}

// LoadFund reads a fund and checks it sits at its derived address.
func LoadFund(ctx context.Context, tx storage.Tx, addr string) (*domain.Fund, error) {
	f, err := tx.Fund(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("fund %s: %w", addr, domain.ErrInvalidFund)
		}
		return nil, fmt.Errorf("load fund: %w", err)
	}
	want, _, err := address.Fund(f.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive fund address: %w", err)
	}
	if want != f.Address {
		return nil, fmt.Errorf("fund %s, expected %s: %w", f.Address, want, domain.ErrInvalidPDA)
	}
	return f, nil
}

// Poke accrues fees on a fund using its current minted supply.
func Poke(ctx context.Context, tx storage.Tx, f *domain.Fund, now int64, cfg domain.FeeConfig) (Accrual, error) {
	supply, err := tx.Tokens().Supply(ctx, f.Mint)
	if err != nil {
		return Accrual{}, fmt.Errorf("index token supply: %w", err)
	}
	acc, err := Accrue(f, supply, now, cfg)
	if err != nil {
		return Accrual{}, fmt.Errorf("accrue fees: %w", err)
	}
	return acc, nil
}

// Distribute runs distribution p.Index for a fund. Index must directly follow
// the recipients' current distribution index.
func (d *Distributor) Distribute(ctx context.Context, tx storage.Tx, p DistributeParams) (*DistributeResult, error) {
	f, err := LoadFund(ctx, tx, p.Fund)
	if err != nil {
		return nil, err
	}

	recipientsAddr, err := address.FeeRecipients(f.Address)
	if err != nil {
		return nil, fmt.Errorf("derive fee recipients address: %w", err)
	}
	recipients, err := tx.FeeRecipients(ctx, recipientsAddr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("fee recipients of %s: %w", f.Address, domain.ErrInvalidFeeRecipients)
		}
		return nil, fmt.Errorf("load fee recipients: %w", err)
	}
	if recipients.Fund != f.Address {
		return nil, fmt.Errorf("fee recipients belong to %s: %w", recipients.Fund, domain.ErrInvalidFund)
	}
	if p.Index != recipients.DistributionIndex+1 {
		return nil, fmt.Errorf("index %d, expected %d: %w", p.Index, recipients.DistributionIndex+1, domain.ErrInvalidDistributionIndex)
	}

	cfg, err := d.config.Resolve(ctx, f.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve fee config: %w", err)
	}

	acc, err := Poke(ctx, tx, f, p.Now, cfg)
	if err != nil {
		return nil, err
	}

	scale := &f.CirculatingSupplyScale

	// Whole tokens owed to fee recipients; the sub-token remainder is dust
	// that stays with the DAO.
	recipientsPending := new(uint256.Int).Set(&f.FeeRecipientsPendingFeeShares)
	recipientsRaw, err := fixed.ToRaw(recipientsPending, scale, fixed.Floor)
	if err != nil {
		return nil, fmt.Errorf("fee recipients raw amount: %w", err)
	}
	recipientsScaled, err := fixed.ToScaled(recipientsRaw, scale)
	if err != nil {
		return nil, err
	}
	dust, err := fixed.Sub(recipientsPending, recipientsScaled)
	if err != nil {
		return nil, err
	}

	daoTotal, err := fixed.Add(&f.DAOPendingFeeShares, dust)
	if err != nil {
		return nil, fmt.Errorf("dao pending fee shares: %w", err)
	}
	daoRaw, err := fixed.ToRaw(daoTotal, scale, fixed.Floor)
	if err != nil {
		return nil, fmt.Errorf("dao raw amount: %w", err)
	}
	daoScaled, err := fixed.ToScaled(daoRaw, scale)
	if err != nil {
		return nil, err
	}

	res := &DistributeResult{Accrual: acc, DAORecipient: cfg.Recipient}
	res.Dust.Set(dust)

	mintRaw := daoRaw
	if len(recipients.Recipients) == 0 {
		mintRaw += recipientsRaw
		if mintRaw < daoRaw {
			return nil, fmt.Errorf("dao mint amount: %w", domain.ErrMathOverflow)
		}
	} else {
		distAddr, err := address.FeeDistribution(f.Address, p.Index)
		if err != nil {
			return nil, fmt.Errorf("derive fee distribution address: %w", err)
		}
		dist := &domain.FeeDistribution{
			Address:   distAddr,
			Fund:      f.Address,
			Index:     p.Index,
			Cranker:   p.Cranker,
			CreatedAt: p.Now,
		}
		dist.AmountToDistribute.Set(recipientsScaled)
		for _, r := range recipients.Recipients {
			dist.Recipients = append(dist.Recipients, domain.DistributionEntry{
				Recipient:  r.Recipient,
				PortionBps: r.PortionBps,
			})
		}
		if err := tx.InsertFeeDistribution(ctx, dist); err != nil {
			return nil, fmt.Errorf("insert fee distribution %d: %w", p.Index, err)
		}

		toBeMinted, err := fixed.Add(&f.FeeRecipientsPendingFeeSharesToBeMinted, recipientsScaled)
		if err != nil {
			return nil, fmt.Errorf("fee shares to be minted: %w", err)
		}
		f.FeeRecipientsPendingFeeSharesToBeMinted.Set(toBeMinted)
		res.RecipientsAmount.Set(recipientsScaled)
		res.Distribution = dist
	}

	if mintRaw > 0 {
		if err := tx.Tokens().MintTo(ctx, f.Mint, f.Address, cfg.Recipient, mintRaw); err != nil {
			return nil, fmt.Errorf("mint dao fee: %w", err)
		}
	}
	res.DAOMinted = mintRaw

	daoLeft, err := fixed.Sub(daoTotal, daoScaled)
	if err != nil {
		return nil, fmt.Errorf("dao pending fee shares: %w", err)
	}
	f.DAOPendingFeeShares.Set(daoLeft)

	// Without recipients the folded mint exceeds what was recorded for them,
	// so this subtraction saturates.
	moved, err := fixed.Add(recipientsScaled, dust)
	if err != nil {
		return nil, err
	}
	f.FeeRecipientsPendingFeeShares.Set(fixed.SaturatingSub(recipientsPending, moved))

	recipients.DistributionIndex = p.Index

	if err := tx.PutFund(ctx, f); err != nil {
		return nil, fmt.Errorf("store fund: %w", err)
	}
	if err := tx.PutFeeRecipients(ctx, recipients); err != nil {
		return nil, fmt.Errorf("store fee recipients: %w", err)
	}

	res.Fund = f
	return res, nil
}
