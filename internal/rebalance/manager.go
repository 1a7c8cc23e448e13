// Package rebalance runs the rebalance lifecycle of a fund: starting epochs,
// opening and closing auctions, and executing bids against them.
package rebalance

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/auction"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/storage"
)

// StartParams configures a new rebalance epoch.
type StartParams struct {
	Fund   string
	Limits []domain.TokenLimits
	Now    int64
	TTL    int64 // seconds auctions may be opened for
}

// StartRebalance bumps the fund's rebalance nonce and records per-mint limits.
// Every auction created under an earlier nonce stops accepting bids.
func StartRebalance(ctx context.Context, tx storage.Tx, p StartParams) (*domain.RebalanceEpoch, error) {
	f, err := fees.LoadFund(ctx, tx, p.Fund)
	if err != nil {
		return nil, err
	}
	if p.TTL <= 0 {
		return nil, fmt.Errorf("ttl %d: %w", p.TTL, domain.ErrInvalidAuction)
	}
	if err := validateLimits(p.Limits); err != nil {
		return nil, err
	}

	addr, err := address.Rebalance(f.Address)
	if err != nil {
		return nil, fmt.Errorf("derive rebalance address: %w", err)
	}
	epoch, err := tx.RebalanceEpoch(ctx, addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		epoch = &domain.RebalanceEpoch{Address: addr, Fund: f.Address}
	case err != nil:
		return nil, fmt.Errorf("load rebalance: %w", err)
	}

	epoch.Nonce++
	epoch.StartedAt = p.Now
	epoch.AvailableUntil = p.Now + p.TTL
	epoch.Limits = append([]domain.TokenLimits(nil), p.Limits...)

	if err := tx.PutRebalanceEpoch(ctx, epoch); err != nil {
		return nil, fmt.Errorf("store rebalance: %w", err)
	}
	return epoch, nil
}

func validateLimits(limits []domain.TokenLimits) error {
	seen := make(map[string]struct{}, len(limits))
	for _, l := range limits {
		if l.Mint == "" || l.Mint == domain.EmptyKey {
			return fmt.Errorf("limits for empty mint: %w", domain.ErrInvalidMint)
		}
		if _, dup := seen[l.Mint]; dup {
			return fmt.Errorf("duplicate limits for %s: %w", l.Mint, domain.ErrInvalidMint)
		}
		seen[l.Mint] = struct{}{}
		if l.SellLimit.Gt(&l.BuyLimit) {
			return fmt.Errorf("mint %s sell limit above buy limit: %w", l.Mint, domain.ErrInvalidAuction)
		}
	}
	return nil
}

// OpenParams describes an auction to open in the current epoch.
type OpenParams struct {
	Fund       string
	ID         uint64
	SellMint   string
	BuyMint    string
	StartPrice uint256.Int
	EndPrice   uint256.Int
	Curve      domain.CurveKind
	Start      int64 // clamped to Now when earlier
	Duration   int64
	Now        int64
}

// OpenAuction creates an auction with the current epoch's nonce and limits.
// Only one auction per token pair may run at a time within an epoch.
func OpenAuction(ctx context.Context, tx storage.Tx, p OpenParams) (*domain.Auction, error) {
	f, err := fees.LoadFund(ctx, tx, p.Fund)
	if err != nil {
		return nil, err
	}
	epoch, err := loadEpoch(ctx, tx, f.Address)
	if err != nil {
		return nil, err
	}
	if p.Now > epoch.AvailableUntil {
		return nil, fmt.Errorf("epoch %d expired at %d: %w", epoch.Nonce, epoch.AvailableUntil, domain.ErrRebalanceNotActive)
	}

	if p.SellMint == p.BuyMint || p.SellMint == "" || p.BuyMint == "" {
		return nil, fmt.Errorf("pair %s/%s: %w", p.SellMint, p.BuyMint, domain.ErrInvalidMint)
	}
	sellLimits, ok := epoch.LimitsFor(p.SellMint)
	if !ok {
		return nil, fmt.Errorf("no limits for %s: %w", p.SellMint, domain.ErrInvalidMint)
	}
	buyLimits, ok := epoch.LimitsFor(p.BuyMint)
	if !ok {
		return nil, fmt.Errorf("no limits for %s: %w", p.BuyMint, domain.ErrInvalidMint)
	}

	basket, err := loadBasket(ctx, tx, f.Address)
	if err != nil {
		return nil, err
	}
	if !basket.Contains(p.SellMint) {
		return nil, fmt.Errorf("sell mint %s: %w", p.SellMint, domain.ErrMintNotInBasket)
	}

	if p.Duration <= 0 {
		return nil, fmt.Errorf("duration %d: %w", p.Duration, domain.ErrInvalidAuction)
	}
	start := max(p.Start, p.Now)

	addr, err := address.Auction(f.Address, p.ID)
	if err != nil {
		return nil, fmt.Errorf("derive auction address: %w", err)
	}
	a := &domain.Auction{
		Address:   addr,
		Fund:      f.Address,
		ID:        p.ID,
		Nonce:     epoch.Nonce,
		SellMint:  p.SellMint,
		BuyMint:   p.BuyMint,
		StartTime: start,
		EndTime:   start + p.Duration,
		Curve:     p.Curve,
	}
	if a.Curve == "" {
		a.Curve = domain.CurveLinear
	}
	a.SellLimit.Set(&sellLimits.SellLimit)
	a.BuyLimit.Set(&buyLimits.BuyLimit)
	a.StartPrice.Set(&p.StartPrice)
	a.EndPrice.Set(&p.EndPrice)

	if _, err := auction.CurveFor(a.Curve); err != nil {
		return nil, err
	}
	if err := auction.ValidatePrices(a); err != nil {
		return nil, err
	}

	ends, err := loadOrNewEnds(ctx, tx, f.Address, epoch.Nonce, p.SellMint, p.BuyMint)
	if err != nil {
		return nil, err
	}
	if ends.EndTime > start {
		return nil, fmt.Errorf("pair %s/%s runs until %d: %w", ends.Mint1, ends.Mint2, ends.EndTime, domain.ErrAuctionOverlap)
	}
	ends.EndTime = a.EndTime

	if err := tx.InsertAuction(ctx, a); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("auction %d exists: %w", p.ID, domain.ErrInvalidAuction)
		}
		return nil, fmt.Errorf("insert auction: %w", err)
	}
	if err := tx.PutAuctionEnds(ctx, ends); err != nil {
		return nil, fmt.Errorf("store auction ends: %w", err)
	}
	return a, nil
}

// CloseAuction ends an auction and its pair record at now-1. Closing an
// already closed auction changes nothing.
func CloseAuction(ctx context.Context, tx storage.Tx, fund string, id uint64, now int64) (*domain.Auction, error) {
	f, err := fees.LoadFund(ctx, tx, fund)
	if err != nil {
		return nil, err
	}
	a, err := loadAuction(ctx, tx, f.Address, id)
	if err != nil {
		return nil, err
	}

	a.Close(now)
	if err := tx.PutAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("store auction: %w", err)
	}

	endsAddr, err := address.AuctionEnds(f.Address, a.Nonce, a.SellMint, a.BuyMint)
	if err != nil {
		return nil, fmt.Errorf("derive auction ends address: %w", err)
	}
	ends, err := tx.AuctionEnds(ctx, endsAddr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return a, nil
	case err != nil:
		return nil, fmt.Errorf("load auction ends: %w", err)
	}
	ends.Close(now)
	if err := tx.PutAuctionEnds(ctx, ends); err != nil {
		return nil, fmt.Errorf("store auction ends: %w", err)
	}
	return a, nil
}

func loadEpoch(ctx context.Context, tx storage.Tx, fund string) (*domain.RebalanceEpoch, error) {
	addr, err := address.Rebalance(fund)
	if err != nil {
		return nil, fmt.Errorf("derive rebalance address: %w", err)
	}
	epoch, err := tx.RebalanceEpoch(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("fund %s: %w", fund, domain.ErrRebalanceNotActive)
		}
		return nil, fmt.Errorf("load rebalance: %w", err)
	}
	if epoch.Fund != fund {
		return nil, fmt.Errorf("rebalance belongs to %s: %w", epoch.Fund, domain.ErrInvalidFund)
	}
	return epoch, nil
}

func loadBasket(ctx context.Context, tx storage.Tx, fund string) (*domain.Basket, error) {
	addr, err := address.Basket(fund)
	if err != nil {
		return nil, fmt.Errorf("derive basket address: %w", err)
	}
	b, err := tx.Basket(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("basket of %s: %w", fund, domain.ErrInvalidFund)
		}
		return nil, fmt.Errorf("load basket: %w", err)
	}
	if b.Address != addr {
		return nil, fmt.Errorf("basket %s, expected %s: %w", b.Address, addr, domain.ErrInvalidPDA)
	}
	if b.Fund != fund {
		return nil, fmt.Errorf("basket belongs to %s: %w", b.Fund, domain.ErrInvalidFund)
	}
	return b, nil
}

func loadAuction(ctx context.Context, tx storage.Tx, fund string, id uint64) (*domain.Auction, error) {
	addr, err := address.Auction(fund, id)
	if err != nil {
		return nil, fmt.Errorf("derive auction address: %w", err)
	}
	a, err := tx.Auction(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("auction %d: %w", id, domain.ErrInvalidAuction)
		}
		return nil, fmt.Errorf("load auction: %w", err)
	}
	if a.Address != addr || a.ID != id {
		return nil, fmt.Errorf("auction %s, expected %s: %w", a.Address, addr, domain.ErrInvalidPDA)
	}
	if a.Fund != fund {
		return nil, fmt.Errorf("auction belongs to %s: %w", a.Fund, domain.ErrInvalidFund)
	}
	return a, nil
}

func loadOrNewEnds(ctx context.Context, tx storage.Tx, fund string, nonce uint64, mintA, mintB string) (*domain.AuctionEnds, error) {
	addr, err := address.AuctionEnds(fund, nonce, mintA, mintB)
	if err != nil {
		return nil, fmt.Errorf("derive auction ends address: %w", err)
	}
	ends, err := tx.AuctionEnds(ctx, addr)
	if err == nil {
		return ends, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load auction ends: %w", err)
	}
	mint1, mint2 := domain.SortedPair(mintA, mintB)
	return &domain.AuctionEnds{
		Address:        addr,
		Fund:           fund,
		RebalanceNonce: nonce,
		Mint1:          mint1,
		Mint2:          mint2,
	}, nil
}
