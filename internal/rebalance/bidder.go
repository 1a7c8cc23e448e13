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

// BidParams is a bid as submitted by a bidder.
type BidParams struct {
	Fund             string
	AuctionID        uint64
	Bidder           string
	SellAmount       uint64 // requested; clamped to capacity
	MaxBuyAmount     uint64
	UseCallback      bool
	CallbackData     []byte
	CallbackAccounts []string
	Now              int64
}

// BidResult is the outcome of an executed bid.
type BidResult struct {
	Auction      *domain.Auction
	Bid          auction.Bid
	Accrual      fees.Accrual
	SellPresence uint256.Int
	BuyPresence  uint256.Int
	ClosedEarly  bool
}

// Fill renders the result for the analytics log.
func (r *BidResult) Fill(bidder string, usedCallback bool, now int64) *domain.BidFill {
	return &domain.BidFill{
		Fund:         r.Auction.Fund,
		AuctionID:    r.Auction.ID,
		Nonce:        r.Auction.Nonce,
		Bidder:       bidder,
		SellMint:     r.Auction.SellMint,
		BuyMint:      r.Auction.BuyMint,
		SellAmount:   r.Bid.SellAmount,
		BuyAmount:    r.Bid.BuyAmount,
		Price:        r.Bid.Price.Dec(),
		SellPresence: r.SellPresence.Dec(),
		BuyPresence:  r.BuyPresence.Dec(),
		ClosedEarly:  r.ClosedEarly,
		UsedCallback: usedCallback,
		Timestamp:    now,
	}
}

// Bidder executes bids. All of its work happens inside the caller's
// transaction, so any failure leaves no trace.
type Bidder struct {
	config fees.ConfigProvider
	router Router
}

// NewBidder creates a bidder. router may be nil when callbacks are not offered.
func NewBidder(config fees.ConfigProvider, router Router) *Bidder {
	return &Bidder{config: config, router: router}
}

// Bid validates the records a bid touches, sizes it, moves both legs and
// re-checks the basket presence bounds.
func (b *Bidder) Bid(ctx context.Context, tx storage.Tx, p BidParams) (*BidResult, error) {
	f, err := fees.LoadFund(ctx, tx, p.Fund)
	if err != nil {
		return nil, err
	}
	basket, err := loadBasket(ctx, tx, f.Address)
	if err != nil {
		return nil, err
	}
	epoch, err := loadEpoch(ctx, tx, f.Address)
	if err != nil {
		return nil, err
	}
	a, err := loadAuction(ctx, tx, f.Address, p.AuctionID)
	if err != nil {
		return nil, err
	}
	if a.Nonce != epoch.Nonce {
		return nil, fmt.Errorf("auction nonce %d, rebalance nonce %d: %w", a.Nonce, epoch.Nonce, domain.ErrNonceMismatch)
	}
	// A stale auction reports the nonce mismatch whatever else the bid carries.
	if p.Bidder == "" || p.Bidder == domain.EmptyKey {
		return nil, fmt.Errorf("empty bidder: %w", domain.ErrUnauthorized)
	}
	if p.Bidder == f.Address {
		return nil, fmt.Errorf("fund cannot bid on itself: %w", domain.ErrUnauthorized)
	}
	ends, err := loadEnds(ctx, tx, f.Address, epoch.Nonce, a)
	if err != nil {
		return nil, err
	}

	cfg, err := b.config.Resolve(ctx, f.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve fee config: %w", err)
	}
	acc, err := fees.Poke(ctx, tx, f, p.Now, cfg)
	if err != nil {
		return nil, err
	}

	tokens := tx.Tokens()
	supply, err := tokens.Supply(ctx, f.Mint)
	if err != nil {
		return nil, fmt.Errorf("index token supply: %w", err)
	}
	bid, err := auction.GetBid(a, f, basket, supply, p.Now, p.SellAmount, p.MaxBuyAmount)
	if err != nil {
		return nil, err
	}
	total := &bid.ScaledTotalSupply

	// Sell leg.
	if err := basket.Remove(a.SellMint, bid.SellAmount); err != nil {
		return nil, err
	}
	sellPresence, err := auction.CheckSellPresence(a, basket, total)
	if err != nil {
		return nil, err
	}
	sellDecimals, err := tokens.Decimals(ctx, a.SellMint)
	if err != nil {
		return nil, fmt.Errorf("sell mint: %w", err)
	}
	if err := tokens.TransferChecked(ctx, a.SellMint, f.Address, p.Bidder, bid.SellAmount, sellDecimals); err != nil {
		return nil, fmt.Errorf("pay out sell leg: %w", err)
	}

	// Buy leg.
	if p.UseCallback {
		if err := b.routeBuy(ctx, tx, f, a, bid, p); err != nil {
			return nil, err
		}
	} else {
		buyDecimals, err := tokens.Decimals(ctx, a.BuyMint)
		if err != nil {
			return nil, fmt.Errorf("buy mint: %w", err)
		}
		if err := tokens.TransferChecked(ctx, a.BuyMint, p.Bidder, f.Address, bid.BuyAmount, buyDecimals); err != nil {
			return nil, fmt.Errorf("collect buy leg: %w", err)
		}
	}
	if err := basket.Add(a.BuyMint, bid.BuyAmount); err != nil {
		return nil, err
	}
	buyPresence, err := auction.Presence(basket.Amount(a.BuyMint), total)
	if err != nil {
		return nil, fmt.Errorf("buy presence: %w", err)
	}

	res := &BidResult{Auction: a, Bid: *bid, Accrual: acc}
	res.SellPresence.Set(sellPresence)
	res.BuyPresence.Set(buyPresence)

	if auction.ShouldClose(a, sellPresence, buyPresence) {
		a.Close(p.Now)
		ends.Close(p.Now)
		if err := tx.PutAuction(ctx, a); err != nil {
			return nil, fmt.Errorf("store auction: %w", err)
		}
		if err := tx.PutAuctionEnds(ctx, ends); err != nil {
			return nil, fmt.Errorf("store auction ends: %w", err)
		}
		res.ClosedEarly = true
	}

	if err := tx.PutBasket(ctx, basket); err != nil {
		return nil, fmt.Errorf("store basket: %w", err)
	}
	if err := tx.PutFund(ctx, f); err != nil {
		return nil, fmt.Errorf("store fund: %w", err)
	}
	return res, nil
}

// routeBuy runs the bidder's callback and checks the fund received the buy leg.
func (b *Bidder) routeBuy(ctx context.Context, tx storage.Tx, f *domain.Fund, a *domain.Auction, bid *auction.Bid, p BidParams) error {
	if b.router == nil {
		return ErrNoRouter
	}
	tokens := tx.Tokens()
	before, err := tokens.Balance(ctx, a.BuyMint, f.Address)
	if err != nil {
		return fmt.Errorf("buy balance: %w", err)
	}

	err = b.router.Route(ctx, tx, RouteCall{
		Bidder:     p.Bidder,
		Fund:       f.Address,
		SellMint:   a.SellMint,
		BuyMint:    a.BuyMint,
		SellAmount: bid.SellAmount,
		BuyAmount:  bid.BuyAmount,
		Data:       p.CallbackData,
		Accounts:   p.CallbackAccounts,
	})
	if err != nil {
		return fmt.Errorf("callback: %w", err)
	}

	after, err := tokens.Balance(ctx, a.BuyMint, f.Address)
	if err != nil {
		return fmt.Errorf("buy balance: %w", err)
	}
	if after < before || after-before < bid.BuyAmount {
		return fmt.Errorf("received %d of %d: %w", after-min(after, before), bid.BuyAmount, domain.ErrInsufficientBid)
	}
	return nil
}

func loadEnds(ctx context.Context, tx storage.Tx, fund string, nonce uint64, a *domain.Auction) (*domain.AuctionEnds, error) {
	addr, err := address.AuctionEnds(fund, nonce, a.SellMint, a.BuyMint)
	if err != nil {
		return nil, fmt.Errorf("derive auction ends address: %w", err)
	}
	ends, err := tx.AuctionEnds(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("auction ends for %d: %w", a.ID, domain.ErrInvalidAuction)
		}
		return nil, fmt.Errorf("load auction ends: %w", err)
	}
	if ends.Address != addr {
		return nil, fmt.Errorf("auction ends %s, expected %s: %w", ends.Address, addr, domain.ErrInvalidPDA)
	}
	if ends.RebalanceNonce != nonce {
		return nil, fmt.Errorf("auction ends nonce %d, rebalance nonce %d: %w", ends.RebalanceNonce, nonce, domain.ErrNonceMismatch)
	}
	mint1, mint2 := domain.SortedPair(a.SellMint, a.BuyMint)
	if ends.Mint1 != mint1 || ends.Mint2 != mint2 || ends.Fund != fund {
		return nil, fmt.Errorf("auction ends pair %s/%s: %w", ends.Mint1, ends.Mint2, domain.ErrInvalidMint)
	}
	return ends, nil
}
