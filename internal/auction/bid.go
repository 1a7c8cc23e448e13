package auction

import (
	"fmt"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
)

// Bid is the sizing of one trade against an auction.
type Bid struct {
	SellAmount        uint64      // raw units of SellMint leaving the fund
	BuyAmount         uint64      // raw units of BuyMint the bidder must deliver
	Price             uint256.Int // D18 buy units per sell unit
	ScaledTotalSupply uint256.Int // fee-adjusted supply the bid was sized on
}

// Presence returns the per-share backing of amount: amount / scaledSupply,
// expressed in D18 per raw index token unit. Rounds down.
func Presence(amount uint64, scaledSupply *uint256.Int) (*uint256.Int, error) {
	return fixed.MulDiv(fixed.New(amount), fixed.D27, scaledSupply, fixed.Floor)
}

// presenceAmount converts a per-share presence limit back into a raw amount.
func presenceAmount(limit, scaledSupply *uint256.Int, r fixed.Rounding) (*uint256.Int, error) {
	return fixed.MulDiv(limit, scaledSupply, fixed.D27, r)
}

// SellCapacity returns how much of the sell mint can leave the basket without
// breaking the sell limit, nor pushing the buy mint past its buy limit at price.
func SellCapacity(a *domain.Auction, b *domain.Basket, scaledSupply, price *uint256.Int) (uint64, error) {
	keep, err := presenceAmount(&a.SellLimit, scaledSupply, fixed.Ceil)
	if err != nil {
		return 0, fmt.Errorf("sell limit amount: %w", err)
	}
	sellable := fixed.SaturatingSub(fixed.New(b.Amount(a.SellMint)), keep)

	target, err := presenceAmount(&a.BuyLimit, scaledSupply, fixed.Floor)
	if err != nil {
		return 0, fmt.Errorf("buy limit amount: %w", err)
	}
	wanted := fixed.SaturatingSub(target, fixed.New(b.Amount(a.BuyMint)))
	buyable, err := fixed.MulDiv(wanted, fixed.D18, price, fixed.Floor)
	if err != nil {
		return 0, fmt.Errorf("buy side capacity: %w", err)
	}

	capacity := fixed.Min(sellable, buyable)
	if !capacity.IsUint64() {
		// Bounded by the basket balance, which is a uint64.
		return 0, fmt.Errorf("sell capacity: %w", domain.ErrMathOverflow)
	}
	return capacity.Uint64(), nil
}

// GetBid sizes a bid of up to requestedSell against a at now. The returned
// sell amount is clamped to the remaining capacity; the required buy amount
// rounds up and must not exceed maxBuy.
func GetBid(a *domain.Auction, f *domain.Fund, b *domain.Basket, rawSupply uint64, now int64, requestedSell, maxBuy uint64) (*Bid, error) {
	if status := a.Status(now); status != domain.AuctionOpen {
		return nil, fmt.Errorf("auction %d is %s at %d: %w", a.ID, status, now, domain.ErrAuctionNotOpen)
	}

	price, err := PriceAt(a, now)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("zero price: %w", domain.ErrInvalidPrices)
	}

	total, err := f.ScaledTotalSupply(rawSupply)
	if err != nil {
		return nil, fmt.Errorf("scaled total supply: %w", err)
	}
	if total.IsZero() {
		return nil, fmt.Errorf("empty fund supply: %w", domain.ErrDivideByZero)
	}

	capacity, err := SellCapacity(a, b, total, price)
	if err != nil {
		return nil, err
	}
	sell := min(requestedSell, capacity)
	if sell == 0 {
		return nil, fmt.Errorf("requested %d, capacity %d: %w", requestedSell, capacity, domain.ErrInsufficientSellAvailable)
	}

	buy, err := fixed.MulDiv(fixed.New(sell), price, fixed.D18, fixed.Ceil)
	if err != nil {
		return nil, fmt.Errorf("required buy amount: %w", err)
	}
	buyRaw, err := fixed.ToUint64(buy)
	if err != nil {
		return nil, fmt.Errorf("required buy amount: %w", err)
	}
	if buyRaw > maxBuy {
		return nil, fmt.Errorf("required %d, max %d: %w", buyRaw, maxBuy, domain.ErrSlippageExceeded)
	}

	bid := &Bid{SellAmount: sell, BuyAmount: buyRaw}
	bid.Price.Set(price)
	bid.ScaledTotalSupply.Set(total)
	return bid, nil
}

// CheckSellPresence returns the sell mint presence left in b and fails if it
// is below the auction's sell limit.
func CheckSellPresence(a *domain.Auction, b *domain.Basket, scaledSupply *uint256.Int) (*uint256.Int, error) {
	presence, err := Presence(b.Amount(a.SellMint), scaledSupply)
	if err != nil {
		return nil, fmt.Errorf("sell presence: %w", err)
	}
	if presence.Lt(&a.SellLimit) {
		return nil, fmt.Errorf("sell presence %s below limit %s: %w", presence.Dec(), a.SellLimit.Dec(), domain.ErrBidInvariantViolated)
	}
	return presence, nil
}

// ShouldClose reports whether a has reached its rebalancing target: the sell
// mint sits exactly at its limit or the buy mint reached its limit.
func ShouldClose(a *domain.Auction, sellPresence, buyPresence *uint256.Int) bool {
	return !sellPresence.Gt(&a.SellLimit) || !buyPresence.Lt(&a.BuyLimit)
}
