package auction

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
)

const (
	sellMint = "SeLLmint1111111111111111111111111111111111"
	buyMint  = "BuYmint11111111111111111111111111111111111"
	t0       = int64(1_704_067_200)
)

// d18 returns v/10000 in D18, e.g. d18(200) = 0.02.
func d18(bps uint64) uint256.Int {
	v, _ := fixed.MulDiv(fixed.New(bps), fixed.D18, fixed.New(10_000), fixed.Floor)
	return *v
}

func newAuction(curve domain.CurveKind) *domain.Auction {
	a := &domain.Auction{
		Fund:      "fund",
		ID:        1,
		SellMint:  sellMint,
		BuyMint:   buyMint,
		StartTime: t0,
		EndTime:   t0 + 100,
		Curve:     curve,
	}
	a.StartPrice.Set(fixed.New(2_000_000_000_000_000_000))
	a.EndPrice.Set(fixed.D18)
	return a
}

func TestAuctionStatus(t *testing.T) {
	a := newAuction(domain.CurveLinear)

	tests := []struct {
		now  int64
		want domain.AuctionStatus
	}{
		{t0 - 1, domain.AuctionPending},
		{t0, domain.AuctionOpen},
		{t0 + 99, domain.AuctionOpen},
		{t0 + 100, domain.AuctionClosed},
	}
	for _, tt := range tests {
		if got := a.Status(tt.now); got != tt.want {
			t.Errorf("Status(%d) = %s, want %s", tt.now, got, tt.want)
		}
	}

	a.Close(t0 + 10)
	if a.EndTime != t0+9 {
		t.Errorf("EndTime after close = %d, want %d", a.EndTime, t0+9)
	}
	a.Close(t0 + 50)
	if a.EndTime != t0+9 {
		t.Errorf("EndTime increased on second close: %d", a.EndTime)
	}
	if a.Status(t0+9) != domain.AuctionClosed {
		t.Error("auction should be closed at its new end time")
	}
}

func TestLinearCurve(t *testing.T) {
	a := newAuction(domain.CurveLinear)

	tests := []struct {
		now  int64
		want uint64
	}{
		{t0 - 5, 2_000_000_000_000_000_000},
		{t0, 2_000_000_000_000_000_000},
		{t0 + 50, 1_500_000_000_000_000_000},
		{t0 + 100, 1_000_000_000_000_000_000},
		{t0 + 500, 1_000_000_000_000_000_000},
	}
	for _, tt := range tests {
		got, err := PriceAt(a, tt.now)
		if err != nil {
			t.Fatalf("PriceAt(%d) failed: %v", tt.now, err)
		}
		if got.Uint64() != tt.want {
			t.Errorf("PriceAt(%d) = %s, want %d", tt.now, got.Dec(), tt.want)
		}
	}
}

func TestLinearCurve_RoundsUp(t *testing.T) {
	a := newAuction(domain.CurveLinear)
	a.StartPrice.SetUint64(10)
	a.EndPrice.SetUint64(0)
	a.EndTime = t0 + 3

	got, err := PriceAt(a, t0+1)
	if err != nil {
		t.Fatalf("PriceAt failed: %v", err)
	}
	// 10 - floor(10/3) = 7
	if got.Uint64() != 7 {
		t.Errorf("PriceAt = %s, want 7", got.Dec())
	}
}

func TestCurves_Monotone(t *testing.T) {
	for _, kind := range []domain.CurveKind{domain.CurveLinear, domain.CurveExponential} {
		t.Run(string(kind), func(t *testing.T) {
			a := newAuction(kind)
			prev, err := PriceAt(a, t0)
			if err != nil {
				t.Fatalf("PriceAt failed: %v", err)
			}
			for now := t0 + 1; now <= a.EndTime; now++ {
				p, err := PriceAt(a, now)
				if err != nil {
					t.Fatalf("PriceAt(%d) failed: %v", now, err)
				}
				if p.Gt(prev) {
					t.Fatalf("price rose at %d: %s > %s", now, p.Dec(), prev.Dec())
				}
				if p.Lt(&a.EndPrice) || p.Gt(&a.StartPrice) {
					t.Fatalf("price %s outside bounds at %d", p.Dec(), now)
				}
				prev = p
			}
			if !prev.Eq(&a.EndPrice) {
				t.Errorf("final price = %s, want %s", prev.Dec(), a.EndPrice.Dec())
			}
		})
	}
}

func TestExponentialCurve_Midpoint(t *testing.T) {
	a := newAuction(domain.CurveExponential)

	// 2 * (1/2)^(1/2) = sqrt(2)
	got, err := PriceAt(a, t0+50)
	if err != nil {
		t.Fatalf("PriceAt failed: %v", err)
	}
	low := fixed.New(1_414_213_562_373_095_000)
	high := fixed.New(1_414_213_562_373_096_000)
	if got.Lt(low) || got.Gt(high) {
		t.Errorf("PriceAt midpoint = %s, want ~1414213562373095048", got.Dec())
	}
}

func TestCurveFor_Unknown(t *testing.T) {
	if _, err := CurveFor("quadratic"); !errors.Is(err, domain.ErrInvalidAuction) {
		t.Errorf("expected ErrInvalidAuction, got %v", err)
	}
}

func TestValidatePrices(t *testing.T) {
	a := newAuction(domain.CurveLinear)
	a.EndPrice.Set(fixed.New(3_000_000_000_000_000_000))
	if err := ValidatePrices(a); !errors.Is(err, domain.ErrInvalidPrices) {
		t.Errorf("rising prices: expected ErrInvalidPrices, got %v", err)
	}

	e := newAuction(domain.CurveExponential)
	e.EndPrice.Clear()
	if err := ValidatePrices(e); !errors.Is(err, domain.ErrInvalidPrices) {
		t.Errorf("zero exponential end: expected ErrInvalidPrices, got %v", err)
	}
}

func TestValidatePrices_ExponentialRange(t *testing.T) {
	a := newAuction(domain.CurveExponential)
	a.StartPrice.Set(fixed.D27)
	a.EndPrice.SetUint64(1)
	if err := ValidatePrices(a); !errors.Is(err, domain.ErrInvalidPrices) {
		t.Errorf("1e27 range: expected ErrInvalidPrices, got %v", err)
	}
	if _, err := PriceAt(a, t0+50); !errors.Is(err, domain.ErrInvalidPrices) {
		t.Errorf("PriceAt: expected ErrInvalidPrices, got %v", err)
	}

	// Widest accepted range prices every second of the window.
	a.StartPrice.Mul(fixed.D18, fixed.New(MaxPriceRange))
	a.EndPrice.Set(fixed.D18)
	if err := ValidatePrices(a); err != nil {
		t.Fatalf("100x range rejected: %v", err)
	}
	prev := new(uint256.Int).Set(&a.StartPrice)
	for now := a.StartTime; now <= a.EndTime; now++ {
		p, err := PriceAt(a, now)
		if err != nil {
			t.Fatalf("PriceAt(%d) failed: %v", now, err)
		}
		if p.Gt(prev) {
			t.Errorf("price rose at %d: %s > %s", now, p.Dec(), prev.Dec())
		}
		prev = p
	}

	// Linear curves accept any range.
	l := newAuction(domain.CurveLinear)
	l.StartPrice.Set(fixed.D27)
	l.EndPrice.SetUint64(1)
	if err := ValidatePrices(l); err != nil {
		t.Errorf("linear 1e27 range rejected: %v", err)
	}
}

// earlyCloseSetup is a basket of 1000 sell / 0 buy backing 10000 index units,
// with limits that keep 200 sell and target 800 buy at price 1.
func earlyCloseSetup() (*domain.Auction, *domain.Fund, *domain.Basket) {
	a := newAuction(domain.CurveLinear)
	a.StartPrice.Set(fixed.D18)
	a.EndPrice.Set(fixed.D18)
	a.SellLimit = d18(200)
	a.BuyLimit = d18(800)

	f, _ := domain.NewFund("fund", "mint", 255, nil, t0)
	b := domain.NewBasket("basket", "fund")
	_ = b.Add(sellMint, 1000)
	return a, f, b
}

func TestGetBid_EarlyClose(t *testing.T) {
	a, f, b := earlyCloseSetup()

	bid, err := GetBid(a, f, b, 10_000, t0+10, 800, 800)
	if err != nil {
		t.Fatalf("GetBid failed: %v", err)
	}
	if bid.SellAmount != 800 || bid.BuyAmount != 800 {
		t.Fatalf("bid = %d/%d, want 800/800", bid.SellAmount, bid.BuyAmount)
	}

	if err := b.Remove(sellMint, bid.SellAmount); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	sellPresence, err := CheckSellPresence(a, b, &bid.ScaledTotalSupply)
	if err != nil {
		t.Fatalf("CheckSellPresence failed: %v", err)
	}
	if err := b.Add(buyMint, bid.BuyAmount); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	buyPresence, err := Presence(b.Amount(buyMint), &bid.ScaledTotalSupply)
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}

	if !sellPresence.Eq(&a.SellLimit) {
		t.Errorf("sell presence = %s, want %s", sellPresence.Dec(), a.SellLimit.Dec())
	}
	if !ShouldClose(a, sellPresence, buyPresence) {
		t.Error("expected the auction to close after reaching its target")
	}
}

func TestGetBid_PartialDoesNotClose(t *testing.T) {
	a, f, b := earlyCloseSetup()

	bid, err := GetBid(a, f, b, 10_000, t0+10, 300, 300)
	if err != nil {
		t.Fatalf("GetBid failed: %v", err)
	}
	_ = b.Remove(sellMint, bid.SellAmount)
	sellPresence, err := CheckSellPresence(a, b, &bid.ScaledTotalSupply)
	if err != nil {
		t.Fatalf("CheckSellPresence failed: %v", err)
	}
	_ = b.Add(buyMint, bid.BuyAmount)
	buyPresence, _ := Presence(b.Amount(buyMint), &bid.ScaledTotalSupply)

	if ShouldClose(a, sellPresence, buyPresence) {
		t.Error("auction closed before reaching its target")
	}
}

func TestGetBid_ClampsToCapacity(t *testing.T) {
	a, f, b := earlyCloseSetup()

	bid, err := GetBid(a, f, b, 10_000, t0+10, 5_000, 5_000)
	if err != nil {
		t.Fatalf("GetBid failed: %v", err)
	}
	if bid.SellAmount != 800 {
		t.Errorf("SellAmount = %d, want 800", bid.SellAmount)
	}
}

func TestGetBid_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *domain.Auction, b *domain.Basket)
		now     int64
		sell    uint64
		maxBuy  uint64
		wantErr error
	}{
		{"not started", nil, t0 - 1, 100, 100, domain.ErrAuctionNotOpen},
		{"ended", nil, t0 + 100, 100, 100, domain.ErrAuctionNotOpen},
		{"slippage", nil, t0 + 10, 100, 99, domain.ErrSlippageExceeded},
		{"zero request", nil, t0 + 10, 0, 100, domain.ErrInsufficientSellAvailable},
		{
			name: "sell side exhausted",
			mutate: func(a *domain.Auction, b *domain.Basket) {
				_ = b.Remove(sellMint, 800)
			},
			now: t0 + 10, sell: 100, maxBuy: 100,
			wantErr: domain.ErrInsufficientSellAvailable,
		},
		{
			name: "buy side full",
			mutate: func(a *domain.Auction, b *domain.Basket) {
				_ = b.Add(buyMint, 800)
			},
			now: t0 + 10, sell: 100, maxBuy: 100,
			wantErr: domain.ErrInsufficientSellAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, f, b := earlyCloseSetup()
			if tt.mutate != nil {
				tt.mutate(a, b)
			}
			_, err := GetBid(a, f, b, 10_000, tt.now, tt.sell, tt.maxBuy)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheckSellPresence_Violation(t *testing.T) {
	a, _, b := earlyCloseSetup()
	total := fixed.New(10_000 * domain.ScaleD9)

	_ = b.Remove(sellMint, 801)
	if _, err := CheckSellPresence(a, b, total); !errors.Is(err, domain.ErrBidInvariantViolated) {
		t.Errorf("expected ErrBidInvariantViolated, got %v", err)
	}
}

func TestGetBid_PendingFeesDilute(t *testing.T) {
	a, f, b := earlyCloseSetup()
	// One extra index token worth of pending fees lowers every presence.
	f.DAOPendingFeeShares.SetUint64(domain.ScaleD9 * 10_000)

	bid, err := GetBid(a, f, b, 10_000, t0+10, 5_000, 5_000)
	if err != nil {
		t.Fatalf("GetBid failed: %v", err)
	}
	// keep ceil(0.02 * 20000) = 400; buy target floor(0.08 * 20000) = 1600
	if bid.SellAmount != 600 {
		t.Errorf("SellAmount = %d, want 600", bid.SellAmount)
	}
	if bid.ScaledTotalSupply.Uint64() != 20_000*domain.ScaleD9 {
		t.Errorf("ScaledTotalSupply = %s", bid.ScaledTotalSupply.Dec())
	}
}
