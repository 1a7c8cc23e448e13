package rebalance

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/storage/memory"
	"index-fund-engine/internal/token"
)

const t0 = int64(1_704_067_200)

var (
	indexMint = address.KeyFromLabel("test/index")
	sellMint  = address.KeyFromLabel("test/sell")
	buyMint   = address.KeyFromLabel("test/buy")
	issuer    = address.KeyFromLabel("test/issuer")
	holder    = address.KeyFromLabel("test/holder")
	bidder    = address.KeyFromLabel("test/bidder")
	lp        = address.KeyFromLabel("test/lp")
	dao       = address.KeyFromLabel("test/dao")
)

// presence returns v/10000 in D18.
func presence(v uint64) uint256.Int {
	p, _ := fixed.MulDiv(fixed.New(v), fixed.D18, fixed.New(10_000), fixed.Floor)
	return *p
}

type fixture struct {
	ledger *memory.Ledger
	fund   string
	bidder *Bidder
}

// newFixture seeds a fund of 10000 index units backed by 1000 sell tokens,
// with limits that keep 200 sell and target 800 buy.
func newFixture(t *testing.T, router Router) *fixture {
	t.Helper()
	ctx := context.Background()

	fundAddr, bump, err := address.Fund(indexMint)
	if err != nil {
		t.Fatalf("derive fund: %v", err)
	}
	basketAddr, err := address.Basket(fundAddr)
	if err != nil {
		t.Fatalf("derive basket: %v", err)
	}

	ledger := memory.NewLedger()
	for _, m := range []token.Mint{
		{Address: indexMint, Authority: fundAddr, Decimals: 9},
		{Address: sellMint, Authority: issuer, Decimals: 6},
		{Address: buyMint, Authority: issuer, Decimals: 9},
	} {
		if err := ledger.CreateMint(m); err != nil {
			t.Fatalf("CreateMint failed: %v", err)
		}
	}

	err = ledger.WithTx(ctx, func(tx storage.Tx) error {
		tokens := tx.Tokens()
		if err := tokens.MintTo(ctx, indexMint, fundAddr, holder, 10_000); err != nil {
			return err
		}
		if err := tokens.MintTo(ctx, sellMint, issuer, fundAddr, 1_000); err != nil {
			return err
		}
		if err := tokens.MintTo(ctx, buyMint, issuer, bidder, 10_000); err != nil {
			return err
		}
		if err := tokens.MintTo(ctx, buyMint, issuer, lp, 10_000); err != nil {
			return err
		}
		fund, err := domain.NewFund(fundAddr, indexMint, bump, nil, t0)
		if err != nil {
			return err
		}
		if err := tx.PutFund(ctx, fund); err != nil {
			return err
		}
		basket := domain.NewBasket(basketAddr, fundAddr)
		if err := basket.Add(sellMint, 1_000); err != nil {
			return err
		}
		return tx.PutBasket(ctx, basket)
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	provider, err := fees.NewStaticProvider(domain.FeeConfig{Numerator: 1, Denominator: 1000, Recipient: dao})
	if err != nil {
		t.Fatalf("NewStaticProvider failed: %v", err)
	}
	fx := &fixture{ledger: ledger, fund: fundAddr, bidder: NewBidder(provider, router)}
	fx.start(t)
	return fx
}

func (fx *fixture) run(t *testing.T, fn func(ctx context.Context, tx storage.Tx) error) error {
	t.Helper()
	ctx := context.Background()
	return fx.ledger.WithTx(ctx, func(tx storage.Tx) error { return fn(ctx, tx) })
}

func (fx *fixture) start(t *testing.T) *domain.RebalanceEpoch {
	t.Helper()
	var epoch *domain.RebalanceEpoch
	err := fx.run(t, func(ctx context.Context, tx storage.Tx) error {
		var err error
		epoch, err = StartRebalance(ctx, tx, StartParams{
			Fund: fx.fund,
			Limits: []domain.TokenLimits{
				{Mint: sellMint, SellLimit: presence(200), BuyLimit: presence(1_000)},
				{Mint: buyMint, SellLimit: presence(0), BuyLimit: presence(800)},
			},
			Now: t0,
			TTL: 3_600,
		})
		return err
	})
	if err != nil {
		t.Fatalf("StartRebalance failed: %v", err)
	}
	return epoch
}

func (fx *fixture) open(id uint64, now int64) (*domain.Auction, error) {
	var a *domain.Auction
	err := fx.ledger.WithTx(context.Background(), func(tx storage.Tx) error {
		p := OpenParams{
			Fund:     fx.fund,
			ID:       id,
			SellMint: sellMint,
			BuyMint:  buyMint,
			Start:    now,
			Duration: 600,
			Now:      now,
		}
		p.StartPrice.Set(fixed.D18)
		p.EndPrice.Set(fixed.D18)
		var err error
		a, err = OpenAuction(context.Background(), tx, p)
		return err
	})
	return a, err
}

func (fx *fixture) bid(p BidParams) (*BidResult, error) {
	p.Fund = fx.fund
	if p.Bidder == "" {
		p.Bidder = bidder
	}
	var res *BidResult
	err := fx.ledger.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		res, err = fx.bidder.Bid(context.Background(), tx, p)
		return err
	})
	return res, err
}

func (fx *fixture) balance(t *testing.T, mint, owner string) uint64 {
	t.Helper()
	var bal uint64
	err := fx.run(t, func(ctx context.Context, tx storage.Tx) error {
		var err error
		bal, err = tx.Tokens().Balance(ctx, mint, owner)
		return err
	})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return bal
}

func (fx *fixture) basket(t *testing.T) *domain.Basket {
	t.Helper()
	var b *domain.Basket
	err := fx.run(t, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = loadBasket(ctx, tx, fx.fund)
		return err
	})
	if err != nil {
		t.Fatalf("load basket failed: %v", err)
	}
	return b
}

func TestBid_ReachesTargetAndClosesEarly(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}

	res, err := fx.bid(BidParams{AuctionID: 1, SellAmount: 800, MaxBuyAmount: 800, Now: t0 + 10})
	if err != nil {
		t.Fatalf("Bid failed: %v", err)
	}
	if !res.ClosedEarly {
		t.Error("expected the auction to close early")
	}
	if res.Auction.EndTime != t0+9 {
		t.Errorf("EndTime = %d, want %d", res.Auction.EndTime, t0+9)
	}

	b := fx.basket(t)
	if b.Amount(sellMint) != 200 || b.Amount(buyMint) != 800 {
		t.Errorf("basket = %d sell / %d buy, want 200 / 800", b.Amount(sellMint), b.Amount(buyMint))
	}
	if got := fx.balance(t, sellMint, bidder); got != 800 {
		t.Errorf("bidder sell balance = %d, want 800", got)
	}
	if got := fx.balance(t, buyMint, fx.fund); got != 800 {
		t.Errorf("fund buy balance = %d, want 800", got)
	}

	if _, err := fx.bid(BidParams{AuctionID: 1, SellAmount: 1, MaxBuyAmount: 1, Now: t0 + 11}); !errors.Is(err, domain.ErrAuctionNotOpen) {
		t.Errorf("bid after close: expected ErrAuctionNotOpen, got %v", err)
	}

	// The pair is free again within the same epoch.
	if _, err := fx.open(2, t0+20); err != nil {
		t.Errorf("reopening the pair after close failed: %v", err)
	}
}

func TestBid_PresenceBoundsHoldAcrossBids(t *testing.T) {
	fx := newFixture(t, nil)
	a, err := fx.open(1, t0)
	if err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}

	now := t0
	for i := 0; i < 20; i++ {
		now++
		res, err := fx.bid(BidParams{AuctionID: 1, SellAmount: 70, MaxBuyAmount: 70, Now: now})
		if err != nil {
			if errors.Is(err, domain.ErrAuctionNotOpen) {
				break
			}
			t.Fatalf("bid %d failed: %v", i, err)
		}
		if res.SellPresence.Lt(&a.SellLimit) {
			t.Fatalf("bid %d: sell presence %s below limit", i, res.SellPresence.Dec())
		}
		if !res.ClosedEarly && !res.BuyPresence.Lt(&a.BuyLimit) {
			t.Fatalf("bid %d: open auction with buy presence %s at limit", i, res.BuyPresence.Dec())
		}
	}

	b := fx.basket(t)
	if b.Amount(sellMint) != 200 {
		t.Errorf("sell left = %d, want 200", b.Amount(sellMint))
	}
}

func TestBid_NonceMismatch(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}

	epoch := fx.start(t)
	if epoch.Nonce != 2 {
		t.Fatalf("Nonce = %d, want 2", epoch.Nonce)
	}

	tests := []struct {
		name string
		p    BidParams
	}{
		{"plain", BidParams{SellAmount: 100, MaxBuyAmount: 100, Now: t0 + 10}},
		{"empty bidder", BidParams{Bidder: domain.EmptyKey, SellAmount: 100, MaxBuyAmount: 100, Now: t0 + 10}},
		{"fund as bidder", BidParams{Bidder: fx.fund, SellAmount: 100, MaxBuyAmount: 100, Now: t0 + 10}},
		{"zero amounts", BidParams{Now: t0 + 10}},
		{"callback", BidParams{SellAmount: 100, MaxBuyAmount: 100, UseCallback: true, Now: t0 + 10}},
		{"before start", BidParams{SellAmount: 100, MaxBuyAmount: 100, Now: t0 - 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.p.AuctionID = 1
			if _, err := fx.bid(tt.p); !errors.Is(err, domain.ErrNonceMismatch) {
				t.Errorf("expected ErrNonceMismatch, got %v", err)
			}
		})
	}
}

func TestBid_Unauthorized(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}
	for _, who := range []string{domain.EmptyKey, fx.fund} {
		_, err := fx.bid(BidParams{AuctionID: 1, Bidder: who, SellAmount: 100, MaxBuyAmount: 100, Now: t0 + 10})
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("bidder %s: expected ErrUnauthorized, got %v", who, err)
		}
	}
}

func TestBid_FailureRollsBack(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}

	poor := address.KeyFromLabel("test/poor")
	_, err := fx.bid(BidParams{AuctionID: 1, Bidder: poor, SellAmount: 100, MaxBuyAmount: 100, Now: t0 + 10})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	b := fx.basket(t)
	if b.Amount(sellMint) != 1_000 || b.Contains(buyMint) {
		t.Errorf("basket changed: %d sell / %d buy", b.Amount(sellMint), b.Amount(buyMint))
	}
	if got := fx.balance(t, sellMint, poor); got != 0 {
		t.Errorf("sell leg leaked %d to the bidder", got)
	}
	if got := fx.balance(t, sellMint, fx.fund); got != 1_000 {
		t.Errorf("fund sell balance = %d, want 1000", got)
	}
}

func TestBid_Slippage(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}
	_, err := fx.bid(BidParams{AuctionID: 1, SellAmount: 100, MaxBuyAmount: 99, Now: t0 + 10})
	if !errors.Is(err, domain.ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
}

func TestBid_Callback(t *testing.T) {
	fx := newFixture(t, LiquidityRouter{})
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}

	_, err := fx.bid(BidParams{
		AuctionID:        1,
		SellAmount:       300,
		MaxBuyAmount:     300,
		UseCallback:      true,
		CallbackAccounts: []string{lp},
		Now:              t0 + 10,
	})
	if err != nil {
		t.Fatalf("callback bid failed: %v", err)
	}
	if got := fx.balance(t, buyMint, lp); got != 9_700 {
		t.Errorf("lp buy balance = %d, want 9700", got)
	}
	if got := fx.balance(t, buyMint, bidder); got != 10_000 {
		t.Errorf("bidder paid %d buy tokens directly", 10_000-got)
	}
}

func TestBid_CallbackShortDelivery(t *testing.T) {
	short := RouterFunc(func(ctx context.Context, tx storage.Tx, call RouteCall) error {
		return tx.Tokens().TransferChecked(ctx, call.BuyMint, lp, call.Fund, call.BuyAmount-1, 9)
	})
	fx := newFixture(t, short)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}

	_, err := fx.bid(BidParams{AuctionID: 1, SellAmount: 300, MaxBuyAmount: 300, UseCallback: true, Now: t0 + 10})
	if !errors.Is(err, domain.ErrInsufficientBid) {
		t.Fatalf("expected ErrInsufficientBid, got %v", err)
	}
	if got := fx.balance(t, buyMint, lp); got != 10_000 {
		t.Errorf("callback transfer was not rolled back: lp has %d", got)
	}
}

func TestBid_CallbackWithoutRouter(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}
	_, err := fx.bid(BidParams{AuctionID: 1, SellAmount: 300, MaxBuyAmount: 300, UseCallback: true, Now: t0 + 10})
	if !errors.Is(err, ErrNoRouter) {
		t.Errorf("expected ErrNoRouter, got %v", err)
	}
}

func TestOpenAuction_Overlap(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.open(1, t0); err != nil {
		t.Fatalf("OpenAuction failed: %v", err)
	}
	if _, err := fx.open(2, t0+10); !errors.Is(err, domain.ErrAuctionOverlap) {
		t.Errorf("expected ErrAuctionOverlap, got %v", err)
	}
	if _, err := fx.open(1, t0+700); !errors.Is(err, domain.ErrInvalidAuction) {
		t.Errorf("reusing an id: expected ErrInvalidAuction, got %v", err)
	}

	err := fx.run(t, func(ctx context.Context, tx storage.Tx) error {
		_, err := CloseAuction(ctx, tx, fx.fund, 1, t0+20)
		return err
	})
	if err != nil {
		t.Fatalf("CloseAuction failed: %v", err)
	}
	if _, err := fx.open(2, t0+20); err != nil {
		t.Errorf("open after close failed: %v", err)
	}
}

func TestOpenAuction_Validation(t *testing.T) {
	fx := newFixture(t, nil)

	err := fx.run(t, func(ctx context.Context, tx storage.Tx) error {
		p := OpenParams{Fund: fx.fund, ID: 9, SellMint: buyMint, BuyMint: sellMint, Duration: 60, Now: t0}
		p.StartPrice.Set(fixed.D18)
		_, err := OpenAuction(ctx, tx, p)
		return err
	})
	if !errors.Is(err, domain.ErrMintNotInBasket) {
		t.Errorf("selling a mint the fund lacks: expected ErrMintNotInBasket, got %v", err)
	}

	if _, err := fx.open(3, t0+4_000); !errors.Is(err, domain.ErrRebalanceNotActive) {
		t.Errorf("expired epoch: expected ErrRebalanceNotActive, got %v", err)
	}
}

func TestStartRebalance_InvalidLimits(t *testing.T) {
	fx := newFixture(t, nil)
	err := fx.run(t, func(ctx context.Context, tx storage.Tx) error {
		_, err := StartRebalance(ctx, tx, StartParams{
			Fund:   fx.fund,
			Limits: []domain.TokenLimits{{Mint: sellMint, SellLimit: presence(500), BuyLimit: presence(100)}},
			Now:    t0,
			TTL:    60,
		})
		return err
	})
	if !errors.Is(err, domain.ErrInvalidAuction) {
		t.Errorf("expected ErrInvalidAuction, got %v", err)
	}
}
