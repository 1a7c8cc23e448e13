package program

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/clock"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/rebalance"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/storage/memory"
	"index-fund-engine/internal/token"
)

const (
	t0    = int64(1_704_067_200)
	month = int64(30 * 86_400)
)

var (
	indexMint = address.KeyFromLabel("program/index")
	sellMint  = address.KeyFromLabel("program/sell")
	buyMint   = address.KeyFromLabel("program/buy")
	issuer    = address.KeyFromLabel("program/issuer")
	holder    = address.KeyFromLabel("program/holder")
	bidder    = address.KeyFromLabel("program/bidder")
	lp        = address.KeyFromLabel("program/lp")
	dao       = address.KeyFromLabel("program/dao")
	alice     = address.KeyFromLabel("program/alice")
	bob       = address.KeyFromLabel("program/bob")
)

type fixture struct {
	proc     *Processor
	ledger   *memory.Ledger
	clock    *clock.Manual
	metrics  *observability.Metrics
	fills    *memory.BidFillStore
	accruals *memory.FeeAccrualStore
	records  *memory.DistributionRecordStore
	fund     string
}

type fixtureOptions struct {
	supply     uint64
	tvlFee     *uint256.Int
	recipients []domain.FeeRecipient
	router     rebalance.Router
}

// newFixture seeds a fund backed by 1000 sell tokens.
func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	fundAddr, bump, err := address.Fund(indexMint)
	require.NoError(t, err)
	basketAddr, err := address.Basket(fundAddr)
	require.NoError(t, err)
	recipientsAddr, err := address.FeeRecipients(fundAddr)
	require.NoError(t, err)

	ledger := memory.NewLedger()
	for _, m := range []token.Mint{
		{Address: indexMint, Authority: fundAddr, Decimals: 9},
		{Address: sellMint, Authority: issuer, Decimals: 6},
		{Address: buyMint, Authority: issuer, Decimals: 9},
	} {
		require.NoError(t, ledger.CreateMint(m))
	}

	err = ledger.WithTx(ctx, func(tx storage.Tx) error {
		tokens := tx.Tokens()
		if err := tokens.MintTo(ctx, indexMint, fundAddr, holder, o.supply); err != nil {
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
		fund, err := domain.NewFund(fundAddr, indexMint, bump, o.tvlFee, t0)
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
		if err := tx.PutBasket(ctx, basket); err != nil {
			return err
		}
		return tx.PutFeeRecipients(ctx, &domain.FeeRecipients{
			Address:    recipientsAddr,
			Fund:       fundAddr,
			Recipients: o.recipients,
		})
	})
	require.NoError(t, err, "seed")

	provider, err := fees.NewStaticProvider(domain.FeeConfig{Numerator: 1, Denominator: 1000, Recipient: dao})
	require.NoError(t, err)

	fx := &fixture{
		ledger:   ledger,
		clock:    clock.NewManual(t0),
		metrics:  observability.NewMetrics("test", prometheus.NewRegistry()),
		fills:    memory.NewBidFillStore(),
		accruals: memory.NewFeeAccrualStore(),
		records:  memory.NewDistributionRecordStore(),
		fund:     fundAddr,
	}
	fx.proc, err = New(Options{
		Ledger:        ledger,
		Clock:         fx.clock,
		Config:        provider,
		Router:        o.router,
		Fills:         fx.fills,
		Accruals:      fx.accruals,
		Distributions: fx.records,
		Metrics:       fx.metrics,
		Logger:        log.New(io.Discard, "[program] ", 0),
		Verbose:       true,
	})
	require.NoError(t, err)
	return fx
}

// presence returns v/10000 in D18.
func presence(v uint64) uint256.Int {
	p, _ := fixed.MulDiv(fixed.New(v), fixed.D18, fixed.New(10_000), fixed.Floor)
	return *p
}

func (fx *fixture) startAndOpen(t *testing.T, id uint64) *domain.Auction {
	t.Helper()
	ctx := context.Background()
	_, err := fx.proc.StartRebalance(ctx, StartRebalanceRequest{
		Fund: fx.fund,
		Limits: []domain.TokenLimits{
			{Mint: sellMint, SellLimit: presence(200), BuyLimit: presence(1_000)},
			{Mint: buyMint, SellLimit: presence(0), BuyLimit: presence(800)},
		},
		TTL: 3_600,
	})
	require.NoError(t, err, "StartRebalance")

	req := OpenAuctionRequest{
		Fund:      fx.fund,
		AuctionID: id,
		SellMint:  sellMint,
		BuyMint:   buyMint,
		Start:     fx.now(),
		Duration:  600,
	}
	req.StartPrice.Set(fixed.D18)
	req.EndPrice.Set(fixed.D18)
	a, err := fx.proc.OpenAuction(ctx, req)
	require.NoError(t, err, "OpenAuction")
	return a
}

func (fx *fixture) now() int64 {
	now, _ := fx.clock.Now(context.Background())
	return now
}

func (fx *fixture) balance(t *testing.T, mint, owner string) uint64 {
	t.Helper()
	var bal uint64
	err := fx.ledger.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		bal, err = tx.Tokens().Balance(context.Background(), mint, owner)
		return err
	})
	require.NoError(t, err)
	return bal
}

func TestProcessor_BidClosesAuctionEarly(t *testing.T) {
	fx := newFixture(t, fixtureOptions{supply: 10_000})
	ctx := context.Background()
	fx.startAndOpen(t, 1)

	fx.clock.Advance(10)
	res, err := fx.proc.Bid(ctx, BidRequest{
		Fund:         fx.fund,
		AuctionID:    1,
		Bidder:       bidder,
		SellAmount:   800,
		MaxBuyAmount: 800,
	})
	require.NoError(t, err)
	assert.True(t, res.ClosedEarly)
	assert.Equal(t, t0+9, res.Auction.EndTime)

	assert.Equal(t, uint64(800), fx.balance(t, sellMint, bidder))
	assert.Equal(t, uint64(800), fx.balance(t, buyMint, fx.fund))

	fills, err := fx.fills.GetByFund(ctx, fx.fund)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, uint64(800), fills[0].SellAmount)
	assert.True(t, fills[0].ClosedEarly)
	assert.Equal(t, t0+10, fills[0].Timestamp)

	points, err := fx.accruals.GetByTimeRange(ctx, fx.fund, t0, t0+10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(10), points[0].Elapsed)

	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.BidsFilled))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.BidsClosedEarly))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.OperationsTotal.WithLabelValues(OpBid, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.RebalancesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.AuctionsOpened))

	_, err = fx.proc.Bid(ctx, BidRequest{Fund: fx.fund, AuctionID: 1, Bidder: bidder, SellAmount: 1, MaxBuyAmount: 1})
	assert.ErrorIs(t, err, domain.ErrAuctionNotOpen)
}

func TestProcessor_StaleNonceFailsClosed(t *testing.T) {
	fx := newFixture(t, fixtureOptions{supply: 10_000})
	ctx := context.Background()
	fx.startAndOpen(t, 1)

	_, err := fx.proc.StartRebalance(ctx, StartRebalanceRequest{
		Fund:   fx.fund,
		Limits: []domain.TokenLimits{{Mint: sellMint, SellLimit: presence(0), BuyLimit: presence(10_000)}},
		TTL:    3_600,
	})
	require.NoError(t, err)

	fx.clock.Advance(5)
	_, err = fx.proc.Bid(ctx, BidRequest{Fund: fx.fund, AuctionID: 1, Bidder: bidder, SellAmount: 100, MaxBuyAmount: 100})
	require.ErrorIs(t, err, domain.ErrNonceMismatch)

	assert.Equal(t, uint64(0), fx.balance(t, sellMint, bidder))
	assert.Equal(t, uint64(10_000), fx.balance(t, buyMint, bidder))

	fills, err := fx.fills.GetByFund(ctx, fx.fund)
	require.NoError(t, err)
	assert.Empty(t, fills)

	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.OperationsTotal.WithLabelValues(OpBid, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.OperationErrors.WithLabelValues(OpBid, "VALIDATION", "6002")))
}

func TestProcessor_CallbackBid(t *testing.T) {
	t.Run("liquidity router", func(t *testing.T) {
		fx := newFixture(t, fixtureOptions{supply: 10_000, router: rebalance.LiquidityRouter{}})
		fx.startAndOpen(t, 1)
		fx.clock.Advance(1)

		res, err := fx.proc.Bid(context.Background(), BidRequest{
			Fund:             fx.fund,
			AuctionID:        1,
			Bidder:           bidder,
			SellAmount:       300,
			MaxBuyAmount:     300,
			UseCallback:      true,
			CallbackAccounts: []string{lp},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(300), res.Bid.BuyAmount)
		assert.Equal(t, uint64(10_000-300), fx.balance(t, buyMint, lp))
		assert.Equal(t, uint64(10_000), fx.balance(t, buyMint, bidder))
		assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.BidsWithCallback))
	})

	t.Run("no router", func(t *testing.T) {
		fx := newFixture(t, fixtureOptions{supply: 10_000})
		fx.startAndOpen(t, 1)
		fx.clock.Advance(1)

		_, err := fx.proc.Bid(context.Background(), BidRequest{
			Fund:         fx.fund,
			AuctionID:    1,
			Bidder:       bidder,
			SellAmount:   300,
			MaxBuyAmount: 300,
			UseCallback:  true,
		})
		assert.ErrorIs(t, err, rebalance.ErrNoRouter)
		assert.Equal(t, uint64(0), fx.balance(t, sellMint, bidder))
	})
}

func TestProcessor_DistributeAndClaim(t *testing.T) {
	fx := newFixture(t, fixtureOptions{
		supply: 1_000_000,
		tvlFee: domain.MaxTVLFee,
		recipients: []domain.FeeRecipient{
			{Recipient: alice, PortionBps: 6000},
			{Recipient: bob, PortionBps: 4000},
		},
	})
	ctx := context.Background()
	fx.clock.Advance(month)

	_, err := fx.proc.DistributeFees(ctx, DistributeRequest{Fund: fx.fund, Index: 2, Cranker: holder})
	require.ErrorIs(t, err, domain.ErrInvalidDistributionIndex)

	res, err := fx.proc.DistributeFees(ctx, DistributeRequest{Fund: fx.fund, Index: 1, Cranker: holder})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), res.DAOMinted)
	assert.Equal(t, uint64(9), fx.balance(t, indexMint, dao))

	records, err := fx.records.GetByFund(ctx, fx.fund)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(1), records[0].Index)
	assert.Equal(t, "8688000000000", records[0].RecipientsAmount)

	claim, err := fx.proc.ClaimFees(ctx, ClaimRequest{Fund: fx.fund, Index: 1})
	require.NoError(t, err)
	assert.True(t, claim.Closed)
	assert.Equal(t, uint64(5212), fx.balance(t, indexMint, alice))
	assert.Equal(t, uint64(3475), fx.balance(t, indexMint, bob))

	assert.Equal(t, 9.0, testutil.ToFloat64(fx.metrics.FeeSharesMinted.WithLabelValues("dao")))
	assert.Equal(t, 8687.0, testutil.ToFloat64(fx.metrics.FeeSharesMinted.WithLabelValues("recipients")))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.DistributionsTotal))

	_, err = fx.proc.ClaimFees(ctx, ClaimRequest{Fund: fx.fund, Index: 1})
	assert.ErrorIs(t, err, domain.ErrDistributionClaimed)
}

func TestProcessor_PokeIsIdempotentAtSameTime(t *testing.T) {
	fx := newFixture(t, fixtureOptions{supply: 1_000_000, tvlFee: domain.MaxTVLFee})
	ctx := context.Background()
	fx.clock.Advance(60)

	first, err := fx.proc.Poke(ctx, PokeRequest{Fund: fx.fund})
	require.NoError(t, err)
	assert.Equal(t, int64(60), first.Elapsed)
	assert.False(t, first.IsZero())

	second, err := fx.proc.Poke(ctx, PokeRequest{Fund: fx.fund})
	require.NoError(t, err)
	assert.True(t, second.IsZero())
	assert.Equal(t, int64(0), second.Elapsed)

	points, err := fx.accruals.GetByTimeRange(ctx, fx.fund, t0, t0+60)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, first.DAOFeeShares.Dec(), points[0].DAOFeeShares)
}

func TestProcessor_CloseAuction(t *testing.T) {
	fx := newFixture(t, fixtureOptions{supply: 10_000})
	ctx := context.Background()
	fx.startAndOpen(t, 7)

	fx.clock.Advance(30)
	a, err := fx.proc.CloseAuction(ctx, CloseAuctionRequest{Fund: fx.fund, AuctionID: 7})
	require.NoError(t, err)
	assert.Equal(t, t0+29, a.EndTime)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.AuctionsClosed))

	_, err = fx.proc.Bid(ctx, BidRequest{Fund: fx.fund, AuctionID: 7, Bidder: bidder, SellAmount: 10, MaxBuyAmount: 10})
	assert.ErrorIs(t, err, domain.ErrAuctionNotOpen)
}

type failingClock struct{}

func (failingClock) Now(context.Context) (int64, error) {
	return 0, errors.New("clock unavailable")
}

func TestProcessor_ClockFailure(t *testing.T) {
	fx := newFixture(t, fixtureOptions{supply: 10_000})
	fx.proc.clock = failingClock{}

	_, err := fx.proc.Poke(context.Background(), PokeRequest{Fund: fx.fund})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read clock")
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.OperationErrors.WithLabelValues(OpPoke, "other", "0")))
}

func TestNew_RequiresLedgerAndConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Ledger: memory.NewLedger()})
	assert.Error(t, err)
}

func TestProcessor_DistributionIndex(t *testing.T) {
	fx := newFixture(t, fixtureOptions{supply: 1_000_000, tvlFee: domain.MaxTVLFee})
	ctx := context.Background()

	index, err := fx.proc.DistributionIndex(ctx, fx.fund)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)

	fx.clock.Advance(10)
	_, err = fx.proc.DistributeFees(ctx, DistributeRequest{Fund: fx.fund, Index: index + 1})
	require.NoError(t, err)

	index, err = fx.proc.DistributionIndex(ctx, fx.fund)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)

	_, err = fx.proc.DistributionIndex(ctx, address.KeyFromLabel("program/unknown"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
