// Package main walks a fund through one rebalance and one fee distribution
// on an in-memory ledger and prints the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/clock"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/genesis"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/program"
	"index-fund-engine/internal/reporting"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/storage/memory"
	"index-fund-engine/internal/token"
)

// scenario start: 2025-01-01T00:00:00Z
const simStart = int64(1_735_689_600)

type config struct {
	tvlFee       string // per second
	startPrice   string // wsol raw units per usdc raw unit
	endPrice     string
	duration     int64 // auction length, seconds
	feeInterval  int64 // seconds between the rebalance and the distribution
	daoNumerator uint64
	csv          bool
	verbose      bool
}

func main() {
	tvlFee := flag.String("tvl-fee", "0.0000000005", "Fund fee per second as a fraction of supply")
	startPrice := flag.String("start-price", "7", "Auction start price (buy raw units per sell raw unit)")
	endPrice := flag.String("end-price", "6.5", "Auction end price")
	duration := flag.Duration("auction-duration", 10*time.Minute, "Auction duration")
	feeInterval := flag.Duration("fee-interval", 24*time.Hour, "Time between the rebalance and the fee distribution")
	daoNumerator := flag.Uint64("dao-share", 1, "DAO share of fees, in tenths")
	csv := flag.Bool("csv", false, "Print bid fills as CSV after the report")
	verbose := flag.Bool("verbose", false, "Log every operation")
	flag.Parse()

	logger := log.New(os.Stderr, "[simulate] ", log.LstdFlags)

	err := run(context.Background(), os.Stdout, logger, config{
		tvlFee:       *tvlFee,
		startPrice:   *startPrice,
		endPrice:     *endPrice,
		duration:     int64(duration.Seconds()),
		feeInterval:  int64(feeInterval.Seconds()),
		daoNumerator: *daoNumerator,
		csv:          *csv,
		verbose:      *verbose,
	})
	if err != nil {
		logger.Fatalf("Simulation failed: %v", err)
	}
}

// scenarioGenesis is a 1000-token fund holding 1000 USDC that rebalances
// 800 USDC into wSOL, with fees split 70/30 between two recipients.
func scenarioGenesis(tvlFee string) *genesis.Genesis {
	return &genesis.Genesis{
		Mints: []genesis.Mint{
			{Address: "label:sim/usdc", Authority: "label:sim/issuer", Decimals: 6},
			{Address: "label:sim/wsol", Authority: "label:sim/issuer", Decimals: 9},
		},
		Funds: []genesis.Fund{{
			IndexMint: "label:sim/index",
			Decimals:  9,
			TVLFee:    tvlFee,
			Basket:    []genesis.BasketEntry{{Mint: "label:sim/usdc", Amount: 1_000_000_000}},
			FeeRecipients: []genesis.FeeRecipient{
				{Recipient: "label:sim/alice", PortionBps: 7_000},
				{Recipient: "label:sim/bob", PortionBps: 3_000},
			},
		}},
		Balances: []genesis.Balance{
			{Mint: "label:sim/index", Owner: "label:sim/holder", Amount: 1_000_000_000_000},
			{Mint: "label:sim/wsol", Owner: "label:sim/bidder-1", Amount: 100_000_000_000},
			{Mint: "label:sim/wsol", Owner: "label:sim/bidder-2", Amount: 100_000_000_000},
		},
	}
}

// party is a labelled account shown in the balance table.
type party struct {
	name  string
	owner string
}

func run(ctx context.Context, out io.Writer, logger *log.Logger, cfg config) error {
	var (
		usdc  = address.KeyFromLabel("sim/usdc")
		wsol  = address.KeyFromLabel("sim/wsol")
		index = address.KeyFromLabel("sim/index")
	)

	ledger := memory.NewLedger()
	fills := memory.NewBidFillStore()
	accruals := memory.NewFeeAccrualStore()
	records := memory.NewDistributionRecordStore()

	createMint := func(_ context.Context, m token.Mint) error { return ledger.CreateMint(m) }
	seeded, err := genesis.Seed(ctx, ledger, createMint, scenarioGenesis(cfg.tvlFee), simStart)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fund := seeded[0].Fund
	logger.Printf("Seeded fund %s", fund)

	provider, err := fees.NewStaticProvider(domain.FeeConfig{
		Numerator:   cfg.daoNumerator,
		Denominator: 10,
		Recipient:   address.KeyFromLabel("sim/dao"),
	})
	if err != nil {
		return err
	}

	clk := clock.NewManual(simStart)
	proc, err := program.New(program.Options{
		Ledger:        ledger,
		Clock:         clk,
		Config:        provider,
		Fills:         fills,
		Accruals:      accruals,
		Distributions: records,
		Metrics:       observability.NewMetrics("simulate", prometheus.NewRegistry()),
		Logger:        log.New(logger.Writer(), "[program] ", log.LstdFlags),
		Verbose:       cfg.verbose,
	})
	if err != nil {
		return err
	}

	limits, err := scenarioLimits(usdc, wsol)
	if err != nil {
		return err
	}
	epoch, err := proc.StartRebalance(ctx, program.StartRebalanceRequest{Fund: fund, Limits: limits, TTL: 3_600})
	if err != nil {
		return fmt.Errorf("start rebalance: %w", err)
	}
	logger.Printf("Rebalance nonce %d open until %d", epoch.Nonce, epoch.AvailableUntil)

	req := program.OpenAuctionRequest{
		Fund:      fund,
		AuctionID: 1,
		SellMint:  usdc,
		BuyMint:   wsol,
		Curve:     domain.CurveLinear,
		Start:     simStart,
		Duration:  cfg.duration,
	}
	if err := setPrice(&req.StartPrice, cfg.startPrice); err != nil {
		return fmt.Errorf("start price: %w", err)
	}
	if err := setPrice(&req.EndPrice, cfg.endPrice); err != nil {
		return fmt.Errorf("end price: %w", err)
	}
	if _, err := proc.OpenAuction(ctx, req); err != nil {
		return fmt.Errorf("open auction: %w", err)
	}

	// Two bidders: one early partial fill, one that takes the rest.
	for _, b := range []struct {
		at     int64
		bidder string
		sell   uint64
	}{
		{at: cfg.duration / 10, bidder: "sim/bidder-1", sell: 300_000_000},
		{at: cfg.duration / 2, bidder: "sim/bidder-2", sell: 1_000_000_000},
	} {
		clk.Set(simStart + b.at)
		res, err := proc.Bid(ctx, program.BidRequest{
			Fund:         fund,
			AuctionID:    1,
			Bidder:       address.KeyFromLabel(b.bidder),
			SellAmount:   b.sell,
			MaxBuyAmount: 100_000_000_000,
		})
		if err != nil {
			logger.Printf("Bid by %s rejected: %v", b.bidder, err)
			continue
		}
		logger.Printf("%s bought %s USDC for %s wSOL at %s (closed early: %t)",
			b.bidder,
			fixed.ToDecimal(fixed.New(res.Bid.SellAmount), 6).String(),
			fixed.ToDecimal(fixed.New(res.Bid.BuyAmount), 9).String(),
			fixed.ToDecimal(&res.Bid.Price, 18).Round(6).String(),
			res.ClosedEarly)
	}

	clk.Set(simStart + cfg.feeInterval)
	next, err := proc.DistributionIndex(ctx, fund)
	if err != nil {
		return err
	}
	dist, err := proc.DistributeFees(ctx, program.DistributeRequest{Fund: fund, Index: next + 1})
	if err != nil {
		return fmt.Errorf("distribute fees: %w", err)
	}
	logger.Printf("Distribution %d minted %s index tokens to the DAO", next+1,
		fixed.ToDecimal(fixed.New(dist.DAOMinted), 9).String())
	if dist.Distribution != nil {
		if _, err := proc.ClaimFees(ctx, program.ClaimRequest{Fund: fund, Index: next + 1}); err != nil {
			return fmt.Errorf("claim fees: %w", err)
		}
	}

	// Balances
	fmt.Fprintln(out, "## Balances")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "| Account | USDC | wSOL | Index |")
	fmt.Fprintln(out, "|---------|------|------|-------|")
	parties := []party{
		{name: "fund", owner: fund},
		{name: "bidder-1", owner: address.KeyFromLabel("sim/bidder-1")},
		{name: "bidder-2", owner: address.KeyFromLabel("sim/bidder-2")},
		{name: "dao", owner: address.KeyFromLabel("sim/dao")},
		{name: "alice", owner: address.KeyFromLabel("sim/alice")},
		{name: "bob", owner: address.KeyFromLabel("sim/bob")},
	}
	err = ledger.WithTx(ctx, func(tx storage.Tx) error {
		tokens := tx.Tokens()
		for _, p := range parties {
			row := make([]string, 0, 3)
			for _, m := range []struct {
				mint     string
				decimals int32
			}{{usdc, 6}, {wsol, 9}, {index, 9}} {
				bal, err := tokens.Balance(ctx, m.mint, p.owner)
				if err != nil {
					return err
				}
				row = append(row, fixed.ToDecimal(fixed.New(bal), m.decimals).String())
			}
			fmt.Fprintf(out, "| %s | %s | %s | %s |\n", p.name, row[0], row[1], row[2])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read balances: %w", err)
	}
	fmt.Fprintln(out)

	now, _ := clk.Now(ctx)
	report, err := reporting.NewGenerator(fills, accruals, records).
		WithClock(func() time.Time { return time.Unix(now, 0).UTC() }).
		Generate(ctx, fund, simStart, now)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	fmt.Fprint(out, reporting.RenderMarkdown(report))
	if cfg.csv {
		fmt.Fprint(out, reporting.RenderCSV(report.Fills))
	}
	return nil
}

// scenarioLimits lets the fund sell USDC down to 0.0002 per index unit and buy
// wSOL up to 0.006 per index unit.
func scenarioLimits(usdc, wsol string) ([]domain.TokenLimits, error) {
	limits := []struct {
		mint      string
		sell, buy string
	}{
		{usdc, "0.0002", "0.001"},
		{wsol, "0", "0.006"},
	}
	out := make([]domain.TokenLimits, 0, len(limits))
	for _, l := range limits {
		sell, err := fixed.FromDecimal(l.sell, 18)
		if err != nil {
			return nil, err
		}
		buy, err := fixed.FromDecimal(l.buy, 18)
		if err != nil {
			return nil, err
		}
		tl := domain.TokenLimits{Mint: l.mint}
		tl.SellLimit.Set(sell)
		tl.BuyLimit.Set(buy)
		out = append(out, tl)
	}
	return out, nil
}

func setPrice(dst *uint256.Int, s string) error {
	v, err := fixed.FromDecimal(s, 18)
	if err != nil {
		return err
	}
	dst.Set(v)
	return nil
}
