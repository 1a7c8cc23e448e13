// Package program exposes the engine's operations. Each call reads the clock
// once, runs atomically against the ledger and, after commit, appends what it
// did to the analytics stores.
package program

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/holiman/uint256"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/clock"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/rebalance"
	"index-fund-engine/internal/storage"
)

// Operation names used in logs and metrics.
const (
	OpBid            = "bid"
	OpDistributeFees = "distribute_fees"
	OpClaimFees      = "claim_fees"
	OpStartRebalance = "start_rebalance"
	OpOpenAuction    = "open_auction"
	OpCloseAuction   = "close_auction"
	OpPoke           = "poke"
)

// Options configures a Processor.
type Options struct {
	Ledger storage.Ledger
	Clock  clock.Clock
	Config fees.ConfigProvider
	Router rebalance.Router // nil disables callback bids

	// Analytics stores, each optional.
	Fills         storage.BidFillStore
	Accruals      storage.FeeAccrualStore
	Distributions storage.DistributionRecordStore

	Metrics *observability.Metrics // defaults to observability.DefaultMetrics
	Logger  *log.Logger            // defaults to stdout with a [program] prefix
	Verbose bool
}

// Processor runs engine operations.
type Processor struct {
	ledger  storage.Ledger
	clock   clock.Clock
	config  fees.ConfigProvider
	bidder  *rebalance.Bidder
	dist    *fees.Distributor
	fills   storage.BidFillStore
	accrued storage.FeeAccrualStore
	records storage.DistributionRecordStore
	metrics *observability.Metrics
	logger  *log.Logger
	verbose bool
}

// New creates a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("fee config provider is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[program] ", log.LstdFlags)
	}
	return &Processor{
		ledger:  opts.Ledger,
		clock:   opts.Clock,
		config:  opts.Config,
		bidder:  rebalance.NewBidder(opts.Config, opts.Router),
		dist:    fees.NewDistributor(opts.Config),
		fills:   opts.Fills,
		accrued: opts.Accruals,
		records: opts.Distributions,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		verbose: opts.Verbose,
	}, nil
}

// BidRequest is a bid as submitted by a bidder.
type BidRequest struct {
	Fund             string
	AuctionID        uint64
	Bidder           string
	SellAmount       uint64
	MaxBuyAmount     uint64
	UseCallback      bool
	CallbackData     []byte
	CallbackAccounts []string
}

// DistributeRequest identifies the next fee distribution of a fund.
type DistributeRequest struct {
	Fund    string
	Index   uint64
	Cranker string
}

// ClaimRequest pays out a distribution. Empty Recipients claims every open entry.
type ClaimRequest struct {
	Fund       string
	Index      uint64
	Recipients []string
}

// StartRebalanceRequest begins a new rebalance epoch.
type StartRebalanceRequest struct {
	Fund   string
	Limits []domain.TokenLimits
	TTL    int64
}

// OpenAuctionRequest opens an auction in the current epoch.
type OpenAuctionRequest struct {
	Fund       string
	AuctionID  uint64
	SellMint   string
	BuyMint    string
	StartPrice uint256.Int
	EndPrice   uint256.Int
	Curve      domain.CurveKind
	Start      int64
	Duration   int64
}

// CloseAuctionRequest ends an auction.
type CloseAuctionRequest struct {
	Fund      string
	AuctionID uint64
}

// PokeRequest accrues fees on a fund without any other effect.
type PokeRequest struct {
	Fund string
}

// Bid executes a bid. On any failure nothing changes.
func (p *Processor) Bid(ctx context.Context, req BidRequest) (*rebalance.BidResult, error) {
	var (
		res  *rebalance.BidResult
		fund *domain.Fund
	)
	now, err := p.run(ctx, OpBid, func(ctx context.Context, tx storage.Tx, now int64) error {
		var err error
		res, err = p.bidder.Bid(ctx, tx, rebalance.BidParams{
			Fund:             req.Fund,
			AuctionID:        req.AuctionID,
			Bidder:           req.Bidder,
			SellAmount:       req.SellAmount,
			MaxBuyAmount:     req.MaxBuyAmount,
			UseCallback:      req.UseCallback,
			CallbackData:     req.CallbackData,
			CallbackAccounts: req.CallbackAccounts,
			Now:              now,
		})
		if err != nil {
			return err
		}
		fund, err = tx.Fund(ctx, req.Fund)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.metrics.RecordBid(res.ClosedEarly, req.UseCallback)
	p.metrics.SetPendingFees(fund)
	p.log("bid auction=%d fund=%s sell=%d buy=%d closed=%v",
		req.AuctionID, req.Fund, res.Bid.SellAmount, res.Bid.BuyAmount, res.ClosedEarly)

	p.recordAccrual(ctx, res.Accrual, fund, now)
	if p.fills != nil {
		fill := res.Fill(req.Bidder, req.UseCallback, now)
		if err := p.fills.InsertBulk(ctx, []*domain.BidFill{fill}); err != nil {
			p.logger.Printf("record bid fill of auction %d: %v", req.AuctionID, err)
		}
	}
	return res, nil
}

// DistributeFees mints the DAO's accrued share and records the fee
// recipients' share as distribution req.Index.
func (p *Processor) DistributeFees(ctx context.Context, req DistributeRequest) (*fees.DistributeResult, error) {
	var res *fees.DistributeResult
	now, err := p.run(ctx, OpDistributeFees, func(ctx context.Context, tx storage.Tx, now int64) error {
		var err error
		res, err = p.dist.Distribute(ctx, tx, fees.DistributeParams{
			Fund:    req.Fund,
			Index:   req.Index,
			Cranker: req.Cranker,
			Now:     now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	p.metrics.DistributionsTotal.Inc()
	p.metrics.RecordMinted("dao", res.DAOMinted)
	p.metrics.SetPendingFees(res.Fund)
	p.log("distribution %d fund=%s dao_minted=%d recipients=%s dust=%s",
		req.Index, req.Fund, res.DAOMinted, res.RecipientsAmount.Dec(), res.Dust.Dec())

	p.recordAccrual(ctx, res.Accrual, res.Fund, now)
	if p.records != nil {
		if err := p.records.Insert(ctx, res.Record(req.Index, now)); err != nil {
			p.logger.Printf("record distribution %d of %s: %v", req.Index, req.Fund, err)
		}
	}
	return res, nil
}

// ClaimFees mints fee recipients their share of a distribution.
func (p *Processor) ClaimFees(ctx context.Context, req ClaimRequest) (*fees.ClaimResult, error) {
	var res *fees.ClaimResult
	_, err := p.run(ctx, OpClaimFees, func(ctx context.Context, tx storage.Tx, _ int64) error {
		var err error
		res, err = p.dist.Claim(ctx, tx, fees.ClaimParams{
			Fund:       req.Fund,
			Index:      req.Index,
			Recipients: req.Recipients,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, payout := range res.Payouts {
		p.metrics.RecordMinted("recipients", payout.Amount)
	}
	p.log("claim distribution %d fund=%s payouts=%d closed=%v", req.Index, req.Fund, len(res.Payouts), res.Closed)
	return res, nil
}

// StartRebalance begins a new epoch, invalidating every earlier auction.
func (p *Processor) StartRebalance(ctx context.Context, req StartRebalanceRequest) (*domain.RebalanceEpoch, error) {
	var epoch *domain.RebalanceEpoch
	_, err := p.run(ctx, OpStartRebalance, func(ctx context.Context, tx storage.Tx, now int64) error {
		var err error
		epoch, err = rebalance.StartRebalance(ctx, tx, rebalance.StartParams{
			Fund:   req.Fund,
			Limits: req.Limits,
			Now:    now,
			TTL:    req.TTL,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RebalancesStarted.Inc()
	p.log("rebalance %d started fund=%s until=%d", epoch.Nonce, req.Fund, epoch.AvailableUntil)
	return epoch, nil
}

// OpenAuction opens an auction in the current epoch.
func (p *Processor) OpenAuction(ctx context.Context, req OpenAuctionRequest) (*domain.Auction, error) {
	var a *domain.Auction
	_, err := p.run(ctx, OpOpenAuction, func(ctx context.Context, tx storage.Tx, now int64) error {
		params := rebalance.OpenParams{
			Fund:     req.Fund,
			ID:       req.AuctionID,
			SellMint: req.SellMint,
			BuyMint:  req.BuyMint,
			Curve:    req.Curve,
			Start:    req.Start,
			Duration: req.Duration,
			Now:      now,
		}
		params.StartPrice.Set(&req.StartPrice)
		params.EndPrice.Set(&req.EndPrice)
		var err error
		a, err = rebalance.OpenAuction(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.metrics.AuctionsOpened.Inc()
	p.log("auction %d opened fund=%s %s->%s [%d, %d]", a.ID, a.Fund, a.SellMint, a.BuyMint, a.StartTime, a.EndTime)
	return a, nil
}

// CloseAuction ends an auction immediately.
func (p *Processor) CloseAuction(ctx context.Context, req CloseAuctionRequest) (*domain.Auction, error) {
	var a *domain.Auction
	_, err := p.run(ctx, OpCloseAuction, func(ctx context.Context, tx storage.Tx, now int64) error {
		var err error
		a, err = rebalance.CloseAuction(ctx, tx, req.Fund, req.AuctionID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.metrics.AuctionsClosed.Inc()
	p.log("auction %d closed fund=%s", a.ID, a.Fund)
	return a, nil
}

// Poke accrues fees on a fund up to now.
func (p *Processor) Poke(ctx context.Context, req PokeRequest) (fees.Accrual, error) {
	var (
		acc  fees.Accrual
		fund *domain.Fund
	)
	now, err := p.run(ctx, OpPoke, func(ctx context.Context, tx storage.Tx, now int64) error {
		f, err := fees.LoadFund(ctx, tx, req.Fund)
		if err != nil {
			return err
		}
		cfg, err := p.config.Resolve(ctx, f.Address)
		if err != nil {
			return fmt.Errorf("resolve fee config: %w", err)
		}
		if acc, err = fees.Poke(ctx, tx, f, now, cfg); err != nil {
			return err
		}
		fund = f
		return tx.PutFund(ctx, f)
	})
	if err != nil {
		return fees.Accrual{}, err
	}
	p.metrics.SetPendingFees(fund)
	p.recordAccrual(ctx, acc, fund, now)
	return acc, nil
}

// DistributionIndex returns the index of the fund's last distribution; the
// next DistributeFees call must use one more.
func (p *Processor) DistributionIndex(ctx context.Context, fund string) (uint64, error) {
	addr, err := address.FeeRecipients(fund)
	if err != nil {
		return 0, fmt.Errorf("derive fee recipients address: %w", err)
	}
	var index uint64
	err = p.ledger.WithTx(ctx, func(tx storage.Tx) error {
		r, err := tx.FeeRecipients(ctx, addr)
		if err != nil {
			return err
		}
		index = r.DistributionIndex
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fee recipients of %s: %w", fund, err)
	}
	return index, nil
}

// run executes fn in one transaction at the current clock time and records
// the outcome. fn may be invoked more than once if the ledger retries.
func (p *Processor) run(ctx context.Context, op string, fn func(ctx context.Context, tx storage.Tx, now int64) error) (int64, error) {
	start := time.Now()
	now, err := p.clock.Now(ctx)
	if err != nil {
		err = fmt.Errorf("read clock: %w", err)
	} else {
		err = p.ledger.WithTx(ctx, func(tx storage.Tx) error {
			return fn(ctx, tx, now)
		})
	}
	p.metrics.RecordOperation(op, time.Since(start).Seconds(), err)
	if err != nil {
		p.log("%s failed: %v", op, err)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return now, nil
}

// recordAccrual appends a non-empty accrual step to the accrual series.
func (p *Processor) recordAccrual(ctx context.Context, acc fees.Accrual, f *domain.Fund, now int64) {
	if p.accrued == nil || acc.Elapsed == 0 || f == nil {
		return
	}
	if err := p.accrued.InsertBulk(ctx, []*domain.FeeAccrualPoint{acc.Point(f, now)}); err != nil {
		p.logger.Printf("record fee accrual of %s at %d: %v", f.Address, now, err)
	}
}

func (p *Processor) log(format string, args ...interface{}) {
	if p.verbose {
		p.logger.Printf(format, args...)
	}
}
