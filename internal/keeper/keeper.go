// Package keeper cranks the engine's permissionless maintenance operations:
// fee accrual and fee distribution, optionally claiming on behalf of
// recipients.
package keeper

import (
	"context"
	"errors"
	"log"
	"time"

	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/program"
	"index-fund-engine/internal/solana"
)

// Keeper runs periodic cranks over a fixed set of funds.
type Keeper struct {
	proc               *program.Processor
	funds              []string
	cranker            string
	pokeInterval       time.Duration
	distributeInterval time.Duration
	autoClaim          bool
	slots              <-chan solana.SlotNotification
	slotClock          *solana.SlotClock
	metrics            *observability.Metrics
	logger             *log.Logger
}

// Options contains configuration for creating a Keeper.
type Options struct {
	Processor          *program.Processor
	Funds              []string
	Cranker            string        // recorded on every distribution
	PokeInterval       time.Duration // Default: 1m
	DistributeInterval time.Duration // Default: 1h
	AutoClaim          bool          // claim every distribution right after creating it

	// Slots, when set, feed SlotClock and the highest slot gauge.
	Slots     <-chan solana.SlotNotification
	SlotClock *solana.SlotClock

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// Result summarizes one crank.
type Result struct {
	Poked       int
	Distributed int
	Claimed     int
	Failed      int
}

// New creates a Keeper.
func New(opts Options) *Keeper {
	pokeInterval := opts.PokeInterval
	if pokeInterval == 0 {
		pokeInterval = time.Minute
	}
	distributeInterval := opts.DistributeInterval
	if distributeInterval == 0 {
		distributeInterval = time.Hour
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Keeper{
		proc:               opts.Processor,
		funds:              opts.Funds,
		cranker:            opts.Cranker,
		pokeInterval:       pokeInterval,
		distributeInterval: distributeInterval,
		autoClaim:          opts.AutoClaim,
		slots:              opts.Slots,
		slotClock:          opts.SlotClock,
		metrics:            metrics,
		logger:             logger,
	}
}

// Run cranks until ctx is cancelled. Failures of individual funds are logged
// and retried on the next tick.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Printf("Keeper started for %d funds, poke interval: %v, distribute interval: %v",
		len(k.funds), k.pokeInterval, k.distributeInterval)

	pokeTicker := time.NewTicker(k.pokeInterval)
	defer pokeTicker.Stop()
	distributeTicker := time.NewTicker(k.distributeInterval)
	defer distributeTicker.Stop()

	slots := k.slots
	for {
		select {
		case <-ctx.Done():
			k.logger.Println("Keeper stopping...")
			return ctx.Err()
		case n, ok := <-slots:
			if !ok {
				k.logger.Println("Slot subscription closed")
				slots = nil
				continue
			}
			k.observeSlot(n.Slot)
		case <-pokeTicker.C:
			k.report("poke", k.PokeAll(ctx))
		case <-distributeTicker.C:
			k.report("distribute", k.DistributeAll(ctx))
		}
	}
}

func (k *Keeper) observeSlot(slot int64) {
	if k.slotClock != nil {
		k.slotClock.Observe(slot)
	}
	k.metrics.UpdateHighestSlot(slot)
}

func (k *Keeper) report(kind string, res Result) {
	if res.Failed == 0 {
		k.metrics.LastSuccessfulCrank.SetToCurrentTime()
	}
	k.logger.Printf("%s crank: poked=%d distributed=%d claimed=%d failed=%d",
		kind, res.Poked, res.Distributed, res.Claimed, res.Failed)
}

// PokeAll accrues fees on every fund.
func (k *Keeper) PokeAll(ctx context.Context) Result {
	var res Result
	for _, fund := range k.funds {
		if ctx.Err() != nil {
			break
		}
		if _, err := k.proc.Poke(ctx, program.PokeRequest{Fund: fund}); err != nil {
			k.logger.Printf("poke %s: %v", fund, err)
			res.Failed++
			continue
		}
		res.Poked++
	}
	return res
}

// DistributeAll runs the next distribution of every fund.
func (k *Keeper) DistributeAll(ctx context.Context) Result {
	var res Result
	for _, fund := range k.funds {
		if ctx.Err() != nil {
			break
		}
		claimed, err := k.distribute(ctx, fund)
		if err != nil {
			k.logger.Printf("distribute %s: %v", fund, err)
			res.Failed++
			continue
		}
		res.Distributed++
		if claimed {
			res.Claimed++
		}
	}
	return res
}

func (k *Keeper) distribute(ctx context.Context, fund string) (bool, error) {
	index, err := k.proc.DistributionIndex(ctx, fund)
	if err != nil {
		return false, err
	}
	dist, err := k.proc.DistributeFees(ctx, program.DistributeRequest{
		Fund:    fund,
		Index:   index + 1,
		Cranker: k.cranker,
	})
	if err != nil {
		return false, err
	}
	if !k.autoClaim || dist.Distribution == nil {
		return false, nil
	}
	if _, err := k.proc.ClaimFees(ctx, program.ClaimRequest{Fund: fund, Index: index + 1}); err != nil {
		return false, errors.Join(errors.New("claim after distribution"), err)
	}
	return true, nil
}
