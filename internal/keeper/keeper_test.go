package keeper

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/clock"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/genesis"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/program"
	"index-fund-engine/internal/solana"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/storage/memory"
	"index-fund-engine/internal/token"
)

const (
	t0    = int64(1_704_067_200)
	month = int64(30 * 86_400)
)

type fixture struct {
	proc    *program.Processor
	ledger  *memory.Ledger
	clock   *clock.Manual
	metrics *observability.Metrics
	shared  string // has fee recipients
	solo    string // every fee goes to the DAO
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger := memory.NewLedger()
	g := &genesis.Genesis{
		Mints: []genesis.Mint{
			{Address: "label:keeper/usdc", Authority: "label:keeper/issuer", Decimals: 6},
		},
		Funds: []genesis.Fund{
			{
				IndexMint: "label:keeper/shared",
				Decimals:  9,
				TVLFee:    "0.000000003",
				Basket:    []genesis.BasketEntry{{Mint: "label:keeper/usdc", Amount: 1_000}},
				FeeRecipients: []genesis.FeeRecipient{
					{Recipient: "label:keeper/alice", PortionBps: 6_000},
					{Recipient: "label:keeper/bob", PortionBps: 4_000},
				},
			},
			{
				IndexMint: "label:keeper/solo",
				Decimals:  9,
				TVLFee:    "0.000000003",
				Basket:    []genesis.BasketEntry{{Mint: "label:keeper/usdc", Amount: 1_000}},
			},
		},
		Balances: []genesis.Balance{
			{Mint: "label:keeper/shared", Owner: "label:keeper/holder", Amount: 1_000_000},
			{Mint: "label:keeper/solo", Owner: "label:keeper/holder", Amount: 1_000_000},
		},
	}
	createMint := func(_ context.Context, m token.Mint) error { return ledger.CreateMint(m) }
	funds, err := genesis.Seed(ctx, ledger, createMint, g, t0)
	require.NoError(t, err)
	require.Len(t, funds, 2)

	provider, err := fees.NewStaticProvider(domain.FeeConfig{
		Numerator:   1,
		Denominator: 1000,
		Recipient:   address.KeyFromLabel("keeper/dao"),
	})
	require.NoError(t, err)

	fx := &fixture{
		ledger:  ledger,
		clock:   clock.NewManual(t0),
		metrics: observability.NewMetrics("keeper_test", prometheus.NewRegistry()),
		shared:  funds[0].Fund,
		solo:    funds[1].Fund,
	}
	fx.proc, err = program.New(program.Options{
		Ledger:  ledger,
		Clock:   fx.clock,
		Config:  provider,
		Metrics: fx.metrics,
		Logger:  log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return fx
}

func (fx *fixture) keeper(opts Options) *Keeper {
	opts.Processor = fx.proc
	opts.Metrics = fx.metrics
	opts.Logger = log.New(io.Discard, "[keeper] ", 0)
	return New(opts)
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

func TestKeeper_PokeAll(t *testing.T) {
	fx := newFixture(t)
	k := fx.keeper(Options{Funds: []string{fx.shared, fx.solo, address.KeyFromLabel("keeper/missing")}})

	fx.clock.Advance(60)
	res := k.PokeAll(context.Background())
	assert.Equal(t, 2, res.Poked)
	assert.Equal(t, 1, res.Failed)

	// Same timestamp: nothing left to accrue, still succeeds.
	res = k.PokeAll(context.Background())
	assert.Equal(t, 2, res.Poked)

	assert.Equal(t, float64(4), testutil.ToFloat64(fx.metrics.OperationsTotal.WithLabelValues(program.OpPoke, "ok")))
}

func TestKeeper_DistributeAll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	k := fx.keeper(Options{Funds: []string{fx.shared, fx.solo}, Cranker: address.KeyFromLabel("keeper/cranker")})

	fx.clock.Advance(month)
	res := k.DistributeAll(ctx)
	assert.Equal(t, Result{Distributed: 2}, res)

	for _, fund := range []string{fx.shared, fx.solo} {
		index, err := fx.proc.DistributionIndex(ctx, fund)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), index, fund)
	}

	// Without auto-claim the distribution waits for its recipients.
	assert.Zero(t, fx.balance(t, address.KeyFromLabel("keeper/shared"), address.KeyFromLabel("keeper/alice")))
	assert.Greater(t, fx.balance(t, address.KeyFromLabel("keeper/solo"), address.KeyFromLabel("keeper/dao")), uint64(0))

	fx.clock.Advance(month)
	res = k.DistributeAll(ctx)
	assert.Equal(t, 2, res.Distributed)
	index, err := fx.proc.DistributionIndex(ctx, fx.shared)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index)
}

func TestKeeper_AutoClaim(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	k := fx.keeper(Options{Funds: []string{fx.shared, fx.solo}, AutoClaim: true})

	fx.clock.Advance(month)
	res := k.DistributeAll(ctx)
	assert.Equal(t, Result{Distributed: 2, Claimed: 1}, res)

	mint := address.KeyFromLabel("keeper/shared")
	alice := fx.balance(t, mint, address.KeyFromLabel("keeper/alice"))
	bob := fx.balance(t, mint, address.KeyFromLabel("keeper/bob"))
	assert.Greater(t, bob, uint64(0))
	assert.Greater(t, alice, bob)

	_, err := fx.proc.ClaimFees(ctx, program.ClaimRequest{Fund: fx.shared, Index: 1})
	assert.True(t, errors.Is(err, domain.ErrDistributionClaimed), "got %v", err)
}

func TestKeeper_RunFollowsSlots(t *testing.T) {
	fx := newFixture(t)
	slots := make(chan solana.SlotNotification, 2)
	slotClock := solana.NewSlotClock(nil, nil)
	k := fx.keeper(Options{
		Funds:              []string{fx.shared},
		PokeInterval:       10 * time.Millisecond,
		DistributeInterval: time.Hour,
		Slots:              slots,
		SlotClock:          slotClock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	slots <- solana.SlotNotification{Slot: 41}
	slots <- solana.SlotNotification{Slot: 42}
	close(slots)

	assert.Eventually(t, func() bool { return slotClock.Slot() == 42 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(fx.metrics.LastSuccessfulCrank) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(fx.metrics.HighestSlotSeen) == 42
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
