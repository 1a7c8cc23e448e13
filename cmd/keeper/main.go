// Package main runs the fee keeper: it pokes fee accrual on a set of funds and
// cranks their fee distributions on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"index-fund-engine/internal/clock"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/genesis"
	"index-fund-engine/internal/keeper"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/program"
	"index-fund-engine/internal/solana"
	"index-fund-engine/internal/storage"
	chstore "index-fund-engine/internal/storage/clickhouse"
	"index-fund-engine/internal/storage/memory"
	pgstore "index-fund-engine/internal/storage/postgres"
	"index-fund-engine/internal/token"
)

func main() {
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint for block time")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("SOLANA_WS_ENDPOINT"), "Solana WebSocket endpoint for slot updates (requires --rpc-endpoint)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (empty: no accrual log)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	genesisPath := flag.String("genesis", os.Getenv("GENESIS_FILE"), "Genesis JSON to seed the ledger with (in-memory storage only)")
	fundList := flag.String("funds", os.Getenv("KEEPER_FUNDS"), "Comma-separated fund addresses (empty: every genesis fund)")
	cranker := flag.String("cranker", os.Getenv("KEEPER_CRANKER"), "Cranker address recorded on distributions (or label:name)")
	pokeInterval := flag.Duration("poke-interval", time.Minute, "Fee accrual interval")
	distributeInterval := flag.Duration("distribute-interval", time.Hour, "Fee distribution interval")
	autoClaim := flag.Bool("auto-claim", false, "Claim every distribution for its recipients right away")
	feeNumerator := flag.Uint64("fee-numerator", 1, "DAO share of fees, numerator")
	feeDenominator := flag.Uint64("fee-denominator", 10, "DAO share of fees, denominator")
	feeFloor := flag.String("fee-floor", "0", "Minimum DAO fee per second as a fraction of supply")
	daoRecipient := flag.String("dao-recipient", os.Getenv("DAO_FEE_RECIPIENT"), "DAO fee recipient address (or label:name)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address (empty to disable)")

	flag.Parse()

	logger := log.New(os.Stdout, "[keeper] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}
	if *wsEndpoint != "" && *rpcEndpoint == "" {
		logger.Fatal("--ws-endpoint requires --rpc-endpoint for block times")
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Printf("Starting metrics server on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	provider, err := feeProvider(*feeNumerator, *feeDenominator, *feeFloor, *daoRecipient)
	if err != nil {
		logger.Fatalf("Invalid fee config: %v", err)
	}
	crankerAddr := ""
	if *cranker != "" {
		if crankerAddr, err = genesis.ResolveKey(*cranker); err != nil {
			logger.Fatalf("Invalid cranker: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, logger, runConfig{
		rpcEndpoint:   *rpcEndpoint,
		wsEndpoint:    *wsEndpoint,
		postgresDSN:   *postgresDSN,
		clickhouseDSN: *clickhouseDSN,
		useMemory:     *useMemory,
		genesisPath:   *genesisPath,
		funds:         splitList(*fundList),
		provider:      provider,
		keeper: keeper.Options{
			Cranker:            crankerAddr,
			PokeInterval:       *pokeInterval,
			DistributeInterval: *distributeInterval,
			AutoClaim:          *autoClaim,
		},
	})

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Error: %v", err)
	}
	logger.Println("Shutdown complete")
}

type runConfig struct {
	rpcEndpoint   string
	wsEndpoint    string
	postgresDSN   string
	clickhouseDSN string
	useMemory     bool
	genesisPath   string
	funds         []string
	provider      fees.ConfigProvider
	keeper        keeper.Options
}

func run(ctx context.Context, logger *log.Logger, cfg runConfig) error {
	var (
		ledger        storage.Ledger
		accruals      storage.FeeAccrualStore
		distributions storage.DistributionRecordStore
	)

	if cfg.useMemory {
		mem := memory.NewLedger()
		ledger = mem
		accruals = memory.NewFeeAccrualStore()
		distributions = memory.NewDistributionRecordStore()

		if cfg.genesisPath != "" {
			g, err := genesis.Load(cfg.genesisPath)
			if err != nil {
				return err
			}
			createMint := func(_ context.Context, m token.Mint) error { return mem.CreateMint(m) }
			seeded, err := genesis.Seed(ctx, mem, createMint, g, time.Now().Unix())
			if err != nil {
				return fmt.Errorf("seed genesis: %w", err)
			}
			if len(cfg.funds) == 0 {
				for _, f := range seeded {
					cfg.funds = append(cfg.funds, f.Fund)
				}
			}
		}
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.postgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		ledger = pgstore.NewLedger(pool)
		distributions = pgstore.NewDistributionRecordStore(pool)

		if cfg.clickhouseDSN != "" {
			conn, err := chstore.NewConn(ctx, cfg.clickhouseDSN)
			if err != nil {
				return fmt.Errorf("connect to clickhouse: %w", err)
			}
			defer conn.Close()
			accruals = chstore.NewFeeAccrualStore(conn)
		}
	}

	if len(cfg.funds) == 0 {
		return fmt.Errorf("no funds to crank: use --funds or --genesis")
	}

	// Clock: slot subscription > block time polling > local time.
	var clk clock.Clock = clock.System{}
	switch {
	case cfg.wsEndpoint != "":
		rpc := solana.NewHTTPClient(cfg.rpcEndpoint, solana.WithMetrics(observability.DefaultMetrics))
		ws, err := solana.NewWSClient(ctx, cfg.wsEndpoint, nil)
		if err != nil {
			return fmt.Errorf("create websocket client: %w", err)
		}
		defer ws.Close()
		slots, err := ws.SubscribeSlots(ctx)
		if err != nil {
			return fmt.Errorf("subscribe slots: %w", err)
		}
		slotClock := solana.NewSlotClock(rpc, logger)
		cfg.keeper.Slots = slots
		cfg.keeper.SlotClock = slotClock
		clk = slotClock
		logger.Printf("Following slots from %s", cfg.wsEndpoint)
	case cfg.rpcEndpoint != "":
		clk = solana.NewBlockClock(solana.NewHTTPClient(cfg.rpcEndpoint, solana.WithMetrics(observability.DefaultMetrics)))
		logger.Printf("Using block time from %s", cfg.rpcEndpoint)
	}

	proc, err := program.New(program.Options{
		Ledger:        ledger,
		Clock:         clk,
		Config:        cfg.provider,
		Accruals:      accruals,
		Distributions: distributions,
		Metrics:       observability.DefaultMetrics,
		Logger:        log.New(os.Stdout, "[program] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	opts := cfg.keeper
	opts.Processor = proc
	opts.Funds = cfg.funds
	opts.Metrics = observability.DefaultMetrics
	opts.Logger = logger
	return keeper.New(opts).Run(ctx)
}

func feeProvider(numerator, denominator uint64, floor, recipient string) (*fees.StaticProvider, error) {
	addr, err := genesis.ResolveKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("dao recipient: %w", err)
	}
	f, err := fixed.FromDecimal(floor, 18)
	if err != nil {
		return nil, fmt.Errorf("fee floor: %w", err)
	}
	cfg := domain.FeeConfig{Numerator: numerator, Denominator: denominator, Recipient: addr}
	cfg.Floor.Set(f)
	return fees.NewStaticProvider(cfg)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
