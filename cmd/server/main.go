// Package main serves the index fund engine over HTTP:
// - JSON API: bids, fee distribution and claims, rebalance and auction management
// - /metrics (Prometheus), /health, /status
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"index-fund-engine/internal/clock"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fees"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/genesis"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/program"
	"index-fund-engine/internal/rebalance"
	"index-fund-engine/internal/solana"
	"index-fund-engine/internal/storage"
	chstore "index-fund-engine/internal/storage/clickhouse"
	"index-fund-engine/internal/storage/memory"
	"index-fund-engine/internal/storage/migrations"
	pgstore "index-fund-engine/internal/storage/postgres"
	"index-fund-engine/internal/token"
	"index-fund-engine/internal/verification"
)

// backend holds the ledger and analytics stores.
type backend struct {
	ledger        storage.Ledger
	createMint    genesis.MintCreator
	fills         storage.BidFillStore
	accruals      storage.FeeAccrualStore
	distributions storage.DistributionRecordStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	addr := flag.String("addr", envOr("SERVER_ADDR", ":8080"), "HTTP listen address")
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint for block time (empty: local clock)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (empty: no bid/accrual log)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	migrate := flag.Bool("migrate", true, "Apply embedded schema migrations on startup")
	genesisPath := flag.String("genesis", os.Getenv("GENESIS_FILE"), "Genesis JSON to seed the ledger with on startup")
	feeNumerator := flag.Uint64("fee-numerator", envUint("FEE_NUMERATOR", 1), "DAO share of fees, numerator")
	feeDenominator := flag.Uint64("fee-denominator", envUint("FEE_DENOMINATOR", 10), "DAO share of fees, denominator")
	feeFloor := flag.String("fee-floor", envOr("FEE_FLOOR", "0"), "Minimum DAO fee per second as a fraction of supply")
	daoRecipient := flag.String("dao-recipient", os.Getenv("DAO_FEE_RECIPIENT"), "DAO fee recipient address (or label:name)")
	callbacks := flag.Bool("enable-callbacks", false, "Settle callback bids through the liquidity router")
	verbose := flag.Bool("verbose", false, "Log every operation")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	provider, err := newFeeProvider(*feeNumerator, *feeDenominator, *feeFloor, *daoRecipient)
	if err != nil {
		logger.Fatalf("Invalid fee config: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, cleanup, err := createBackend(ctx, *postgresDSN, *clickhouseDSN, *useMemory, *migrate)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	var clk clock.Clock = clock.System{}
	if *rpcEndpoint != "" {
		clk = solana.NewBlockClock(solana.NewHTTPClient(*rpcEndpoint, solana.WithMetrics(observability.DefaultMetrics)))
		logger.Printf("Using block time from %s", *rpcEndpoint)
	}

	if *genesisPath != "" {
		g, err := genesis.Load(*genesisPath)
		if err != nil {
			logger.Fatalf("Failed to load genesis: %v", err)
		}
		now, err := clk.Now(ctx)
		if err != nil {
			logger.Fatalf("Failed to read clock: %v", err)
		}
		funds, err := genesis.Seed(ctx, be.ledger, be.createMint, g, now)
		if err != nil {
			logger.Fatalf("Failed to seed genesis: %v", err)
		}
		for _, f := range funds {
			logger.Printf("Seeded fund %s (index mint %s)", f.Fund, f.IndexMint)
		}
	}

	var router rebalance.Router
	if *callbacks {
		router = rebalance.LiquidityRouter{}
	}

	proc, err := program.New(program.Options{
		Ledger:        be.ledger,
		Clock:         clk,
		Config:        provider,
		Router:        router,
		Fills:         be.fills,
		Accruals:      be.accruals,
		Distributions: be.distributions,
		Metrics:       observability.DefaultMetrics,
		Logger:        log.New(os.Stdout, "[program] ", log.LstdFlags),
		Verbose:       *verbose,
	})
	if err != nil {
		logger.Fatalf("Failed to create processor: %v", err)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           NewAPI(proc, logger).WithVerifier(verification.NewLedgerVerifier(be.ledger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Graceful shutdown failed: %v", err)
		}
		cancel()
	}()

	go countUptime(ctx, observability.DefaultMetrics)

	logger.Printf("Starting HTTP server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("HTTP server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// createBackend opens the configured stores.
func createBackend(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory, migrate bool) (*backend, func(), error) {
	if useMemory {
		ledger := memory.NewLedger()
		be := &backend{
			ledger:        ledger,
			createMint:    func(_ context.Context, m token.Mint) error { return ledger.CreateMint(m) },
			fills:         memory.NewBidFillStore(),
			accruals:      memory.NewFeeAccrualStore(),
			distributions: memory.NewDistributionRecordStore(),
		}
		return be, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	ledger := pgstore.NewLedger(pool)
	be := &backend{
		ledger:        ledger,
		createMint:    ledger.CreateMint,
		distributions: pgstore.NewDistributionRecordStore(pool),
	}
	if clickhouseDSN == "" {
		return be, pool.Close, nil
	}

	// ClickHouse
	var chConn *chstore.Conn
	if migrate {
		chConn, err = migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	} else {
		chConn, err = chstore.NewConn(ctx, clickhouseDSN)
	}
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	be.fills = chstore.NewBidFillStore(chConn)
	be.accruals = chstore.NewFeeAccrualStore(chConn)

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return be, cleanup, nil
}

// newFeeProvider builds the global fee config. floor is a per-second rate.
func newFeeProvider(numerator, denominator uint64, floor, recipient string) (*fees.StaticProvider, error) {
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

// countUptime advances the uptime counter once a second.
func countUptime(ctx context.Context, m *observability.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UptimeSeconds.Inc()
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	v, err := strconv.ParseUint(os.Getenv(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
