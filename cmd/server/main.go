// Package main runs the faucet HTTP service:
// - POST /v1/claims/evaluate: eligibility check and reservation
// - POST /v1/claims/execute: settlement of the pending reservation
// - GET /health, GET /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pi-faucet/internal/api"
	"pi-faucet/internal/faucet"
	"pi-faucet/internal/identity"
	"pi-faucet/internal/ledger/horizon"
	"pi-faucet/internal/observability"
	"pi-faucet/internal/policy"
	"pi-faucet/internal/storage"
	chstore "pi-faucet/internal/storage/clickhouse"
	"pi-faucet/internal/storage/memory"
	"pi-faucet/internal/storage/migrations"
	pgstore "pi-faucet/internal/storage/postgres"
)

const (
	defaultHorizonURL = "https://api.mainnet.minepi.com"
	defaultPassphrase = "Pi Network"
)

// stores holds the storage implementations the faucet runs on.
type stores struct {
	claims storage.ClaimStore
	events storage.ClaimEventStore
}

// config is the parsed command line.
type config struct {
	listenAddr    string
	horizonURL    string
	passphrase    string
	walletSeed    string
	piAPIURL      string
	postgresDSN   string
	clickhouseDSN string
	useMemory     bool
	policyFile    string
	amount        string
	abandonAfter  time.Duration
	submitTimeout time.Duration
	baseFee       int64
	memo          string
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	var cfg config
	flag.StringVar(&cfg.listenAddr, "listen-addr", envOr("LISTEN_ADDR", ":8080"), "HTTP listen address")
	flag.StringVar(&cfg.horizonURL, "horizon-url", envOr("HORIZON_URL", defaultHorizonURL), "Horizon server URL")
	flag.StringVar(&cfg.passphrase, "network-passphrase", envOr("NETWORK_PASSPHRASE", defaultPassphrase), "Network passphrase used to sign transactions")
	flag.StringVar(&cfg.walletSeed, "wallet-seed", os.Getenv("PI_WALLET_PRIVATE_SEED"), "Secret seed of the custodial faucet account")
	flag.StringVar(&cfg.piAPIURL, "pi-api-url", os.Getenv("PI_API_URL"), "Pi platform API base URL for bearer resolution (optional)")
	flag.StringVar(&cfg.postgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	flag.StringVar(&cfg.clickhouseDSN, "clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string for the claim event log (optional)")
	flag.BoolVar(&cfg.useMemory, "use-memory", false, "Use in-memory storage instead of PostgreSQL")
	flag.StringVar(&cfg.policyFile, "policy-file", os.Getenv("FAUCET_POLICY_FILE"), "YAML file with whitelist/blocklist entries (optional)")
	flag.StringVar(&cfg.amount, "amount", envOr("FAUCET_AMOUNT", faucet.DefaultAmount.String()), "Payout per claim")
	flag.DurationVar(&cfg.abandonAfter, "abandon-after", faucet.DefaultAbandonAfter, "Age after which an untouched in-flight claim is abandoned")
	flag.DurationVar(&cfg.submitTimeout, "submit-timeout", faucet.DefaultSubmitTimeout, "Upper bound on a single ledger submission")
	flag.Int64Var(&cfg.baseFee, "base-fee", horizon.DefaultBaseFee, "Transaction base fee in stroops")
	flag.StringVar(&cfg.memo, "memo", horizon.DefaultMemo, "Text memo attached to payouts")

	flag.Parse()

	// Setup logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	// run owns every resource; exit only after its deferred cleanup has run.
	err = run(cfg, logger)
	if err != nil {
		logger.Error("server exited", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// validate checks the required flags and returns the payout amount.
func (c config) validate() (decimal.Decimal, error) {
	if c.walletSeed == "" {
		return decimal.Decimal{}, errors.New("--wallet-seed is required")
	}
	if !c.useMemory && c.postgresDSN == "" {
		return decimal.Decimal{}, errors.New("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}
	payout, err := decimal.NewFromString(c.amount)
	if err != nil || !payout.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("--amount must be a positive decimal, got %q", c.amount)
	}
	return payout, nil
}

func run(cfg config, logger *zap.Logger) error {
	payout, err := cfg.validate()
	if err != nil {
		return err
	}

	exceptions, err := loadPolicy(cfg.policyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	whitelisted, blocked := exceptions.Sizes()
	observability.UpdatePolicySizes(whitelisted, blocked)
	logger.Info("policy loaded", zap.Int("whitelist", whitelisted), zap.Int("blocklist", blocked))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg.postgresDSN, cfg.clickhouseDSN, cfg.useMemory, logger)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	ledgerClient, err := horizon.NewClient(cfg.horizonURL, cfg.passphrase, cfg.walletSeed,
		horizon.WithBaseFee(cfg.baseFee),
		horizon.WithMemo(cfg.memo),
		horizon.WithLogger(logger.Named("horizon")),
	)
	if err != nil {
		return fmt.Errorf("create ledger client: %w", err)
	}
	logger.Info("ledger client ready",
		zap.String("horizon", cfg.horizonURL),
		zap.String("source", ledgerClient.SourceAddress()),
	)

	opts := faucet.Options{
		Store:         st.claims,
		Ledger:        ledgerClient,
		Policy:        exceptions,
		Events:        st.events,
		Logger:        logger.Named("faucet"),
		Amount:        payout,
		AbandonAfter:  cfg.abandonAfter,
		SubmitTimeout: cfg.submitTimeout,
	}
	evaluator, err := faucet.NewEvaluator(opts)
	if err != nil {
		return fmt.Errorf("create evaluator: %w", err)
	}
	executor, err := faucet.NewExecutor(opts)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	var ids identity.Provider
	if cfg.piAPIURL != "" {
		ids = identity.NewClient(cfg.piAPIURL)
	} else {
		logger.Warn("PI_API_URL not set; bearer credentials will be rejected")
	}

	srv := &http.Server{
		Addr: cfg.listenAddr,
		Handler: api.NewRouter(api.Config{
			Evaluator: evaluator,
			Executor:  executor,
			Identity:  ids,
			Logger:    logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// Execute may wait for a full ledger submission.
		WriteTimeout: cfg.submitTimeout + 15*time.Second,
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", cfg.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go trackUptime(ctx)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		serveErr = fmt.Errorf("http server: %w", serveErr)
	}
	cancel()

	// In-flight executions finish their store writes before the listener closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.submitTimeout+15*time.Second)
	defer shutdownCancel()

	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-shutdownCtx.Done():
		}
	}()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return serveErr
}

// loadPolicy merges the environment lists with the optional policy file.
func loadPolicy(path string) (*policy.Snapshot, error) {
	sources := []policy.Lists{policy.FromEnv("FAUCET_WHITELIST", "FAUCET_BLOCKLIST")}
	if path != "" {
		fromFile, err := policy.LoadFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, fromFile)
	}
	return policy.NewSnapshot(policy.Merge(sources...)), nil
}

// createStores creates the claim store and the claim event log.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, logger *zap.Logger) (*stores, func(), error) {
	if useMemory {
		logger.Warn("using in-memory storage; claims are lost on restart")
		return &stores{
			claims: memory.NewClaimStore(),
			events: memory.NewClaimEventStore(),
		}, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	st := &stores{claims: pgstore.NewClaimStore(pool)}
	cleanup := func() { pool.Close() }

	// ClickHouse event log is optional.
	if clickhouseDSN == "" {
		st.events = memory.NewClaimEventStore()
		return st, cleanup, nil
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate clickhouse: %w", err)
	}
	st.events = chstore.NewClaimEventStore(chConn)
	cleanup = func() {
		chConn.Close()
		pool.Close()
	}

	return st, cleanup, nil
}

func trackUptime(ctx context.Context) {
	const tick = 15 * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.RecordUptime(tick.Seconds())
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
