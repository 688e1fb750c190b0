// Package main rewrites historical claim wallets to their canonical trimmed uppercase form.
//
// Usage:
//
//	normalize --postgres-dsn postgres://...
//
// Rows whose canonical wallet already has an open claim are left untouched and reported.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pi-faucet/internal/storage/migrations"
	pgstore "pi-faucet/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	migrate := flag.Bool("migrate", true, "Apply schema migrations before normalizing")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := runMain(*postgresDSN, *migrate, logger); err != nil {
		logger.Error("normalize wallets", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// runMain validates the flags and runs the migration until done or interrupted.
func runMain(dsn string, migrate bool, logger *zap.Logger) error {
	if dsn == "" {
		return errors.New("--postgres-dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, dsn, migrate, logger)
}

func run(ctx context.Context, dsn string, migrate bool, logger *zap.Logger) error {
	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	if migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}

	report, err := pgstore.NewClaimStore(pool).NormalizeWallets(ctx)
	if err != nil {
		return err
	}

	logger.Info("wallet normalization complete",
		zap.Int64("updated", report.Updated),
		zap.Int64("already_normalized", report.AlreadyNormalized),
		zap.Int64("conflicts", report.Conflicts),
	)
	if report.Conflicts > 0 {
		logger.Warn("some rows were not normalized because the canonical wallet has an open claim",
			zap.Int64("conflicts", report.Conflicts))
	}
	return nil
}
