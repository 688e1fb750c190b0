// Package postgres implements the claim store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pi-faucet/internal/observability"
	"pi-faucet/internal/storage"
)

const applicationName = "pi-faucet"

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool connects and pings. Pool sizing can be tuned through the DSN
// (pool_max_conns, pool_max_conn_lifetime, ...).
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

const pgErrUniqueViolation = "23505"

// inFlightConstraint is the partial unique index allowing one open claim per wallet.
const inFlightConstraint = "claims_one_in_flight_per_wallet"

// uniqueViolation returns the violated constraint name, or ok=false for any other error.
func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isDuplicateKeyError(err error) bool {
	_, ok := uniqueViolation(err)
	return ok
}

func isConstraintViolation(err error, constraint string) bool {
	name, ok := uniqueViolation(err)
	return ok && name == constraint
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// wrapErr tags a driver error with storage.ErrStorage.
func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, storage.ErrStorage, err)
}

// track records the query duration under op. Use with defer and a named error.
func track(op string, err *error) func() {
	start := time.Now()
	return func() {
		observability.RecordDBQuery("postgres", op, time.Since(start).Seconds(), *err)
	}
}
