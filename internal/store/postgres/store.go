// Package postgres provides the Postgres-backed state store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/absnate/docharvester/internal/harvest"
)

//go:embed schema.sql
var schemaSQL string

// Querier is the subset of pgxpool.Pool the store needs; pgxmock satisfies
// it in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements harvest.JobStore, harvest.PdfStore and
// harvest.ScheduleStore on Postgres.
type Store struct {
	db    Querier
	pool  *pgxpool.Pool
	clock harvest.Clock
}

// New connects a pool and returns a Store. Each component opens its own
// Store; there are no cross-component transactions.
func New(ctx context.Context, dsn string, clock harvest.Clock) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool, pool: pool, clock: clock}, nil
}

// NewWithQuerier builds a Store over an existing Querier (tests).
func NewWithQuerier(db Querier, clock harvest.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
