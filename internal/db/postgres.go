package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore handles database operations
type PostgresStore struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// NewPostgresStore initializes a new PostgreSQL connection pool. The connection is retried
// cfg.DBConnectAttempts times with a fixed cfg.DBConnectDelay between attempts.
func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	attempts := cfg.DBConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := connect(ctx, cfg.GetDSN())
		if err == nil {
			if attempt > 1 {
				logrus.WithField("attempt", attempt).Info("Connected to database")
			}
			return newPostgresStore(pool), nil
		}
		lastErr = err

		logrus.WithError(err).WithFields(logrus.Fields{
			"attempt":     attempt,
			"maxAttempts": attempts,
		}).Warn("Database connection failed")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to database: %w", ctx.Err())
		case <-time.After(cfg.DBConnectDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, lastErr)
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func newPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// EnsureSchema creates the tables when they do not exist yet
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// withTx runs fn in a transaction that is committed when fn returns nil
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// mapError translates driver errors into the shared taxonomy
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ocpi.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s: %s", ocpi.ErrConflict, what, pgErr.Detail)
	}
	return fmt.Errorf("%s: %w", what, err)
}
