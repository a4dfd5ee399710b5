// Package postgres implements the repositories on PostgreSQL through the pgx database/sql driver.
// Finalization and invoice issuance lock the owning row with SELECT ... FOR UPDATE inside a
// read-committed transaction and draw their sequence number on that same transaction; unique
// indexes on checkout_id and order_id back the invariant.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/qrshop/api/internal/repositories"
)

//go:embed schema.sql
var schema string

const maxTxAttempts = 4

// Store is a repositories.Registry backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ repositories.Registry = (*Store)(nil)

// New opens the pool, verifies connectivity and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error { return s.db.Close() }

func (s *Store) Checkouts() repositories.CheckoutRepository { return checkoutRepository{s} }
func (s *Store) Orders() repositories.OrderRepository       { return orderRepository{s} }
func (s *Store) Invoices() repositories.InvoiceRepository   { return invoiceRepository{s} }
func (s *Store) Catalog() repositories.ProductCatalog       { return catalog{s} }
func (s *Store) Coupons() repositories.CouponResolver       { return coupons{s} }
func (s *Store) Counters() repositories.CounterRepository   { return counters{s} }

func (s *Store) HealthChecks() []repositories.DependencyCheck {
	return []repositories.DependencyCheck{{Name: "postgres", Check: s.db.PingContext}}
}

// withTx runs fn in a read-committed transaction, retrying serialization failures and deadlocks.
// Every mutation takes its row lock explicitly, and the shared counter rows would turn serializable
// isolation into a stream of 40001 aborts under load.
// Errors returned by fn itself are passed through untouched.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return wrap(op, err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return passOrWrap(op, err)
		}
		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return wrap(op, err)
		}
		return nil
	}
	return repositories.NewStoreError(op, repositories.ErrorKindConflict, lastErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// wrap classifies driver errors into repository errors.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return repositories.NewStoreError(op, repositories.ErrorKindNotFound, err)
	case isUniqueViolation(err), isRetryable(err):
		return repositories.NewStoreError(op, repositories.ErrorKindConflict, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return repositories.NewStoreError(op, repositories.ErrorKindInvalid, err)
	}
	return repositories.NewStoreError(op, repositories.ErrorKindUnavailable, err)
}

// passOrWrap keeps errors that callers produced (builder and mutator errors, repository errors)
// and classifies the rest.
func passOrWrap(op string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrTxDone) {
		return wrap(op, err)
	}
	return err
}
