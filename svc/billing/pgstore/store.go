// Package pgstore persists billing state in PostgreSQL through pgx.
//
// Uniqueness rules are partial unique indexes, so concurrent writers that
// race past an application check still fail with a mapped sentinel error.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/campaignbilling/pkg/pg"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

// Migrations holds the goose migrations of the billing schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations passed to goose.
const MigrationsDir = "migrations"

// Constraint names mapped to sentinel errors.
const (
	constraintLiveSubscription = "subscriptions_one_live_per_owner"
	constraintInFlightPayment  = "payments_one_in_flight"
)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.Store and billing.CampaignRetention.
type Store struct {
	queries
	pool      *pgxpool.Pool
	txRetries int
}

var (
	_ billing.Store             = (*Store)(nil)
	_ billing.CampaignRetention = (*Store)(nil)
)

// New returns a store over pool. Transactions run SERIALIZABLE and are
// replayed up to txRetries times on serialization failures.
func New(pool *pgxpool.Pool, txRetries int) *Store {
	return &Store{queries: queries{db: pool}, pool: pool, txRetries: txRetries}
}

func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, q billing.Queries) error) error {
	return pg.WithSerializableTx(ctx, s.pool, s.txRetries, func(tx pgx.Tx) error {
		return fn(ctx, queries{db: tx})
	})
}

// queries runs every statement against db.
type queries struct {
	db dbtx
}

var _ billing.Queries = queries{}

// mapUniqueViolation turns a unique violation on a known constraint into
// its sentinel and wraps everything else with op.
func mapUniqueViolation(op string, err error) error {
	if pg.IsDuplicateKeyError(err) {
		switch pg.ConstraintName(err) {
		case constraintLiveSubscription:
			return billing.ErrSubscriptionExists
		case constraintInFlightPayment:
			return billing.ErrPaymentInFlight
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// notFound maps pgx.ErrNoRows to sentinel and wraps other errors with op.
func notFound(op string, err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return fmt.Errorf("%s: %w", op, err)
}
