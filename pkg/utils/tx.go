package utils

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Transactor runs a unit of work atomically. Nested calls with the returned
// ctx join the outer unit instead of starting a new one.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLTransactor backs units of work with a Postgres transaction.
type SQLTransactor struct {
	DB   *sqlx.DB
	Opts *sql.TxOptions
}

func NewSQLTransactor(db *sqlx.DB) SQLTransactor { return SQLTransactor{DB: db} }

func (t SQLTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, t.DB, t.Opts, func(ctx context.Context, _ *sqlx.Tx) error {
		return fn(ctx)
	})
}

// LocalTransactor serializes units of work inside one process.
// It pairs with the in-memory repositories; it does not roll back.
type LocalTransactor struct {
	mu sync.Mutex
}

type localTxKey struct{}

func NewLocalTransactor() *LocalTransactor { return &LocalTransactor{} }

func (t *LocalTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(localTxKey{}).(*LocalTransactor); ok && owner == t {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(context.WithValue(ctx, localTxKey{}, t))
}
