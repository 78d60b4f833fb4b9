package utils

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		got, ok := TxFromContext(ctx)
		require.True(t, ok)
		require.Same(t, tx, got)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_NestedJoinsOuter(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	tr := NewSQLTransactor(db)
	err := tr.InTx(context.Background(), func(ctx context.Context) error {
		outer, _ := TxFromContext(ctx)
		return tr.InTx(ctx, func(ctx context.Context) error {
			inner, ok := TxFromContext(ctx)
			require.True(t, ok)
			require.Same(t, outer, inner)
			require.Same(t, inner, Conn(ctx, db))
			return nil
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConn_FallsBackToDB(t *testing.T) {
	db, _ := newMockDB(t)
	require.Same(t, db, Conn(context.Background(), db))
}

func TestLocalTransactor_Reentrant(t *testing.T) {
	tr := NewLocalTransactor()
	calls := 0
	err := tr.InTx(context.Background(), func(ctx context.Context) error {
		calls++
		return tr.InTx(ctx, func(ctx context.Context) error {
			calls++
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
