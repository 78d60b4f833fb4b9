package credits

import (
	"context"
	"regexp"
	"testing"
	"time"

	"credits-platform/internal/config"
	"credits-platform/pkg/utils"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryColumnNames = []string{
	"id", "user_id", "transaction_no", "kind", "scene", "status", "amount", "remaining", "expires_at",
	"order_no", "subscription_no", "idempotency_key", "consumed_breakdown", "description", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (*PostgresRepo, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	// "pgx" selects $n bindvars for named statements.
	db := sqlx.NewDb(raw, "pgx")
	return NewPostgresRepo(db), db, mock
}

func grantRow(rows *sqlmock.Rows, id string, remaining int64, expires *time.Time) *sqlmock.Rows {
	var exp any
	if expires != nil {
		exp = *expires
	}
	return rows.AddRow(id, "u1", "tx-"+id, "grant", "purchase", "active", int64(10), remaining, exp,
		"", "", "", nil, "", testNow, testNow)
}

func TestPostgresRepo_InsertReportsConflict(t *testing.T) {
	repo, _, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Insert(context.Background(), Entry{ID: "cred_1", UserID: "u1", Kind: KindGrant, IdempotencyKey: "ord_1"})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_FindByIdempotencyKeyMissing(t *testing.T) {
	repo, _, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE kind = $1 AND idempotency_key = $2")).
		WithArgs(KindGrant, "ord_1").
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	_, ok, err := repo.FindByIdempotencyKey(context.Background(), KindGrant, "ord_1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_LockUsableGrantsScansRows(t *testing.T) {
	repo, _, mock := newMockRepo(t)
	exp := testNow.Add(time.Hour)
	rows := grantRow(sqlmock.NewRows(entryColumnNames), "cred_a", 4, &exp)
	rows = grantRow(rows, "cred_b", 10, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1", testNow, 1000).
		WillReturnRows(rows)

	got, err := repo.LockUsableGrants(context.Background(), "u1", testNow, 1000, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cred_a", got[0].ID)
	require.NotNil(t, got[0].ExpiresAt)
	assert.True(t, got[0].ExpiresAt.Equal(exp))
	assert.Nil(t, got[1].ExpiresAt)
	assert.Equal(t, KindGrant, got[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ConsumeOverPostgresInOneTransaction(t *testing.T) {
	repo, db, mock := newMockRepo(t)
	l := NewLedger(repo, utils.NewSQLTransactor(db), config.CreditsConfig{})
	l.clock = func() time.Time { return testNow }

	exp := testNow.Add(time.Hour)
	rows := grantRow(sqlmock.NewRows(entryColumnNames), "cred_a", 4, &exp)
	rows = grantRow(rows, "cred_b", 10, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1", testNow, consumeBatchSize).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("SET remaining = $3")).
		WithArgs("cred_a", int64(4), int64(0), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET remaining = $3")).
		WithArgs("cred_b", int64(10), int64(8), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(remaining), 0)")).
		WithArgs("u1", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(8)))

	res, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 6})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Balance)
	require.Len(t, res.Entry.Breakdown, 2)
	assert.Equal(t, int64(6), res.Entry.Breakdown.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ConsumeOverPostgresRollsBackOnShortfall(t *testing.T) {
	repo, db, mock := newMockRepo(t)
	l := NewLedger(repo, utils.NewSQLTransactor(db), config.CreditsConfig{})
	l.clock = func() time.Time { return testNow }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(grantRow(sqlmock.NewRows(entryColumnNames), "cred_a", 3, nil))
	mock.ExpectQuery(regexp.QuoteMeta("(created_at, id) > ($4, $5)")).
		WithArgs("u1", testNow, consumeBatchSize, testNow, "cred_a").
		WillReturnRows(sqlmock.NewRows(entryColumnNames))
	mock.ExpectRollback()

	_, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 5})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ConsumeAbortsWhenRowChangedUnderLock(t *testing.T) {
	repo, db, mock := newMockRepo(t)
	l := NewLedger(repo, utils.NewSQLTransactor(db), config.CreditsConfig{})
	l.clock = func() time.Time { return testNow }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(grantRow(sqlmock.NewRows(entryColumnNames), "cred_a", 9, nil))
	mock.ExpectExec(regexp.QuoteMeta("SET remaining = $3")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 5})
	require.ErrorIs(t, err, ErrLedgerInvariant)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_LockUsableGrantsPagesByKey(t *testing.T) {
	repo, _, mock := newMockRepo(t)
	exp := testNow.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("(expires_at, created_at, id) > ($4, $5, $6)")).
		WithArgs("u1", testNow, 1000, exp, testNow, "cred_a").
		WillReturnRows(grantRow(sqlmock.NewRows(entryColumnNames), "cred_b", 10, nil))

	got, err := repo.LockUsableGrants(context.Background(), "u1", testNow, 1000,
		&GrantCursor{ExpiresAt: &exp, CreatedAt: testNow, ID: "cred_a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cred_b", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ConsumeKeepsPagingPastShortPage(t *testing.T) {
	repo, db, mock := newMockRepo(t)
	l := NewLedger(repo, utils.NewSQLTransactor(db), config.CreditsConfig{})
	l.clock = func() time.Time { return testNow }

	// the first page lost a row to a concurrent consume while waiting on its lock
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1", testNow, consumeBatchSize).
		WillReturnRows(grantRow(sqlmock.NewRows(entryColumnNames), "cred_a", 3, nil))
	mock.ExpectQuery(regexp.QuoteMeta("(created_at, id) > ($4, $5)")).
		WithArgs("u1", testNow, consumeBatchSize, testNow, "cred_a").
		WillReturnRows(grantRow(sqlmock.NewRows(entryColumnNames), "cred_b", 4, nil))
	mock.ExpectExec(regexp.QuoteMeta("SET remaining = $3")).
		WithArgs("cred_a", int64(3), int64(0), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET remaining = $3")).
		WithArgs("cred_b", int64(4), int64(2), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(remaining), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(2)))

	res, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Entry.Breakdown.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ConsumeKeyRaceReplaysWinner(t *testing.T) {
	repo, db, mock := newMockRepo(t)
	l := NewLedger(repo, utils.NewSQLTransactor(db), config.CreditsConfig{})
	l.clock = func() time.Time { return testNow }

	winner := sqlmock.NewRows(entryColumnNames).AddRow("cred_w", "u1", "tx-w", "consume", "ai-task", "active",
		int64(-5), int64(0), nil, "", "", "task-1", nil, "", testNow, testNow)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE kind = $1 AND idempotency_key = $2")).
		WithArgs(KindConsume, "task-1").
		WillReturnRows(sqlmock.NewRows(entryColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(grantRow(sqlmock.NewRows(entryColumnNames), "cred_a", 9, nil))
	mock.ExpectExec(regexp.QuoteMeta("SET remaining = $3")).
		WithArgs("cred_a", int64(9), int64(4), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// the decrement above must not commit
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE kind = $1 AND idempotency_key = $2")).
		WithArgs(KindConsume, "task-1").
		WillReturnRows(winner)
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(remaining), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(4)))

	res, err := l.Consume(context.Background(), ConsumeRequest{UserID: "u1", Amount: 5, IdempotencyKey: "task-1"})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "cred_w", res.Entry.ID)
	assert.Equal(t, int64(4), res.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}
