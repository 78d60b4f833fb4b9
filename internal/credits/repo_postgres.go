package credits

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credits-platform/pkg/utils"

	"github.com/jmoiron/sqlx"
)

// PostgresRepo assumes the credit_entries table from migrations/000001.
type PostgresRepo struct {
	db *sqlx.DB
}

func NewPostgresRepo(db *sqlx.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const entryColumns = `id, user_id, transaction_no, kind, scene, status, amount, remaining, expires_at,
       order_no, subscription_no, idempotency_key, consumed_breakdown, description, created_at, updated_at`

func (r *PostgresRepo) Insert(ctx context.Context, e Entry) (bool, error) {
	const q = `
INSERT INTO credit_entries (
  id, user_id, transaction_no, kind, scene, status, amount, remaining, expires_at,
  order_no, subscription_no, idempotency_key, consumed_breakdown, description, created_at, updated_at
) VALUES (
  :id, :user_id, :transaction_no, :kind, :scene, :status, :amount, :remaining, :expires_at,
  :order_no, :subscription_no, :idempotency_key, :consumed_breakdown, :description, :created_at, :updated_at
)
ON CONFLICT (kind, idempotency_key) WHERE idempotency_key <> '' DO NOTHING
`
	res, err := sqlx.NamedExecContext(ctx, utils.Conn(ctx, r.db), q, e)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) FindByIdempotencyKey(ctx context.Context, kind Kind, key string) (Entry, bool, error) {
	const q = `SELECT ` + entryColumns + `
FROM credit_entries
WHERE kind = $1 AND idempotency_key = $2
LIMIT 1
`
	return r.getOne(ctx, q, kind, key)
}

func (r *PostgresRepo) GetForUpdate(ctx context.Context, id string) (Entry, bool, error) {
	const q = `SELECT ` + entryColumns + `
FROM credit_entries
WHERE id = $1
FOR UPDATE
`
	return r.getOne(ctx, q, id)
}

func (r *PostgresRepo) getOne(ctx context.Context, q string, args ...any) (Entry, bool, error) {
	var e Entry
	if err := sqlx.GetContext(ctx, utils.Conn(ctx, r.db), &e, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

const lockUsableSQL = `SELECT ` + entryColumns + `
FROM credit_entries
WHERE user_id = $1
  AND kind = 'grant'
  AND status = 'active'
  AND remaining > 0
  AND (expires_at IS NULL OR expires_at > $2)
`

// Pages are keyset-based. A locked row that fails the re-check drops out of
// its page without shifting later pages.
func (r *PostgresRepo) LockUsableGrants(ctx context.Context, userID string, now time.Time, limit int, after *GrantCursor) ([]Entry, error) {
	q := lockUsableSQL
	args := []any{userID, now, limit}
	switch {
	case after == nil:
	case after.ExpiresAt != nil:
		q += "  AND (expires_at IS NULL OR (expires_at, created_at, id) > ($4, $5, $6))\n"
		args = append(args, *after.ExpiresAt, after.CreatedAt, after.ID)
	default:
		q += "  AND expires_at IS NULL AND (created_at, id) > ($4, $5)\n"
		args = append(args, after.CreatedAt, after.ID)
	}
	q += `ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
LIMIT $3
FOR UPDATE
`
	var out []Entry
	if err := sqlx.SelectContext(ctx, utils.Conn(ctx, r.db), &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) CompareAndSetRemaining(ctx context.Context, id string, prev, next int64, now time.Time) (bool, error) {
	const q = `
UPDATE credit_entries
SET remaining = $3, updated_at = $4
WHERE id = $1 AND kind = 'grant' AND remaining = $2
`
	return execOne(ctx, utils.Conn(ctx, r.db), q, id, prev, next, now)
}

func (r *PostgresRepo) SetStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	const q = `
UPDATE credit_entries
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
`
	return execOne(ctx, utils.Conn(ctx, r.db), q, id, from, to, now)
}

func (r *PostgresRepo) SumUsable(ctx context.Context, userID string, now time.Time) (int64, error) {
	const q = `
SELECT COALESCE(SUM(remaining), 0)
FROM credit_entries
WHERE user_id = $1
  AND kind = 'grant'
  AND status = 'active'
  AND remaining > 0
  AND (expires_at IS NULL OR expires_at > $2)
`
	var total int64
	if err := sqlx.GetContext(ctx, utils.Conn(ctx, r.db), &total, q, userID, now); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *PostgresRepo) List(ctx context.Context, userID string, q ListQuery) ([]Entry, error) {
	q = q.normalized()
	const stmt = `SELECT ` + entryColumns + `
FROM credit_entries
WHERE user_id = $1
  AND ($2 = '' OR kind = $2)
  AND ($3 = '' OR scene = $3)
  AND ($4::timestamptz IS NULL OR created_at >= $4)
  AND ($5::timestamptz IS NULL OR created_at < $5)
ORDER BY created_at DESC, id DESC
LIMIT $6 OFFSET $7
`
	var out []Entry
	err := sqlx.SelectContext(ctx, utils.Conn(ctx, r.db), &out, stmt,
		userID, string(q.Kind), string(q.Scene), nullTime(q.From), nullTime(q.To), q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func execOne(ctx context.Context, c utils.Querier, q string, args ...any) (bool, error) {
	res, err := c.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
