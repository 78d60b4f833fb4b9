package audit

import (
	"context"

	"credits-platform/pkg/utils"

	"github.com/jmoiron/sqlx"
)

// PostgresRepo appends to audit_events. It joins the caller's transaction when one is open.
type PostgresRepo struct {
	db *sqlx.DB
}

func NewPostgresRepo(db *sqlx.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const insertEventSQL = `
INSERT INTO audit_events (
    id, type, user_id, actor_user_id, actor_role, ip_address,
    entry_id, order_no, subscription_no, message, metadata, created_at
) VALUES (
    :id, :type, :user_id, :actor_user_id, :actor_role, :ip_address,
    :entry_id, :order_no, :subscription_no, :message, :metadata, :created_at
)`

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := sqlx.NamedExecContext(ctx, utils.Conn(ctx, r.db), insertEventSQL, e)
	return err
}

const listByUserSQL = `
SELECT id, type, user_id, actor_user_id, actor_role, ip_address,
       entry_id, order_no, subscription_no, message, metadata, created_at
FROM audit_events
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	var out []Event
	if err := sqlx.SelectContext(ctx, utils.Conn(ctx, r.db), &out, listByUserSQL, userID, limit); err != nil {
		return nil, err
	}
	return out, nil
}
