package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credits-platform/pkg/utils"

	"github.com/jmoiron/sqlx"
)

// PostgresRepo assumes the orders and subscriptions tables from migrations/000002.
type PostgresRepo struct {
	db *sqlx.DB
}

func NewPostgresRepo(db *sqlx.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const orderColumns = `order_no, user_id, user_email, status, amount, currency, product_id, product_name,
       payment_type, payment_interval, provider, payment_session_id, checkout_url, transaction_id,
       subscription_id, subscription_no, credits_amount, credits_valid_days, payment_amount,
       payment_currency, payment_email, invoice_id, failure_reason, paid_at, created_at, updated_at`

const subscriptionColumns = `subscription_no, provider, provider_subscription_id, user_id, user_email, status,
       product_id, product_name, plan_name, amount, currency, billing_interval, interval_count,
       current_period_start, current_period_end, credits_amount, credits_valid_days,
       canceled_at, canceled_end_at, cancel_reason, cancel_reason_type, created_at, updated_at`

func (r *PostgresRepo) InsertOrder(ctx context.Context, o Order) (bool, error) {
	const q = `
INSERT INTO orders (
  order_no, user_id, user_email, status, amount, currency, product_id, product_name,
  payment_type, payment_interval, provider, payment_session_id, checkout_url, transaction_id,
  subscription_id, subscription_no, credits_amount, credits_valid_days, payment_amount,
  payment_currency, payment_email, invoice_id, failure_reason, paid_at, created_at, updated_at
) VALUES (
  :order_no, :user_id, :user_email, :status, :amount, :currency, :product_id, :product_name,
  :payment_type, :payment_interval, :provider, :payment_session_id, :checkout_url, :transaction_id,
  :subscription_id, :subscription_no, :credits_amount, :credits_valid_days, :payment_amount,
  :payment_currency, :payment_email, :invoice_id, :failure_reason, :paid_at, :created_at, :updated_at
)
ON CONFLICT (provider, transaction_id) WHERE transaction_id <> '' DO NOTHING
`
	return namedExecOne(ctx, utils.Conn(ctx, r.db), q, o)
}

func (r *PostgresRepo) GetOrder(ctx context.Context, orderNo string, forUpdate bool) (Order, bool, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE order_no = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var o Order
	ok, err := getOne(ctx, utils.Conn(ctx, r.db), &o, q, orderNo)
	return o, ok, err
}

func (r *PostgresRepo) FindOrderByTransaction(ctx context.Context, provider, transactionID string) (Order, bool, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE provider = $1 AND transaction_id = $2 LIMIT 1`
	var o Order
	ok, err := getOne(ctx, utils.Conn(ctx, r.db), &o, q, provider, transactionID)
	return o, ok, err
}

func (r *PostgresRepo) UpdateOrder(ctx context.Context, o Order) error {
	const q = `
UPDATE orders SET
  status = :status,
  payment_session_id = :payment_session_id,
  checkout_url = :checkout_url,
  transaction_id = :transaction_id,
  subscription_id = :subscription_id,
  subscription_no = :subscription_no,
  payment_amount = :payment_amount,
  payment_currency = :payment_currency,
  payment_email = :payment_email,
  invoice_id = :invoice_id,
  failure_reason = :failure_reason,
  paid_at = :paid_at,
  updated_at = :updated_at
WHERE order_no = :order_no
`
	ok, err := namedExecOne(ctx, utils.Conn(ctx, r.db), q, o)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresRepo) ListOrders(ctx context.Context, userID string, q ListQuery) ([]Order, error) {
	q = q.normalized()
	const stmt = `SELECT ` + orderColumns + `
FROM orders
WHERE user_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, order_no DESC
LIMIT $3 OFFSET $4
`
	out := []Order{}
	if err := sqlx.SelectContext(ctx, utils.Conn(ctx, r.db), &out, stmt, userID, string(q.Status), q.Limit, q.Offset); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) ListPaidOrders(ctx context.Context, from, to time.Time) ([]Order, error) {
	const stmt = `SELECT ` + orderColumns + `
FROM orders
WHERE status = 'paid' AND paid_at >= $1 AND paid_at < $2
ORDER BY paid_at ASC
`
	out := []Order{}
	if err := sqlx.SelectContext(ctx, utils.Conn(ctx, r.db), &out, stmt, from, to); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) InsertSubscription(ctx context.Context, s Subscription) (bool, error) {
	const q = `
INSERT INTO subscriptions (
  subscription_no, provider, provider_subscription_id, user_id, user_email, status,
  product_id, product_name, plan_name, amount, currency, billing_interval, interval_count,
  current_period_start, current_period_end, credits_amount, credits_valid_days,
  canceled_at, canceled_end_at, cancel_reason, cancel_reason_type, created_at, updated_at
) VALUES (
  :subscription_no, :provider, :provider_subscription_id, :user_id, :user_email, :status,
  :product_id, :product_name, :plan_name, :amount, :currency, :billing_interval, :interval_count,
  :current_period_start, :current_period_end, :credits_amount, :credits_valid_days,
  :canceled_at, :canceled_end_at, :cancel_reason, :cancel_reason_type, :created_at, :updated_at
)
ON CONFLICT (provider, provider_subscription_id) DO NOTHING
`
	return namedExecOne(ctx, utils.Conn(ctx, r.db), q, s)
}

func (r *PostgresRepo) GetSubscription(ctx context.Context, subscriptionNo string, forUpdate bool) (Subscription, bool, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscription_no = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var s Subscription
	ok, err := getOne(ctx, utils.Conn(ctx, r.db), &s, q, subscriptionNo)
	return s, ok, err
}

func (r *PostgresRepo) FindSubscription(ctx context.Context, provider, providerSubscriptionID string, forUpdate bool) (Subscription, bool, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider = $1 AND provider_subscription_id = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var s Subscription
	ok, err := getOne(ctx, utils.Conn(ctx, r.db), &s, q, provider, providerSubscriptionID)
	return s, ok, err
}

func (r *PostgresRepo) UpdateSubscription(ctx context.Context, s Subscription) error {
	const q = `
UPDATE subscriptions SET
  status = :status,
  plan_name = :plan_name,
  current_period_start = :current_period_start,
  current_period_end = :current_period_end,
  canceled_at = :canceled_at,
  canceled_end_at = :canceled_end_at,
  cancel_reason = :cancel_reason,
  cancel_reason_type = :cancel_reason_type,
  updated_at = :updated_at
WHERE subscription_no = :subscription_no
`
	ok, err := namedExecOne(ctx, utils.Conn(ctx, r.db), q, s)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *PostgresRepo) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	const stmt = `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = $1
ORDER BY created_at DESC
`
	out := []Subscription{}
	if err := sqlx.SelectContext(ctx, utils.Conn(ctx, r.db), &out, stmt, userID); err != nil {
		return nil, err
	}
	return out, nil
}

func getOne(ctx context.Context, q utils.Querier, dest any, stmt string, args ...any) (bool, error) {
	if err := sqlx.GetContext(ctx, q, dest, stmt, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func namedExecOne(ctx context.Context, q utils.Querier, stmt string, arg any) (bool, error) {
	res, err := sqlx.NamedExecContext(ctx, q, stmt, arg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
