package billing

import (
	"context"
	"time"
)

// Repository persists orders and subscriptions. Methods join the
// transaction carried by ctx; forUpdate locks the row until it ends.
type Repository interface {
	// InsertOrder returns false when the provider transaction id is already recorded.
	InsertOrder(ctx context.Context, o Order) (bool, error)
	GetOrder(ctx context.Context, orderNo string, forUpdate bool) (Order, bool, error)
	FindOrderByTransaction(ctx context.Context, provider, transactionID string) (Order, bool, error)
	UpdateOrder(ctx context.Context, o Order) error
	ListOrders(ctx context.Context, userID string, q ListQuery) ([]Order, error)
	ListPaidOrders(ctx context.Context, from, to time.Time) ([]Order, error)

	// InsertSubscription returns false when the provider subscription already exists.
	InsertSubscription(ctx context.Context, s Subscription) (bool, error)
	GetSubscription(ctx context.Context, subscriptionNo string, forUpdate bool) (Subscription, bool, error)
	FindSubscription(ctx context.Context, provider, providerSubscriptionID string, forUpdate bool) (Subscription, bool, error)
	UpdateSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error)
}

type ListQuery struct {
	Status OrderStatus `form:"status"`
	Limit  int         `form:"limit"`
	Offset int         `form:"offset"`
}

func (q ListQuery) normalized() ListQuery {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
