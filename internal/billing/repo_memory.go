package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryRepo keeps orders and subscriptions in process. Row locks are not
// modelled; pair it with utils.LocalTransactor.
type MemoryRepo struct {
	mu            sync.RWMutex
	orders        map[string]Order
	subscriptions map[string]Subscription
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{orders: map[string]Order{}, subscriptions: map[string]Subscription{}}
}

func (r *MemoryRepo) InsertOrder(ctx context.Context, o Order) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.TransactionID != "" {
		for _, x := range r.orders {
			if x.Provider == o.Provider && x.TransactionID == o.TransactionID {
				return false, nil
			}
		}
	}
	r.orders[o.OrderNo] = cloneOrder(o)
	return true, nil
}

func (r *MemoryRepo) GetOrder(ctx context.Context, orderNo string, forUpdate bool) (Order, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderNo]
	return cloneOrder(o), ok, nil
}

func (r *MemoryRepo) FindOrderByTransaction(ctx context.Context, provider, transactionID string) (Order, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.Provider == provider && o.TransactionID == transactionID && transactionID != "" {
			return cloneOrder(o), true, nil
		}
	}
	return Order{}, false, nil
}

func (r *MemoryRepo) UpdateOrder(ctx context.Context, o Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.OrderNo]; !ok {
		return ErrOrderNotFound
	}
	r.orders[o.OrderNo] = cloneOrder(o)
	return nil
}

func (r *MemoryRepo) ListOrders(ctx context.Context, userID string, q ListQuery) ([]Order, error) {
	q = q.normalized()
	r.mu.RLock()
	rows := lo.Filter(lo.Values(r.orders), func(o Order, _ int) bool {
		return o.UserID == userID && (q.Status == "" || o.Status == q.Status)
	})
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].OrderNo > rows[j].OrderNo
	})
	if q.Offset >= len(rows) {
		return []Order{}, nil
	}
	end := min(q.Offset+q.Limit, len(rows))
	return lo.Map(rows[q.Offset:end], func(o Order, _ int) Order { return cloneOrder(o) }), nil
}

func (r *MemoryRepo) ListPaidOrders(ctx context.Context, from, to time.Time) ([]Order, error) {
	r.mu.RLock()
	rows := lo.Filter(lo.Values(r.orders), func(o Order, _ int) bool {
		return o.Status == OrderPaid && o.PaidAt != nil && !o.PaidAt.Before(from) && o.PaidAt.Before(to)
	})
	r.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].PaidAt.Before(*rows[j].PaidAt) })
	return lo.Map(rows, func(o Order, _ int) Order { return cloneOrder(o) }), nil
}

func (r *MemoryRepo) InsertSubscription(ctx context.Context, s Subscription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.subscriptions {
		if x.Provider == s.Provider && x.ProviderSubscriptionID == s.ProviderSubscriptionID {
			return false, nil
		}
	}
	r.subscriptions[s.SubscriptionNo] = cloneSubscription(s)
	return true, nil
}

func (r *MemoryRepo) GetSubscription(ctx context.Context, subscriptionNo string, forUpdate bool) (Subscription, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscriptions[subscriptionNo]
	return cloneSubscription(s), ok, nil
}

func (r *MemoryRepo) FindSubscription(ctx context.Context, provider, providerSubscriptionID string, forUpdate bool) (Subscription, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := lo.Find(lo.Values(r.subscriptions), func(s Subscription) bool {
		return s.Provider == provider && s.ProviderSubscriptionID == providerSubscriptionID
	})
	return cloneSubscription(s), ok, nil
}

func (r *MemoryRepo) UpdateSubscription(ctx context.Context, s Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[s.SubscriptionNo]; !ok {
		return ErrSubscriptionNotFound
	}
	r.subscriptions[s.SubscriptionNo] = cloneSubscription(s)
	return nil
}

func (r *MemoryRepo) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	r.mu.RLock()
	rows := lo.Filter(lo.Values(r.subscriptions), func(s Subscription, _ int) bool { return s.UserID == userID })
	r.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return lo.Map(rows, func(s Subscription, _ int) Subscription { return cloneSubscription(s) }), nil
}

// Orders returns every stored order, oldest first.
func (r *MemoryRepo) Orders() []Order {
	r.mu.RLock()
	rows := lo.Values(r.orders)
	r.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].OrderNo < rows[j].OrderNo
	})
	return lo.Map(rows, func(o Order, _ int) Order { return cloneOrder(o) })
}

func cloneOrder(o Order) Order {
	o.PaidAt = cloneTime(o.PaidAt)
	return o
}

func cloneSubscription(s Subscription) Subscription {
	s.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	s.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	s.CanceledAt = cloneTime(s.CanceledAt)
	s.CanceledEndAt = cloneTime(s.CanceledEndAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
