package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"credits-platform/pkg/logger"
	"credits-platform/pkg/utils"
)

// Service owns every order and subscription transition. Only checkout and
// the payment event processor call the mutating methods.
type Service struct {
	repo  Repository
	tx    utils.Transactor
	clock func() time.Time
}

func NewService(repo Repository, tx utils.Transactor) *Service {
	return &Service{repo: repo, tx: tx, clock: time.Now}
}

type NewOrder struct {
	UserID           string
	UserEmail        string
	Amount           int64
	Currency         string
	ProductID        string
	ProductName      string
	PaymentType      PaymentType
	PaymentInterval  string
	Provider         string
	CreditsAmount    int64
	CreditsValidDays int
}

// CreateOrder issues a new order number and stores the order as pending.
func (s *Service) CreateOrder(ctx context.Context, req NewOrder) (Order, error) {
	if req.UserID == "" || req.ProductID == "" || req.Provider == "" || req.Currency == "" || req.Amount < 0 {
		return Order{}, ErrInvalidArgument
	}
	if req.PaymentType != PaymentOneTime && req.PaymentType != PaymentSubscription {
		return Order{}, fmt.Errorf("%w: payment type %q", ErrInvalidArgument, req.PaymentType)
	}
	now := s.clock().UTC()
	o := Order{
		OrderNo:          utils.NewSnowID(),
		UserID:           req.UserID,
		UserEmail:        req.UserEmail,
		Status:           OrderPending,
		Amount:           req.Amount,
		Currency:         strings.ToUpper(req.Currency),
		ProductID:        req.ProductID,
		ProductName:      req.ProductName,
		PaymentType:      req.PaymentType,
		PaymentInterval:  req.PaymentInterval,
		Provider:         req.Provider,
		CreditsAmount:    req.CreditsAmount,
		CreditsValidDays: req.CreditsValidDays,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := s.repo.InsertOrder(ctx, o); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Service) MarkCheckoutCreated(ctx context.Context, orderNo, sessionID, checkoutURL string) (Order, error) {
	return s.transitionOrder(ctx, orderNo, OrderCreated, func(ctx context.Context, o *Order) error {
		o.PaymentSessionID = sessionID
		o.CheckoutURL = checkoutURL
		return nil
	})
}

func (s *Service) MarkCheckoutFailed(ctx context.Context, orderNo, reason string) (Order, error) {
	return s.transitionOrder(ctx, orderNo, OrderCheckoutFailed, func(ctx context.Context, o *Order) error {
		o.FailureReason = reason
		return nil
	})
}

// Payment is what the provider reported for a settled order.
type Payment struct {
	TransactionID  string
	InvoiceID      string
	SubscriptionID string
	SubscriptionNo string
	Amount         int64
	Currency       string
	Email          string
	PaidAt         time.Time
}

// MarkPaid settles an order. The transaction id must not belong to another order.
func (s *Service) MarkPaid(ctx context.Context, orderNo string, p Payment) (Order, error) {
	return s.transitionOrder(ctx, orderNo, OrderPaid, func(ctx context.Context, o *Order) error {
		if p.TransactionID != "" {
			other, ok, err := s.repo.FindOrderByTransaction(ctx, o.Provider, p.TransactionID)
			if err != nil {
				return err
			}
			if ok && other.OrderNo != o.OrderNo {
				return fmt.Errorf("%w: %s on order %s", ErrDuplicateTransaction, p.TransactionID, other.OrderNo)
			}
		}
		paidAt := p.PaidAt.UTC()
		if p.PaidAt.IsZero() {
			paidAt = s.clock().UTC()
		}
		o.TransactionID = p.TransactionID
		o.InvoiceID = p.InvoiceID
		o.SubscriptionID = firstNonEmpty(p.SubscriptionID, o.SubscriptionID)
		o.SubscriptionNo = firstNonEmpty(p.SubscriptionNo, o.SubscriptionNo)
		o.PaymentAmount = p.Amount
		o.PaymentCurrency = strings.ToUpper(p.Currency)
		o.PaymentEmail = p.Email
		o.PaidAt = &paidAt
		return nil
	})
}

func (s *Service) MarkFailed(ctx context.Context, orderNo, reason string) (Order, error) {
	return s.transitionOrder(ctx, orderNo, OrderFailed, func(ctx context.Context, o *Order) error {
		o.FailureReason = reason
		return nil
	})
}

func (s *Service) transitionOrder(ctx context.Context, orderNo string, to OrderStatus, mutate func(ctx context.Context, o *Order) error) (Order, error) {
	if orderNo == "" {
		return Order{}, ErrInvalidArgument
	}
	var out Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, ok, err := s.repo.GetOrder(ctx, orderNo, true)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOrderNotFound
		}
		if !CanTransition(o.Status, to) {
			return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, orderNo, o.Status, to)
		}
		from := o.Status
		o.Status = to
		if err := mutate(ctx, &o); err != nil {
			return err
		}
		o.UpdatedAt = s.clock().UTC()
		if err := s.repo.UpdateOrder(ctx, o); err != nil {
			return err
		}
		logger.From(ctx).Info("order transition", "order_no", orderNo, "from", from, "to", to)
		out = o
		return nil
	})
	return out, err
}

// CreateSubscription stores a new provider subscription. An existing row for
// the same provider id is returned with created=false.
func (s *Service) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, bool, error) {
	if sub.Provider == "" || sub.ProviderSubscriptionID == "" || sub.UserID == "" {
		return Subscription{}, false, ErrInvalidArgument
	}
	var (
		out     Subscription
		created bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, ok, err := s.repo.FindSubscription(ctx, sub.Provider, sub.ProviderSubscriptionID, true)
		if err != nil {
			return err
		}
		if ok {
			out = existing
			return nil
		}
		now := s.clock().UTC()
		sub.SubscriptionNo = utils.NewSnowID()
		if sub.Status == "" {
			sub.Status = SubscriptionActive
		}
		if sub.IntervalCount <= 0 {
			sub.IntervalCount = 1
		}
		sub.CreatedAt, sub.UpdatedAt = now, now
		inserted, err := s.repo.InsertSubscription(ctx, sub)
		if err != nil {
			return err
		}
		if !inserted {
			existing, ok, err := s.repo.FindSubscription(ctx, sub.Provider, sub.ProviderSubscriptionID, true)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: subscription %s conflicted but was not found", ErrSubscriptionNotFound, sub.ProviderSubscriptionID)
			}
			out = existing
			return nil
		}
		out, created = sub, true
		return nil
	})
	if err != nil {
		return Subscription{}, false, err
	}
	if created {
		logger.From(ctx).Info("subscription created",
			"subscription_no", out.SubscriptionNo, "provider", out.Provider, "user_id", out.UserID)
	}
	return out, created, nil
}

// SubscriptionUpdate carries provider-reported fields. Nil or empty fields are left as stored.
type SubscriptionUpdate struct {
	Status           SubscriptionStatus
	PlanName         string
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	CanceledAt       *time.Time
	CanceledEndAt    *time.Time
	CancelReason     string
	CancelReasonType string
}

// SyncSubscription applies a provider update, last write wins. The billing
// period only ever moves forward.
func (s *Service) SyncSubscription(ctx context.Context, subscriptionNo string, u SubscriptionUpdate) (Subscription, error) {
	return s.updateSubscription(ctx, subscriptionNo, func(ctx context.Context, sub *Subscription) error {
		if u.Status != "" {
			sub.Status = u.Status
		}
		if u.PlanName != "" {
			sub.PlanName = u.PlanName
		}
		advancePeriod(sub, u.PeriodStart, u.PeriodEnd)
		applyCancel(sub, u)
		return nil
	})
}

// Renewal is one confirmed subscription billing cycle.
type Renewal struct {
	TransactionID string
	InvoiceID     string
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
	Amount        int64
	Currency      string
	Email         string
	PaidAt        time.Time
}

// RenewSubscription records a renewal: a paid order of type renew carrying
// the provider transaction id, and the advanced billing period.
// It fails with ErrDuplicateTransaction when the transaction is already recorded
// and with ErrInvalidTransition when the subscription has ended.
func (s *Service) RenewSubscription(ctx context.Context, subscriptionNo string, r Renewal) (Subscription, Order, error) {
	if r.TransactionID == "" {
		return Subscription{}, Order{}, fmt.Errorf("%w: renewal without transaction id", ErrInvalidArgument)
	}
	var order Order
	sub, err := s.updateSubscription(ctx, subscriptionNo, func(ctx context.Context, sub *Subscription) error {
		if sub.Status.IsEnded() {
			return fmt.Errorf("%w: subscription %s is %s", ErrInvalidTransition, sub.SubscriptionNo, sub.Status)
		}
		if _, seen, err := s.repo.FindOrderByTransaction(ctx, sub.Provider, r.TransactionID); err != nil {
			return err
		} else if seen {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, r.TransactionID)
		}

		now := s.clock().UTC()
		paidAt := r.PaidAt.UTC()
		if r.PaidAt.IsZero() {
			paidAt = now
		}
		currency := strings.ToUpper(firstNonEmpty(r.Currency, sub.Currency))
		amount := r.Amount
		if amount == 0 {
			amount = sub.Amount
		}
		order = Order{
			OrderNo:          utils.NewSnowID(),
			UserID:           sub.UserID,
			UserEmail:        sub.UserEmail,
			Status:           OrderPaid,
			Amount:           sub.Amount,
			Currency:         strings.ToUpper(sub.Currency),
			ProductID:        sub.ProductID,
			ProductName:      sub.ProductName,
			PaymentType:      PaymentRenew,
			PaymentInterval:  sub.Interval,
			Provider:         sub.Provider,
			TransactionID:    r.TransactionID,
			SubscriptionID:   sub.ProviderSubscriptionID,
			SubscriptionNo:   sub.SubscriptionNo,
			CreditsAmount:    sub.CreditsAmount,
			CreditsValidDays: sub.CreditsValidDays,
			PaymentAmount:    amount,
			PaymentCurrency:  currency,
			PaymentEmail:     r.Email,
			InvoiceID:        r.InvoiceID,
			PaidAt:           &paidAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		inserted, err := s.repo.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, r.TransactionID)
		}
		advancePeriod(sub, r.PeriodStart, r.PeriodEnd)
		if sub.Status != SubscriptionTrialing {
			sub.Status = SubscriptionActive
		}
		return nil
	})
	if err != nil {
		return Subscription{}, Order{}, err
	}
	return sub, order, nil
}

// Cancellation describes a cancel request or a provider-confirmed cancellation.
type Cancellation struct {
	CanceledAt    *time.Time
	CanceledEndAt *time.Time
	Reason        string
	ReasonType    string
}

// CancelSubscription marks the subscription canceled.
func (s *Service) CancelSubscription(ctx context.Context, subscriptionNo string, c Cancellation) (Subscription, error) {
	return s.updateSubscription(ctx, subscriptionNo, func(ctx context.Context, sub *Subscription) error {
		s.fillCancel(sub, c)
		sub.Status = SubscriptionCanceled
		return nil
	})
}

// ScheduleCancel records a cancellation that takes effect at period end.
// The subscription stays billable until the provider confirms.
func (s *Service) ScheduleCancel(ctx context.Context, subscriptionNo string, c Cancellation) (Subscription, error) {
	return s.updateSubscription(ctx, subscriptionNo, func(ctx context.Context, sub *Subscription) error {
		if sub.Status.IsEnded() {
			return fmt.Errorf("%w: subscription %s is %s", ErrInvalidTransition, sub.SubscriptionNo, sub.Status)
		}
		if c.CanceledEndAt == nil {
			c.CanceledEndAt = sub.CurrentPeriodEnd
		}
		s.fillCancel(sub, c)
		return nil
	})
}

// MarkPastDue flags a subscription whose latest charge failed.
func (s *Service) MarkPastDue(ctx context.Context, subscriptionNo string) (Subscription, error) {
	return s.updateSubscription(ctx, subscriptionNo, func(ctx context.Context, sub *Subscription) error {
		if !sub.Status.IsEnded() {
			sub.Status = SubscriptionPastDue
		}
		return nil
	})
}

func (s *Service) fillCancel(sub *Subscription, c Cancellation) {
	if c.CanceledAt == nil {
		now := s.clock().UTC()
		c.CanceledAt = &now
	}
	applyCancel(sub, SubscriptionUpdate{
		CanceledAt:       c.CanceledAt,
		CanceledEndAt:    c.CanceledEndAt,
		CancelReason:     c.Reason,
		CancelReasonType: c.ReasonType,
	})
}

func (s *Service) updateSubscription(ctx context.Context, subscriptionNo string, mutate func(ctx context.Context, sub *Subscription) error) (Subscription, error) {
	if subscriptionNo == "" {
		return Subscription{}, ErrInvalidArgument
	}
	var out Subscription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		sub, ok, err := s.repo.GetSubscription(ctx, subscriptionNo, true)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSubscriptionNotFound
		}
		from := sub.Status
		if err := mutate(ctx, &sub); err != nil {
			return err
		}
		sub.UpdatedAt = s.clock().UTC()
		if err := s.repo.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if from != sub.Status {
			logger.From(ctx).Info("subscription transition",
				"subscription_no", subscriptionNo, "from", from, "to", sub.Status)
		}
		out = sub
		return nil
	})
	return out, err
}

// LockOrder loads an order and locks it for the enclosing transaction.
func (s *Service) LockOrder(ctx context.Context, orderNo string) (Order, bool, error) {
	return s.repo.GetOrder(ctx, orderNo, true)
}

// LockSubscription loads a subscription by provider id and locks it for the enclosing transaction.
func (s *Service) LockSubscription(ctx context.Context, provider, providerSubscriptionID string) (Subscription, bool, error) {
	return s.repo.FindSubscription(ctx, provider, providerSubscriptionID, true)
}

func (s *Service) GetOrder(ctx context.Context, orderNo string) (Order, bool, error) {
	return s.repo.GetOrder(ctx, orderNo, false)
}

// TransactionSeen reports whether a provider transaction id is on any order.
func (s *Service) TransactionSeen(ctx context.Context, provider, transactionID string) (bool, error) {
	if transactionID == "" {
		return false, nil
	}
	_, ok, err := s.repo.FindOrderByTransaction(ctx, provider, transactionID)
	return ok, err
}

func (s *Service) GetSubscription(ctx context.Context, subscriptionNo string) (Subscription, bool, error) {
	return s.repo.GetSubscription(ctx, subscriptionNo, false)
}

func (s *Service) ListOrders(ctx context.Context, userID string, q ListQuery) ([]Order, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListOrders(ctx, userID, q)
}

func (s *Service) ListPaidOrders(ctx context.Context, from, to time.Time) ([]Order, error) {
	if !to.After(from) {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListPaidOrders(ctx, from, to)
}

func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListSubscriptions(ctx, userID)
}

func advancePeriod(sub *Subscription, start, end *time.Time) {
	if end == nil || end.IsZero() {
		return
	}
	if sub.CurrentPeriodEnd != nil && !end.After(*sub.CurrentPeriodEnd) {
		return
	}
	e := end.UTC()
	sub.CurrentPeriodEnd = &e
	if start != nil && !start.IsZero() {
		st := start.UTC()
		sub.CurrentPeriodStart = &st
	}
}

func applyCancel(sub *Subscription, u SubscriptionUpdate) {
	if u.CanceledAt != nil {
		t := u.CanceledAt.UTC()
		sub.CanceledAt = &t
	}
	if u.CanceledEndAt != nil {
		t := u.CanceledEndAt.UTC()
		sub.CanceledEndAt = &t
	}
	if u.CancelReason != "" {
		sub.CancelReason = u.CancelReason
	}
	if u.CancelReasonType != "" {
		sub.CancelReasonType = u.CancelReasonType
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
