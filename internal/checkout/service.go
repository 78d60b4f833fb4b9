package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"credits-platform/internal/audit"
	"credits-platform/internal/billing"
	"credits-platform/internal/metrics"
	"credits-platform/internal/payment"
	"credits-platform/internal/pricing"
	"credits-platform/pkg/logger"
)

var (
	ErrNotSubscriptionOwner = errors.New("checkout: subscription belongs to another user")
	ErrSubscriptionEnded    = errors.New("checkout: subscription already ended")
	ErrCancelRejected       = errors.New("checkout: provider did not cancel the subscription")
)

// Service opens checkout sessions and forwards cancellation requests.
//
// It never marks orders paid; only the payment event processor does that.
type Service struct {
	pricing   *pricing.Service
	billing   *billing.Service
	providers *payment.Registry
	audit     *audit.Service

	successURL string
	cancelURL  string
}

type Options struct {
	SuccessURL string
	CancelURL  string
}

func NewService(p *pricing.Service, b *billing.Service, reg *payment.Registry, a *audit.Service, opts Options) *Service {
	return &Service{pricing: p, billing: b, providers: reg, audit: a, successURL: opts.SuccessURL, cancelURL: opts.CancelURL}
}

type Request struct {
	UserID    string `json:"-"`
	UserEmail string `json:"email" validate:"omitempty,email"`
	ProductID string `json:"product_id" validate:"required"`
	Currency  string `json:"currency" validate:"required,len=3"`
	Provider  string `json:"provider,omitempty"`
}

type Result struct {
	OrderNo     string `json:"order_no"`
	Provider    string `json:"provider"`
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// Create records a pending order and opens a provider checkout session for it.
// When the provider refuses, the order ends as checkout_failed and the
// provider error is returned.
func (s *Service) Create(ctx context.Context, req Request) (Result, error) {
	if req.UserID == "" {
		return Result{}, billing.ErrInvalidArgument
	}
	q, err := s.pricing.Quote(ctx, pricing.QuoteRequest{
		ProductID: req.ProductID,
		Currency:  req.Currency,
		Provider:  req.Provider,
	})
	if err != nil {
		return Result{}, err
	}
	provider, err := s.providers.Get(q.Provider)
	if err != nil {
		return Result{}, err
	}

	typ := billing.PaymentOneTime
	if q.Product.IsSubscription() {
		typ = billing.PaymentSubscription
	}
	order, err := s.billing.CreateOrder(ctx, billing.NewOrder{
		UserID:           req.UserID,
		UserEmail:        req.UserEmail,
		Amount:           q.Price.Amount,
		Currency:         q.Price.Currency,
		ProductID:        q.Product.ID,
		ProductName:      q.Product.Name,
		PaymentType:      typ,
		PaymentInterval:  q.Product.Interval,
		Provider:         provider.Name(),
		CreditsAmount:    q.Product.Credits,
		CreditsValidDays: q.Product.ValidDays,
	})
	if err != nil {
		return Result{}, err
	}
	log := logger.From(ctx).With("order_no", order.OrderNo, "provider", provider.Name(), "user_id", req.UserID)

	sess, err := provider.CreateCheckout(ctx, payment.CheckoutRequest{
		OrderNo:           order.OrderNo,
		UserID:            req.UserID,
		Email:             req.UserEmail,
		ProductID:         q.Product.ID,
		ProductName:       q.Product.Name,
		ProviderProductID: q.ProviderProductID,
		Amount:            q.Price.Amount,
		Currency:          q.Price.Currency,
		Subscription:      q.Product.IsSubscription(),
		Interval:          q.Product.Interval,
		IntervalCount:     q.Product.IntervalCount,
		SuccessURL:        s.successURL,
		CancelURL:         s.cancelURL,
		Metadata: map[string]string{
			"user_id":    req.UserID,
			"product_id": q.Product.ID,
			"credits":    strconv.FormatInt(q.Product.Credits, 10),
		},
	})
	if err != nil {
		metrics.RecordCheckout(provider.Name(), "failed")
		log.Error("checkout session failed", "err", err)
		if _, merr := s.billing.MarkCheckoutFailed(ctx, order.OrderNo, err.Error()); merr != nil {
			log.Error("mark checkout failed", "err", merr)
		}
		return Result{}, err
	}

	if _, err := s.billing.MarkCheckoutCreated(ctx, order.OrderNo, sess.SessionID, sess.CheckoutURL); err != nil {
		// the webhook may already have settled the order
		if !errors.Is(err, billing.ErrInvalidTransition) {
			return Result{}, err
		}
		log.Warn("order moved before checkout was recorded", "err", err)
	}
	metrics.RecordCheckout(provider.Name(), "created")
	s.audit.Record(ctx, audit.Event{
		Type:        audit.EventTypeCheckoutCreated,
		UserID:      req.UserID,
		ActorUserID: req.UserID,
		OrderNo:     order.OrderNo,
		Message:     "checkout created for " + q.Product.ID,
	})
	log.Info("checkout created", "session_id", sess.SessionID)

	return Result{
		OrderNo:     order.OrderNo,
		Provider:    provider.Name(),
		SessionID:   sess.SessionID,
		CheckoutURL: sess.CheckoutURL,
	}, nil
}

// CancelSubscription asks the provider to cancel and records the pending
// cancellation. The provider's webhook later confirms the final status.
func (s *Service) CancelSubscription(ctx context.Context, userID, subscriptionNo string) (billing.Subscription, error) {
	sub, ok, err := s.billing.GetSubscription(ctx, subscriptionNo)
	if err != nil {
		return billing.Subscription{}, err
	}
	if !ok {
		return billing.Subscription{}, billing.ErrSubscriptionNotFound
	}
	if sub.UserID != userID {
		return billing.Subscription{}, ErrNotSubscriptionOwner
	}
	if sub.Status.IsEnded() {
		return billing.Subscription{}, ErrSubscriptionEnded
	}

	provider, err := s.providers.Get(sub.Provider)
	if err != nil {
		return billing.Subscription{}, err
	}
	canceled, err := provider.CancelSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("cancel at %s: %w", sub.Provider, err)
	}
	if !canceled {
		return billing.Subscription{}, ErrCancelRejected
	}

	out, err := s.billing.ScheduleCancel(ctx, sub.SubscriptionNo, billing.Cancellation{
		Reason:     "requested by user",
		ReasonType: "user",
	})
	if err != nil {
		return billing.Subscription{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:           audit.EventTypeCancelSubscription,
		UserID:         userID,
		ActorUserID:    userID,
		SubscriptionNo: sub.SubscriptionNo,
		Message:        "cancel requested at " + sub.Provider,
	})
	return out, nil
}
