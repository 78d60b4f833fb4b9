package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credits-platform/internal/billing"
	"credits-platform/internal/credits"
	"credits-platform/internal/idempotency"
	"credits-platform/internal/metrics"
	"credits-platform/internal/payment"
	"credits-platform/pkg/logger"
	"credits-platform/pkg/utils"
)

// ErrUnknownOrderOrSubscription means the event references state we do not
// have yet. Webhook callers answer non-2xx so the provider redelivers later.
var ErrUnknownOrderOrSubscription = errors.New("processor: unknown order or subscription")

// Outcome is what Process did with one event.
type Outcome string

const (
	// OutcomeApplied: state changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate: the event was already applied; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored: the event needs no action.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRecorded: the event was noted but is not final (e.g. payment still processing).
	OutcomeRecorded Outcome = "recorded"
)

// Processor turns canonical payment events into order and subscription
// transitions and credit grants. All writes for one event commit together.
type Processor struct {
	billing *billing.Service
	ledger  *credits.Ledger
	guard   *idempotency.Guard
	tx      utils.Transactor
	clock   func() time.Time
}

// New wires a processor. billing and ledger must share tx so their writes
// join the processor's unit of work. guard may be nil.
func New(b *billing.Service, l *credits.Ledger, g *idempotency.Guard, tx utils.Transactor) *Processor {
	return &Processor{billing: b, ledger: l, guard: g, tx: tx, clock: time.Now}
}

// Process applies evt at most once. Replayed deliveries return OutcomeDuplicate.
func (p *Processor) Process(ctx context.Context, evt payment.Event) (out Outcome, err error) {
	start := p.clock()
	log := logger.From(ctx).With("provider", evt.Provider, "event_type", evt.Type, "event_id", evt.ID)
	ctx = logger.With(ctx, log)
	defer func() {
		status := string(out)
		if err != nil {
			status = "error"
		}
		metrics.RecordWebhookEvent(evt.Provider, string(evt.Type), status, p.clock().Sub(start).Seconds())
	}()

	key := guardKey(evt)
	var claim *idempotency.Claim
	if key != "" && p.guard != nil {
		done, err := p.guard.HasProcessed(ctx, key)
		if err != nil {
			return "", fmt.Errorf("idempotency check: %w", err)
		}
		if done {
			log.Info("payment event already processed", "key", key)
			return OutcomeDuplicate, nil
		}
		claim, err = p.guard.Acquire(ctx, key)
		if err != nil {
			return "", err
		}
	}

	err = p.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.apply(ctx, evt)
		return err
	})

	if claim != nil {
		if err == nil && (out == OutcomeApplied || out == OutcomeDuplicate) {
			if merr := claim.MarkProcessed(ctx); merr != nil {
				// durable state already dedups; a missing marker only costs a replay
				log.Warn("idempotency mark failed", "key", key, "err", merr)
			}
		} else {
			claim.Release(ctx)
		}
	}
	if err != nil {
		return "", err
	}
	log.Info("payment event processed", "outcome", out, "order_no", evt.OrderNo)
	return out, nil
}

func (p *Processor) apply(ctx context.Context, evt payment.Event) (Outcome, error) {
	switch evt.Type {
	case payment.EventCheckoutSuccess:
		return p.checkoutSuccess(ctx, evt)
	case payment.EventPaymentSuccess:
		if evt.Subscription != nil && evt.Subscription.ID != "" {
			return p.subscriptionPayment(ctx, evt)
		}
		if evt.OrderNo == "" {
			logger.From(ctx).Info("one-time payment without order number")
			return OutcomeIgnored, nil
		}
		return p.checkoutSuccess(ctx, evt)
	case payment.EventPaymentFailed:
		return p.paymentFailed(ctx, evt)
	case payment.EventSubscribeUpdated:
		return p.subscriptionUpdated(ctx, evt)
	case payment.EventSubscribeCanceled:
		return p.subscriptionCanceled(ctx, evt)
	default:
		return OutcomeIgnored, nil
	}
}

func (p *Processor) checkoutSuccess(ctx context.Context, evt payment.Event) (Outcome, error) {
	log := logger.From(ctx)
	if evt.OrderNo == "" {
		return "", fmt.Errorf("%w: checkout event without order number", ErrUnknownOrderOrSubscription)
	}

	switch evt.Status {
	case payment.StatusPaid:
	case payment.StatusFailed, payment.StatusCanceled:
		return p.failOrder(ctx, evt.Provider, evt.OrderNo, "checkout "+string(evt.Status))
	default:
		log.Info("checkout not settled yet", "order_no", evt.OrderNo, "status", evt.Status)
		return OutcomeRecorded, nil
	}

	order, err := p.lockOrder(ctx, evt.Provider, evt.OrderNo)
	if err != nil {
		return "", err
	}
	if order.Status == billing.OrderPaid {
		return OutcomeDuplicate, nil
	}

	var sub *billing.Subscription
	if order.PaymentType == billing.PaymentSubscription && evt.Subscription != nil && evt.Subscription.ID != "" {
		s, err := p.ensureSubscription(ctx, order, evt)
		if err != nil {
			return "", err
		}
		sub = &s
	}

	pay := billing.Payment{
		TransactionID: evt.TransactionID,
		InvoiceID:     evt.InvoiceID,
		Amount:        evt.Amount,
		Currency:      evt.Currency,
		Email:         evt.Email,
		PaidAt:        evt.PaidAt,
	}
	if sub != nil {
		pay.SubscriptionID = sub.ProviderSubscriptionID
		pay.SubscriptionNo = sub.SubscriptionNo
	}
	order, err = p.billing.MarkPaid(ctx, order.OrderNo, pay)
	if err != nil {
		return "", err
	}

	if order.CreditsAmount <= 0 {
		return OutcomeApplied, nil
	}
	scene := credits.ScenePurchase
	var periodEnd *time.Time
	if sub != nil {
		scene = credits.SceneSubscription
		periodEnd = sub.CurrentPeriodEnd
	}
	_, created, err := p.ledger.Grant(ctx, credits.GrantRequest{
		UserID:         order.UserID,
		Amount:         order.CreditsAmount,
		Scene:          scene,
		ExpiresAt:      credits.ExpiryFor(p.clock(), order.CreditsValidDays, periodEnd),
		IdempotencyKey: order.OrderNo,
		OrderNo:        order.OrderNo,
		SubscriptionNo: order.SubscriptionNo,
		Description:    firstNonEmpty(order.ProductName, order.ProductID),
	})
	if err != nil {
		return "", err
	}
	if !created {
		log.Warn("order grant already existed", "order_no", order.OrderNo)
	}
	return OutcomeApplied, nil
}

func (p *Processor) ensureSubscription(ctx context.Context, order billing.Order, evt payment.Event) (billing.Subscription, error) {
	info := evt.Subscription
	sub, created, err := p.billing.CreateSubscription(ctx, billing.Subscription{
		Provider:               order.Provider,
		ProviderSubscriptionID: info.ID,
		UserID:                 order.UserID,
		UserEmail:              firstNonEmpty(order.UserEmail, evt.Email),
		Status:                 billing.ParseSubscriptionStatus(info.Status),
		ProductID:              order.ProductID,
		ProductName:            order.ProductName,
		PlanName:               info.PlanID,
		Amount:                 order.Amount,
		Currency:               order.Currency,
		Interval:               firstNonEmpty(info.Interval, order.PaymentInterval),
		IntervalCount:          info.IntervalCount,
		CurrentPeriodStart:     info.PeriodStart,
		CurrentPeriodEnd:       info.PeriodEnd,
		CreditsAmount:          order.CreditsAmount,
		CreditsValidDays:       order.CreditsValidDays,
	})
	if err != nil {
		return billing.Subscription{}, err
	}
	if created {
		return sub, nil
	}
	// an update event got here first; keep the newer period
	return p.billing.SyncSubscription(ctx, sub.SubscriptionNo, billing.SubscriptionUpdate{
		PeriodStart: info.PeriodStart,
		PeriodEnd:   info.PeriodEnd,
	})
}

func (p *Processor) subscriptionPayment(ctx context.Context, evt payment.Event) (Outcome, error) {
	log := logger.From(ctx)
	info := evt.Subscription

	sub, ok, err := p.billing.LockSubscription(ctx, evt.Provider, info.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		// checkout success or a subscription update creates the row first
		log.Info("payment for unknown subscription", "provider_subscription_id", info.ID)
		return OutcomeIgnored, nil
	}

	cls, txID, err := p.classifyPayment(ctx, evt, sub)
	if err != nil {
		return "", err
	}
	switch cls {
	case classFirstCharge:
		log.Info("first subscription charge, settled by checkout", "subscription_no", sub.SubscriptionNo)
		return OutcomeIgnored, nil
	case classDuplicate:
		return OutcomeDuplicate, nil
	case classUnclassifiable:
		log.Warn("subscription payment without transaction id or period", "subscription_no", sub.SubscriptionNo)
		return OutcomeIgnored, nil
	}

	renewed, order, err := p.billing.RenewSubscription(ctx, sub.SubscriptionNo, billing.Renewal{
		TransactionID: txID,
		InvoiceID:     evt.InvoiceID,
		PeriodStart:   info.PeriodStart,
		PeriodEnd:     info.PeriodEnd,
		Amount:        evt.Amount,
		Currency:      evt.Currency,
		Email:         evt.Email,
		PaidAt:        evt.PaidAt,
	})
	switch {
	case errors.Is(err, billing.ErrDuplicateTransaction):
		return OutcomeDuplicate, nil
	case errors.Is(err, billing.ErrInvalidTransition):
		log.Warn("renewal for ended subscription", "subscription_no", sub.SubscriptionNo, "status", sub.Status)
		return OutcomeIgnored, nil
	case err != nil:
		return "", err
	}

	if renewed.CreditsAmount > 0 {
		_, _, err = p.ledger.Grant(ctx, credits.GrantRequest{
			UserID:         renewed.UserID,
			Amount:         renewed.CreditsAmount,
			Scene:          credits.SceneRenewal,
			ExpiresAt:      credits.ExpiryFor(p.clock(), renewed.CreditsValidDays, renewed.CurrentPeriodEnd),
			IdempotencyKey: renewed.SubscriptionNo + ":" + txID,
			OrderNo:        order.OrderNo,
			SubscriptionNo: renewed.SubscriptionNo,
			Description:    firstNonEmpty(renewed.ProductName, renewed.ProductID),
		})
		if err != nil {
			return "", err
		}
	}
	log.Info("subscription renewed", "subscription_no", renewed.SubscriptionNo, "order_no", order.OrderNo)
	return OutcomeApplied, nil
}

func (p *Processor) paymentFailed(ctx context.Context, evt payment.Event) (Outcome, error) {
	found := false
	out := OutcomeIgnored

	if evt.OrderNo != "" {
		order, ok, err := p.billing.LockOrder(ctx, evt.OrderNo)
		if err != nil {
			return "", err
		}
		if ok {
			found = true
			if !order.Status.IsTerminal() {
				if _, err := p.billing.MarkFailed(ctx, order.OrderNo, "payment failed"); err != nil {
					return "", err
				}
				out = OutcomeApplied
			}
		}
	}

	if evt.Subscription != nil && evt.Subscription.ID != "" {
		sub, ok, err := p.billing.LockSubscription(ctx, evt.Provider, evt.Subscription.ID)
		if err != nil {
			return "", err
		}
		if ok {
			found = true
			if !sub.Status.IsEnded() && sub.Status != billing.SubscriptionPastDue {
				if _, err := p.billing.MarkPastDue(ctx, sub.SubscriptionNo); err != nil {
					return "", err
				}
				out = OutcomeApplied
			}
		}
	}

	if !found {
		return "", fmt.Errorf("%w: failed payment %s", ErrUnknownOrderOrSubscription, evt.TransactionID)
	}
	return out, nil
}

func (p *Processor) subscriptionUpdated(ctx context.Context, evt payment.Event) (Outcome, error) {
	sub, err := p.lockSubscription(ctx, evt)
	if err != nil {
		return "", err
	}
	info := evt.Subscription
	_, err = p.billing.SyncSubscription(ctx, sub.SubscriptionNo, billing.SubscriptionUpdate{
		Status:           billing.ParseSubscriptionStatus(info.Status),
		PlanName:         info.PlanID,
		PeriodStart:      info.PeriodStart,
		PeriodEnd:        info.PeriodEnd,
		CanceledAt:       info.CanceledAt,
		CanceledEndAt:    info.CanceledEndAt,
		CancelReason:     info.CancelReason,
		CancelReasonType: info.CancelReasonType,
	})
	if err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (p *Processor) subscriptionCanceled(ctx context.Context, evt payment.Event) (Outcome, error) {
	sub, err := p.lockSubscription(ctx, evt)
	if err != nil {
		return "", err
	}
	info := evt.Subscription
	endAt := info.CanceledEndAt
	if endAt == nil {
		endAt = info.PeriodEnd
	}
	_, err = p.billing.CancelSubscription(ctx, sub.SubscriptionNo, billing.Cancellation{
		CanceledAt:    info.CanceledAt,
		CanceledEndAt: endAt,
		Reason:        info.CancelReason,
		ReasonType:    info.CancelReasonType,
	})
	if err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (p *Processor) failOrder(ctx context.Context, provider, orderNo, reason string) (Outcome, error) {
	order, err := p.lockOrder(ctx, provider, orderNo)
	if err != nil {
		return "", err
	}
	if order.Status.IsTerminal() {
		return OutcomeDuplicate, nil
	}
	if _, err := p.billing.MarkFailed(ctx, orderNo, reason); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (p *Processor) lockOrder(ctx context.Context, provider, orderNo string) (billing.Order, error) {
	order, ok, err := p.billing.LockOrder(ctx, orderNo)
	if err != nil {
		return billing.Order{}, err
	}
	if !ok || (provider != "" && order.Provider != provider) {
		return billing.Order{}, fmt.Errorf("%w: order %s", ErrUnknownOrderOrSubscription, orderNo)
	}
	return order, nil
}

func (p *Processor) lockSubscription(ctx context.Context, evt payment.Event) (billing.Subscription, error) {
	if evt.Subscription == nil || evt.Subscription.ID == "" {
		return billing.Subscription{}, fmt.Errorf("%w: event carries no subscription", ErrUnknownOrderOrSubscription)
	}
	sub, ok, err := p.billing.LockSubscription(ctx, evt.Provider, evt.Subscription.ID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if !ok {
		return billing.Subscription{}, fmt.Errorf("%w: subscription %s", ErrUnknownOrderOrSubscription, evt.Subscription.ID)
	}
	return sub, nil
}

// guardKey is the fast-path dedup key; empty for events that are safe to re-apply.
func guardKey(evt payment.Event) string {
	switch evt.Type {
	case payment.EventCheckoutSuccess, payment.EventPaymentSuccess:
	default:
		return ""
	}
	if evt.Subscription != nil && evt.Subscription.ID != "" && evt.Type == payment.EventPaymentSuccess {
		if evt.TransactionID != "" {
			return idempotency.PaymentKey(evt.Provider, evt.TransactionID)
		}
		if evt.Subscription.PeriodStart != nil {
			return idempotency.CycleKey(evt.Provider, evt.Subscription.ID, *evt.Subscription.PeriodStart)
		}
		return ""
	}
	if evt.OrderNo == "" || evt.Status != payment.StatusPaid {
		return ""
	}
	return idempotency.CheckoutKey(evt.Provider, evt.OrderNo)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
