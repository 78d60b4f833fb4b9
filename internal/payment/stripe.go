package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"credits-platform/pkg/logger"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// stripeAPI is the slice of the Stripe API the adapter calls.
type stripeAPI interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	// GetSubscription returns the raw subscription JSON.
	GetSubscription(ctx context.Context, id string) ([]byte, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type stripeClient struct {
	sc *client.API
}

func (c stripeClient) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.sc.CheckoutSessions.New(params)
}

func (c stripeClient) GetSubscription(ctx context.Context, id string) ([]byte, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.sc.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}
	if sub.LastResponse == nil {
		return json.Marshal(sub)
	}
	return sub.LastResponse.RawJSON, nil
}

func (c stripeClient) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	return c.sc.Subscriptions.Cancel(id, params)
}

// StripeProvider adapts Stripe Checkout, invoices and subscriptions.
type StripeProvider struct {
	api           stripeAPI
	webhookSecret string
}

func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	return &StripeProvider{api: stripeClient{sc: client.New(secretKey, nil)}, webhookSecret: webhookSecret}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if req.OrderNo == "" || req.Currency == "" {
		return CheckoutSession{}, fmt.Errorf("%w: order_no and currency are required", ErrCheckoutFailed)
	}

	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if req.ProviderProductID != "" {
		item.Price = stripe.String(req.ProviderProductID)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(req.Currency)),
			UnitAmount: stripe.Int64(req.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(firstNonEmpty(req.ProductName, req.ProductID)),
			},
		}
		if req.Subscription {
			count := int64(req.IntervalCount)
			if count <= 0 {
				count = 1
			}
			item.PriceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval:      stripe.String(req.Interval),
				IntervalCount: stripe.Int64(count),
			}
		}
	}

	md := map[string]string{MetadataOrderNo: req.OrderNo}
	for k, v := range req.Metadata {
		md[k] = v
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderNo),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{item},
	}
	params.Context = ctx
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	if req.Subscription {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		// renewal invoices carry subscription metadata, not session metadata
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: md}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: md}
		params.InvoiceCreation = &stripe.CheckoutSessionInvoiceCreationParams{Enabled: stripe.Bool(true)}
	}

	sess, err := p.api.NewCheckoutSession(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: stripe: %v", ErrCheckoutFailed, err)
	}
	if sess.ID == "" || sess.URL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: stripe returned no session url", ErrCheckoutFailed)
	}
	return CheckoutSession{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) (bool, error) {
	if providerSubscriptionID == "" {
		return false, errors.New("payment: subscription id is required")
	}
	sub, err := p.api.CancelSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("stripe cancel subscription: %w", err)
	}
	return sub.CanceledAt > 0 || sub.Status == stripe.SubscriptionStatusCanceled, nil
}

func (p *StripeProvider) ParseWebhook(ctx context.Context, req WebhookRequest) (*Event, error) {
	sig := req.Header.Get("Stripe-Signature")
	if len(req.Body) == 0 || sig == "" {
		return nil, ErrInvalidSignature
	}
	evt, err := webhook.ConstructEventWithOptions(req.Body, sig, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if evt.Data == nil {
		return nil, ErrInvalidPayload
	}

	out := &Event{
		ID:           evt.ID,
		Provider:     p.Name(),
		ProviderType: string(evt.Type),
		OccurredAt:   time.Unix(evt.Created, 0).UTC(),
	}
	raw := evt.Data.Raw

	switch string(evt.Type) {
	case "checkout.session.completed":
		out.Type = EventCheckoutSuccess
		err = p.fromCheckoutSession(ctx, raw, out)
	case "invoice.payment_succeeded":
		out.Type = EventPaymentSuccess
		err = p.fromInvoice(raw, out)
	case "invoice.payment_failed":
		out.Type = EventPaymentFailed
		err = p.fromInvoice(raw, out)
		out.Status = StatusFailed
	case "customer.subscription.updated":
		out.Type = EventSubscribeUpdated
		err = p.fromSubscription(raw, out)
	case "customer.subscription.deleted":
		out.Type = EventSubscribeCanceled
		err = p.fromSubscription(raw, out)
	default:
		logger.From(ctx).Debug("stripe webhook ignored", "event_type", evt.Type, "event_id", evt.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stripeSessionPayload struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Subscription      objectID          `json:"subscription"`
	Invoice           objectID          `json:"invoice"`
	ClientReferenceID string            `json:"client_reference_id"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoicePayload struct {
	ID            string            `json:"id"`
	BillingReason string            `json:"billing_reason"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customer_email"`
	Created       int64             `json:"created"`
	Subscription  objectID          `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	Lines         struct {
		Data []struct {
			Subscription objectID `json:"subscription"`
			Period       struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

type stripeSubscriptionPayload struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	Created             int64  `json:"created"`
	CancelAt            int64  `json:"cancel_at"`
	CanceledAt          int64  `json:"canceled_at"`
	CurrentPeriodStart  int64  `json:"current_period_start"`
	CurrentPeriodEnd    int64  `json:"current_period_end"`
	CancellationDetails *struct {
		Comment  string `json:"comment"`
		Feedback string `json:"feedback"`
	} `json:"cancellation_details"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID         string   `json:"id"`
				Product    objectID `json:"product"`
				UnitAmount int64    `json:"unit_amount"`
				Currency   string   `json:"currency"`
				Recurring  *struct {
					Interval      string `json:"interval"`
					IntervalCount int    `json:"interval_count"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (p *StripeProvider) fromCheckoutSession(ctx context.Context, raw []byte, out *Event) error {
	var s stripeSessionPayload
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out.SessionID = s.ID
	out.TransactionID = s.ID
	out.InvoiceID = string(s.Invoice)
	out.Amount = s.AmountTotal
	out.Currency = strings.ToUpper(s.Currency)
	out.Email = s.CustomerEmail
	if out.Email == "" && s.CustomerDetails != nil {
		out.Email = s.CustomerDetails.Email
	}
	out.PaidAt = time.Unix(s.Created, 0).UTC()
	out.Metadata = s.Metadata
	out.OrderNo = firstNonEmpty(s.Metadata[MetadataOrderNo], s.ClientReferenceID)
	out.Status = stripeSessionStatus(s.Status, s.PaymentStatus)

	if s.Subscription != "" {
		rawSub, err := p.api.GetSubscription(ctx, string(s.Subscription))
		if err != nil {
			return fmt.Errorf("stripe get subscription %s: %w", s.Subscription, err)
		}
		info, _, err := decodeStripeSubscription(rawSub)
		if err != nil {
			return err
		}
		out.Subscription = info
	}
	return nil
}

func (p *StripeProvider) fromInvoice(raw []byte, out *Event) error {
	var inv stripeInvoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out.TransactionID = inv.ID
	out.InvoiceID = inv.ID
	out.Amount = inv.AmountPaid
	if out.Amount == 0 {
		out.Amount = inv.AmountDue
	}
	out.Currency = strings.ToUpper(inv.Currency)
	out.Email = inv.CustomerEmail
	out.PaidAt = time.Unix(inv.Created, 0).UTC()
	out.Status = StatusPaid

	switch inv.BillingReason {
	case "subscription_create":
		out.Cycle = CycleCreate
	case "subscription_cycle":
		out.Cycle = CycleRenewal
	}

	md := map[string]string{}
	if inv.SubscriptionDetails != nil {
		mergeMetadata(md, inv.SubscriptionDetails.Metadata)
	}
	subID := string(inv.Subscription)
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if subID == "" {
			subID = string(line.Subscription)
		}
		mergeMetadata(md, line.Metadata)
		if subID != "" {
			out.Subscription = &SubscriptionInfo{
				ID:          subID,
				PeriodStart: unixPtr(line.Period.Start),
				PeriodEnd:   unixPtr(line.Period.End),
			}
		}
	}
	mergeMetadata(md, inv.Metadata)
	if subID != "" && out.Subscription == nil {
		out.Subscription = &SubscriptionInfo{ID: subID}
	}
	out.Metadata = md
	out.OrderNo = md[MetadataOrderNo]
	return nil
}

func (p *StripeProvider) fromSubscription(raw []byte, out *Event) error {
	info, md, err := decodeStripeSubscription(raw)
	if err != nil {
		return err
	}
	out.Subscription = info
	out.Metadata = md
	out.OrderNo = md[MetadataOrderNo]
	return nil
}

func decodeStripeSubscription(raw []byte) (*SubscriptionInfo, map[string]string, error) {
	var s stripeSubscriptionPayload
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if s.ID == "" {
		return nil, nil, fmt.Errorf("%w: subscription without id", ErrInvalidPayload)
	}
	info := &SubscriptionInfo{
		ID:          s.ID,
		Status:      s.Status,
		PeriodStart: unixPtr(s.CurrentPeriodStart),
		PeriodEnd:   unixPtr(s.CurrentPeriodEnd),
		CreatedAt:   unixPtr(s.Created),
	}
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		info.ProductID = string(item.Price.Product)
		info.PlanID = item.Price.ID
		info.Amount = item.Price.UnitAmount
		info.Currency = strings.ToUpper(item.Price.Currency)
		if item.Price.Recurring != nil {
			info.Interval = item.Price.Recurring.Interval
			info.IntervalCount = item.Price.Recurring.IntervalCount
		}
		// newer API versions moved the period onto items
		if info.PeriodStart == nil {
			info.PeriodStart = unixPtr(item.CurrentPeriodStart)
		}
		if info.PeriodEnd == nil {
			info.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
		}
	}
	if s.CancelAt > 0 || s.CanceledAt > 0 || s.Status == "canceled" {
		info.CanceledAt = unixPtr(s.CanceledAt)
		info.CanceledEndAt = unixPtr(s.CancelAt)
		if s.CancellationDetails != nil {
			info.CancelReason = s.CancellationDetails.Comment
			info.CancelReasonType = s.CancellationDetails.Feedback
		}
	}
	return info, s.Metadata, nil
}

func stripeSessionStatus(status, paymentStatus string) Status {
	switch status {
	case "complete":
		if paymentStatus == "paid" || paymentStatus == "no_payment_required" {
			return StatusPaid
		}
		return StatusProcessing
	case "expired":
		return StatusCanceled
	default:
		return StatusProcessing
	}
}

func mergeMetadata(dst, src map[string]string) {
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
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
