package payment

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Provider is the provider-agnostic payment gateway used by checkout and the
// webhook endpoint.
//
// Rules:
// - No provider SDK calls outside payment adapters.
// - Adapters verify signatures and translate payloads into Event; they never
//   touch orders, subscriptions or credits.
type Provider interface {
	Name() string

	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)

	// ParseWebhook verifies and decodes one delivery. A nil Event with a nil
	// error means the delivery is authentic but not relevant.
	ParseWebhook(ctx context.Context, req WebhookRequest) (*Event, error)

	CancelSubscription(ctx context.Context, providerSubscriptionID string) (bool, error)
}

var (
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	ErrInvalidPayload   = errors.New("payment: invalid webhook payload")
	ErrUnknownProvider  = errors.New("payment: unknown provider")
	ErrCheckoutFailed   = errors.New("payment: checkout creation failed")
)

// MetadataOrderNo is the metadata key that carries our order number through
// the provider and back on webhooks.
const MetadataOrderNo = "order_no"

type CheckoutRequest struct {
	OrderNo     string
	UserID      string
	Email       string
	ProductID   string
	ProductName string
	// ProviderProductID is the provider-side product or price id, when the
	// provider needs one.
	ProviderProductID string

	// Amount is in minor units.
	Amount   int64
	Currency string

	Subscription  bool
	Interval      string
	IntervalCount int

	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

// WebhookRequest is the raw delivery; Body must be the exact bytes received.
type WebhookRequest struct {
	Header http.Header
	Body   []byte
}

type EventType string

const (
	EventCheckoutSuccess   EventType = "CHECKOUT_SUCCESS"
	EventPaymentSuccess    EventType = "PAYMENT_SUCCESS"
	EventPaymentFailed     EventType = "PAYMENT_FAILED"
	EventSubscribeUpdated  EventType = "SUBSCRIBE_UPDATED"
	EventSubscribeCanceled EventType = "SUBSCRIBE_CANCELED"
)

// Status is the payment status reported with a checkout or payment event.
type Status string

const (
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// CycleType tells a subscription's first charge from a renewal.
// Empty means the provider did not say.
type CycleType string

const (
	CycleCreate  CycleType = "create"
	CycleRenewal CycleType = "renewal"
)

// Event is the canonical form of one provider webhook.
type Event struct {
	ID           string
	Provider     string
	Type         EventType
	ProviderType string
	OccurredAt   time.Time

	// OrderNo comes from checkout metadata; empty for provider-initiated renewals.
	OrderNo string
	Status  Status

	SessionID     string
	TransactionID string
	InvoiceID     string
	Amount        int64
	Currency      string
	Email         string
	PaidAt        time.Time
	Cycle         CycleType

	Subscription *SubscriptionInfo
	Metadata     map[string]string
}

// SubscriptionInfo is the provider's view of a subscription.
type SubscriptionInfo struct {
	ID     string
	Status string

	ProductID     string
	PlanID        string
	Amount        int64
	Currency      string
	Interval      string
	IntervalCount int

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	CreatedAt   *time.Time

	CanceledAt       *time.Time
	CanceledEndAt    *time.Time
	CancelReason     string
	CancelReasonType string
}
