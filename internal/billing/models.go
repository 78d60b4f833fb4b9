package billing

import "time"

// Order is one purchase attempt. order_no never changes once issued.
//
// Invariants:
// - an order reaches PAID at most once; that transition yields exactly one grant
// - transaction_id is set only on PAID orders and is unique per provider
// - paid, failed and checkout_failed are terminal
type Order struct {
	OrderNo   string `json:"order_no" db:"order_no"`
	UserID    string `json:"user_id" db:"user_id"`
	UserEmail string `json:"user_email,omitempty" db:"user_email"`

	Status OrderStatus `json:"status" db:"status"`

	// Amount is the catalog price in minor units.
	Amount      int64       `json:"amount" db:"amount"`
	Currency    string      `json:"currency" db:"currency"`
	ProductID   string      `json:"product_id" db:"product_id"`
	ProductName string      `json:"product_name,omitempty" db:"product_name"`
	PaymentType PaymentType `json:"payment_type" db:"payment_type"`
	// PaymentInterval is month/year for subscription products.
	PaymentInterval string `json:"payment_interval,omitempty" db:"payment_interval"`

	Provider         string `json:"provider" db:"provider"`
	PaymentSessionID string `json:"payment_session_id,omitempty" db:"payment_session_id"`
	CheckoutURL      string `json:"checkout_url,omitempty" db:"checkout_url"`
	TransactionID    string `json:"transaction_id,omitempty" db:"transaction_id"`
	SubscriptionID   string `json:"subscription_id,omitempty" db:"subscription_id"`
	SubscriptionNo   string `json:"subscription_no,omitempty" db:"subscription_no"`

	CreditsAmount    int64 `json:"credits_amount" db:"credits_amount"`
	CreditsValidDays int   `json:"credits_valid_days" db:"credits_valid_days"`

	// What the provider actually charged; may differ from Amount after discounts.
	PaymentAmount   int64  `json:"payment_amount,omitempty" db:"payment_amount"`
	PaymentCurrency string `json:"payment_currency,omitempty" db:"payment_currency"`
	PaymentEmail    string `json:"payment_email,omitempty" db:"payment_email"`
	InvoiceID       string `json:"invoice_id,omitempty" db:"invoice_id"`
	FailureReason   string `json:"failure_reason,omitempty" db:"failure_reason"`

	PaidAt    *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderCreated        OrderStatus = "created"
	OrderPaid           OrderStatus = "paid"
	OrderFailed         OrderStatus = "failed"
	OrderCheckoutFailed OrderStatus = "checkout_failed"
)

type PaymentType string

const (
	PaymentOneTime      PaymentType = "one-time"
	PaymentSubscription PaymentType = "subscription"
	PaymentRenew        PaymentType = "renew"
)

// Subscription mirrors a provider subscription. Each successful billing
// cycle yields exactly one grant referencing SubscriptionNo.
type Subscription struct {
	SubscriptionNo         string `json:"subscription_no" db:"subscription_no"`
	Provider               string `json:"provider" db:"provider"`
	ProviderSubscriptionID string `json:"provider_subscription_id" db:"provider_subscription_id"`
	UserID                 string `json:"user_id" db:"user_id"`
	UserEmail              string `json:"user_email,omitempty" db:"user_email"`

	Status SubscriptionStatus `json:"status" db:"status"`

	ProductID     string `json:"product_id" db:"product_id"`
	ProductName   string `json:"product_name,omitempty" db:"product_name"`
	PlanName      string `json:"plan_name,omitempty" db:"plan_name"`
	Amount        int64  `json:"amount" db:"amount"`
	Currency      string `json:"currency" db:"currency"`
	Interval      string `json:"interval" db:"billing_interval"`
	IntervalCount int    `json:"interval_count" db:"interval_count"`

	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty" db:"current_period_end"`

	CreditsAmount    int64 `json:"credits_amount" db:"credits_amount"`
	CreditsValidDays int   `json:"credits_valid_days" db:"credits_valid_days"`

	CanceledAt       *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	CanceledEndAt    *time.Time `json:"canceled_end_at,omitempty" db:"canceled_end_at"`
	CancelReason     string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CancelReasonType string     `json:"cancel_reason_type,omitempty" db:"cancel_reason_type"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type SubscriptionStatus string

const (
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// ParseSubscriptionStatus maps provider status strings onto ours.
// Unknown values map to active.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch s {
	case "trialing":
		return SubscriptionTrialing
	case "paused":
		return SubscriptionPaused
	case "past_due", "unpaid":
		return SubscriptionPastDue
	case "canceled", "cancelled":
		return SubscriptionCanceled
	case "expired", "incomplete_expired":
		return SubscriptionExpired
	default:
		return SubscriptionActive
	}
}
