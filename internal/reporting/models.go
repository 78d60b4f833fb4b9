package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from" form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To   time.Time `json:"to" form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// CreditUsageRequest requests one user's credit movements.
// User isolation: UserID is required.
type CreditUsageRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type CreditUsage struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	Granted  int64 `json:"granted"`
	Consumed int64 `json:"consumed"`
	Net      int64 `json:"net"`

	// Balance is the usable balance now, not at Range.To.
	Balance int64 `json:"balance"`

	ByScene []SceneTotal `json:"by_scene"`
}

type SceneTotal struct {
	Scene    string `json:"scene"`
	Granted  int64  `json:"granted"`
	Consumed int64  `json:"consumed"`
}

// RevenueRequest aggregates settled orders across users.
type RevenueRequest struct {
	Range    TimeRange `json:"range"`
	Currency string    `json:"currency,omitempty"`
}

type RevenueReport struct {
	Range  TimeRange         `json:"range"`
	Totals []CurrencyRevenue `json:"totals"`
}

// CurrencyRevenue sums what providers actually charged in one currency.
type CurrencyRevenue struct {
	Currency string `json:"currency"`
	Orders   int    `json:"orders"`
	// AmountMinor is in minor units; Amount is the same value in major units.
	AmountMinor int64           `json:"amount_minor"`
	Amount      decimal.Decimal `json:"amount"`

	ByProvider map[string]decimal.Decimal `json:"by_provider"`
	ByType     map[string]decimal.Decimal `json:"by_type"`

	CreditsSold int64 `json:"credits_sold"`
}
