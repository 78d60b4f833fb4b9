package pricing

// Catalog models. Amounts are expressed in minor units (e.g., cents) using int64.

// Product is one purchasable credit pack or subscription plan.
type Product struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	Type ProductType `json:"type" yaml:"type"`

	// Interval is month or year for subscriptions; IntervalCount defaults to 1.
	Interval      string `json:"interval,omitempty" yaml:"interval"`
	IntervalCount int    `json:"interval_count,omitempty" yaml:"interval_count"`

	// Credits granted per purchase or per billing cycle.
	Credits int64 `json:"credits" yaml:"credits"`
	// ValidDays <= 0 means the credits never expire.
	ValidDays int `json:"valid_days" yaml:"valid_days"`

	Prices []Price `json:"prices" yaml:"prices"`

	// Providers restricts which payment providers may sell this product.
	// Empty means any configured provider.
	Providers []string `json:"providers,omitempty" yaml:"providers"`

	// ProviderProductIDs maps provider key to its product/price id.
	ProviderProductIDs map[string]string `json:"-" yaml:"provider_product_ids"`

	Status Status `json:"status" yaml:"status"`
}

type Price struct {
	Currency string `json:"currency" yaml:"currency"`
	Amount   int64  `json:"amount" yaml:"amount"`
}

type ProductType string

const (
	ProductOneTime      ProductType = "one-time"
	ProductSubscription ProductType = "subscription"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (p Product) IsSubscription() bool { return p.Type == ProductSubscription }
