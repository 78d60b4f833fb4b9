package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"credits-platform/pkg/logger"
)

const (
	creemProductionURL = "https://api.creem.io"
	creemSandboxURL    = "https://test-api.creem.io"
	creemSignature     = "creem-signature"
)

// CreemProvider talks to the Creem REST API and verifies its webhooks.
type CreemProvider struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	http          *http.Client
}

func NewCreemProvider(apiKey, webhookSecret, environment string) *CreemProvider {
	base := creemSandboxURL
	if environment == "production" {
		base = creemProductionURL
	}
	return &CreemProvider{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		baseURL:       base,
		http:          &http.Client{Timeout: 15 * time.Second},
	}
}

// WithBaseURL points the client at another endpoint (tests, proxies).
func (p *CreemProvider) WithBaseURL(u string) *CreemProvider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

func (p *CreemProvider) Name() string { return "creem" }

type creemCheckoutRequest struct {
	ProductID  string            `json:"product_id"`
	RequestID  string            `json:"request_id"`
	Units      int               `json:"units"`
	Customer   *creemCustomer    `json:"customer,omitempty"`
	SuccessURL string            `json:"success_url,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

type creemCustomer struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

func (p *CreemProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if req.ProviderProductID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: creem needs a product id", ErrCheckoutFailed)
	}
	md := map[string]string{MetadataOrderNo: req.OrderNo}
	for k, v := range req.Metadata {
		md[k] = v
	}
	body := creemCheckoutRequest{
		ProductID:  req.ProviderProductID,
		RequestID:  req.OrderNo,
		Units:      1,
		SuccessURL: req.SuccessURL,
		Metadata:   md,
	}
	if req.Email != "" {
		body.Customer = &creemCustomer{Email: req.Email}
	}

	var resp struct {
		ID          string `json:"id"`
		CheckoutURL string `json:"checkout_url"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/checkouts", body, &resp); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: creem: %v", ErrCheckoutFailed, err)
	}
	if resp.ID == "" || resp.CheckoutURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: creem returned no checkout url", ErrCheckoutFailed)
	}
	return CheckoutSession{SessionID: resp.ID, CheckoutURL: resp.CheckoutURL}, nil
}

func (p *CreemProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) (bool, error) {
	if providerSubscriptionID == "" {
		return false, errors.New("payment: subscription id is required")
	}
	var resp struct {
		Status     string `json:"status"`
		CanceledAt string `json:"canceled_at"`
	}
	path := "/v1/subscriptions/" + providerSubscriptionID + "/cancel"
	if err := p.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return false, fmt.Errorf("creem cancel subscription: %w", err)
	}
	return resp.CanceledAt != "" || resp.Status == "canceled", nil
}

func (p *CreemProvider) do(ctx context.Context, method, path string, in, out any) error {
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("creem %s %s: status %d: %s", method, path, res.StatusCode, truncate(string(raw), 200))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (p *CreemProvider) verify(body []byte, sig string) bool {
	if p.webhookSecret == "" || sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(sig))))
}

type creemEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	CreatedAt int64           `json:"created_at"`
	Object    json.RawMessage `json:"object"`
}

type creemOrder struct {
	ID          string `json:"id"`
	Transaction string `json:"transaction"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	AmountPaid  int64  `json:"amount_paid"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type creemProduct struct {
	ID            string `json:"id"`
	Price         int64  `json:"price"`
	Currency      string `json:"currency"`
	BillingType   string `json:"billing_type"`
	BillingPeriod string `json:"billing_period"`
}

type creemSubscription struct {
	ID                     string            `json:"id"`
	Status                 string            `json:"status"`
	Product                json.RawMessage   `json:"product"`
	Customer               json.RawMessage   `json:"customer"`
	LastTransaction        *creemOrder       `json:"last_transaction"`
	CurrentPeriodStartDate string            `json:"current_period_start_date"`
	CurrentPeriodEndDate   string            `json:"current_period_end_date"`
	CanceledAt             string            `json:"canceled_at"`
	CreatedAt              string            `json:"created_at"`
	Metadata               map[string]string `json:"metadata"`
}

type creemCheckout struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	RequestID    string             `json:"request_id"`
	Order        *creemOrder        `json:"order"`
	Product      json.RawMessage    `json:"product"`
	Customer     json.RawMessage    `json:"customer"`
	Subscription *creemSubscription `json:"subscription"`
	Metadata     map[string]string  `json:"metadata"`
}

func (p *CreemProvider) ParseWebhook(ctx context.Context, req WebhookRequest) (*Event, error) {
	if len(req.Body) == 0 || !p.verify(req.Body, req.Header.Get(creemSignature)) {
		return nil, ErrInvalidSignature
	}
	var env creemEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	out := &Event{
		ID:           env.ID,
		Provider:     p.Name(),
		ProviderType: env.EventType,
		OccurredAt:   time.UnixMilli(env.CreatedAt).UTC(),
	}
	if env.CreatedAt == 0 {
		out.OccurredAt = time.Time{}
	}

	var err error
	switch env.EventType {
	case "checkout.completed":
		out.Type = EventCheckoutSuccess
		err = creemFromCheckout(env.Object, out)
	case "subscription.paid":
		out.Type = EventPaymentSuccess
		err = creemFromPaidSubscription(env.Object, out)
	case "subscription.update", "subscription.paused", "subscription.active":
		out.Type = EventSubscribeUpdated
		err = creemFromSubscription(env.Object, out)
	case "subscription.canceled":
		out.Type = EventSubscribeCanceled
		err = creemFromSubscription(env.Object, out)
	default:
		logger.From(ctx).Debug("creem webhook ignored", "event_type", env.EventType, "event_id", env.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func creemFromCheckout(raw json.RawMessage, out *Event) error {
	var c creemCheckout
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if c.Order == nil {
		return fmt.Errorf("%w: checkout without order", ErrInvalidPayload)
	}
	out.SessionID = c.ID
	out.Metadata = c.Metadata
	out.OrderNo = firstNonEmpty(c.Metadata[MetadataOrderNo], c.RequestID)
	applyCreemOrder(c.Order, out)
	out.Email = creemEmail(c.Customer)
	if c.Order.Status == "paid" {
		out.Status = StatusPaid
	} else {
		out.Status = StatusProcessing
	}
	if c.Subscription != nil && c.Subscription.ID != "" {
		out.Subscription = creemSubscriptionInfo(c.Subscription, c.Product)
	}
	return nil
}

func creemFromPaidSubscription(raw json.RawMessage, out *Event) error {
	var inv struct {
		creemSubscription
		Order        *creemOrder        `json:"order"`
		Subscription *creemSubscription `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	order := inv.Order
	if order == nil {
		order = inv.LastTransaction
	}
	sub := inv.Subscription
	if sub == nil {
		sub = &inv.creemSubscription
	}
	if order == nil || sub.ID == "" {
		return fmt.Errorf("%w: paid subscription without order", ErrInvalidPayload)
	}

	applyCreemOrder(order, out)
	out.Status = StatusPaid
	out.Email = creemEmail(sub.Customer)
	out.Metadata = sub.Metadata
	out.OrderNo = sub.Metadata[MetadataOrderNo]
	out.Subscription = creemSubscriptionInfo(sub, sub.Product)

	// creem has no billing reason; a charge right after creation is the first one
	start, created := isoPtr(sub.CurrentPeriodStartDate), isoPtr(sub.CreatedAt)
	if start != nil && created != nil && start.Sub(*created) < 5*time.Second {
		out.Cycle = CycleCreate
	} else {
		out.Cycle = CycleRenewal
	}
	return nil
}

func creemFromSubscription(raw json.RawMessage, out *Event) error {
	var sub creemSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription without id", ErrInvalidPayload)
	}
	out.Metadata = sub.Metadata
	out.OrderNo = sub.Metadata[MetadataOrderNo]
	out.Email = creemEmail(sub.Customer)
	out.Subscription = creemSubscriptionInfo(&sub, sub.Product)
	return nil
}

func applyCreemOrder(o *creemOrder, out *Event) {
	out.TransactionID = firstNonEmpty(o.Transaction, o.ID)
	out.Amount = o.AmountPaid
	if out.Amount == 0 {
		out.Amount = o.Amount
	}
	out.Currency = strings.ToUpper(o.Currency)
	if t := isoPtr(firstNonEmpty(o.UpdatedAt, o.CreatedAt)); t != nil {
		out.PaidAt = *t
	}
}

func creemSubscriptionInfo(s *creemSubscription, productRaw json.RawMessage) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:          s.ID,
		Status:      s.Status,
		PeriodStart: isoPtr(s.CurrentPeriodStartDate),
		PeriodEnd:   isoPtr(s.CurrentPeriodEndDate),
		CreatedAt:   isoPtr(s.CreatedAt),
		CanceledAt:  isoPtr(s.CanceledAt),
	}
	if s.Status == "scheduled_cancel" {
		info.Status = "active"
		info.CanceledEndAt = info.PeriodEnd
	}
	var id objectID
	if len(productRaw) > 0 && json.Unmarshal(productRaw, &id) == nil {
		info.ProductID = string(id)
	}
	var prod creemProduct
	if len(productRaw) > 0 && productRaw[0] == '{' && json.Unmarshal(productRaw, &prod) == nil {
		info.Amount = prod.Price
		info.Currency = strings.ToUpper(prod.Currency)
		info.Interval, info.IntervalCount = creemInterval(prod.BillingPeriod)
	}
	return info
}

func creemInterval(period string) (string, int) {
	switch period {
	case "every-month":
		return "month", 1
	case "every-three-months":
		return "month", 3
	case "every-six-months":
		return "month", 6
	case "every-year":
		return "year", 1
	default:
		return "once", 0
	}
}

func creemEmail(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var c creemCustomer
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.Email
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
