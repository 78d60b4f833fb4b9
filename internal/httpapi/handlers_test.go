package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"credits-platform/internal/audit"
	"credits-platform/internal/auth"
	"credits-platform/internal/billing"
	"credits-platform/internal/checkout"
	"credits-platform/internal/config"
	"credits-platform/internal/credits"
	"credits-platform/internal/idempotency"
	"credits-platform/internal/payment"
	"credits-platform/internal/pricing"
	"credits-platform/internal/processor"
	"credits-platform/internal/reporting"
	"credits-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider accepts deliveries carrying X-Test-Signature: ok and returns next.
type stubProvider struct {
	next *payment.Event
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	return payment.CheckoutSession{SessionID: "sess_" + req.OrderNo, CheckoutURL: "https://pay.example/" + req.OrderNo}, nil
}

func (s *stubProvider) ParseWebhook(_ context.Context, req payment.WebhookRequest) (*payment.Event, error) {
	if req.Header.Get("X-Test-Signature") != "ok" {
		return nil, payment.ErrInvalidSignature
	}
	if len(req.Body) == 0 {
		return nil, payment.ErrInvalidPayload
	}
	return s.next, nil
}

func (s *stubProvider) CancelSubscription(context.Context, string) (bool, error) { return true, nil }

type testAPI struct {
	router   *gin.Engine
	h        Handlers
	provider *stubProvider
	audit    *audit.MemoryRepo
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tx := utils.NewLocalTransactor()
	ledger := credits.NewLedger(credits.NewMemoryRepo(), tx, config.CreditsConfig{})
	bill := billing.NewService(billing.NewMemoryRepo(), tx)
	guard, err := idempotency.NewGuard(idempotency.NewMemoryStore(time.Hour, time.Minute), 16)
	require.NoError(t, err)

	catalog, err := pricing.NewCatalog(pricing.Product{
		ID: "credits-100", Name: "100 credits", Credits: 100, ValidDays: 30,
		Prices: []pricing.Price{{Currency: "USD", Amount: 990}},
	})
	require.NoError(t, err)
	prices := pricing.NewService(catalog, []string{"stub"}, "stub")

	stub := &stubProvider{}
	reg := payment.NewRegistry()
	reg.Register(stub, true)

	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)

	api := &testAPI{provider: stub, audit: auditRepo}
	api.h = Handlers{
		Ledger:    ledger,
		Billing:   bill,
		Pricing:   prices,
		Checkout:  checkout.NewService(prices, bill, reg, auditSvc, checkout.Options{SuccessURL: "https://app/ok"}),
		Processor: processor.New(bill, ledger, guard, tx),
		Providers: reg,
		Reporting: reporting.NewService(ledger, bill),
		Audit:     auditSvc,
	}

	r := gin.New()
	r.Use(ClientIP())
	r.POST("/webhooks/payment/:provider", api.h.PaymentWebhook)

	// identity comes from test headers instead of a token
	v1 := r.Group("/v1", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), c.GetHeader("X-User"), "", c.GetHeader("X-Role"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	v1.GET("/credits/balance", api.h.GetBalance)
	v1.GET("/credits/entries", api.h.ListEntries)
	v1.POST("/credits/consume", api.h.Consume)
	v1.POST("/checkout", api.h.CreateCheckout)
	v1.GET("/orders/:order_no", api.h.GetOrder)
	v1.POST("/admin/credits/grant", api.h.AdminGrant)
	v1.POST("/admin/credits/:entry_id/void", api.h.AdminVoidGrant)
	v1.GET("/admin/users/:user_id/audit", api.h.AdminAuditTrail)
	v1.POST("/internal/credits/consume", api.h.ServiceConsume)
	api.router = r
	return api
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	req.Header.Set("X-Role", "admin")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) webhook(t *testing.T, provider, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/"+provider, bytes.NewBufferString(`{"id":"evt"}`))
	req.Header.Set("X-Test-Signature", signature)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestConsume_InsufficientThenGranted(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/credits/consume", "u1", gin.H{"amount": 10})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", gin.H{
		"user_id": "u1", "amount": 50, "reason": "support", "idempotency_key": "ticket-9",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/v1/credits/consume", "u1", gin.H{"amount": 10, "scene": "ai-task"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 40, decode(t, w)["balance"])

	w = api.do(t, http.MethodGet, "/v1/credits/balance", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 40, decode(t, w)["balance"])
}

func TestConsume_IdempotencyKeysArePerUser(t *testing.T) {
	api := newTestAPI(t)
	for i, user := range []string{"u1", "u2"} {
		w := api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", gin.H{
			"user_id": user, "amount": 10, "reason": "support", "idempotency_key": "seed-" + user,
		})
		require.Equal(t, http.StatusOK, w.Code, "grant %d: %s", i, w.Body.String())
	}

	for _, user := range []string{"u1", "u2"} {
		w := api.do(t, http.MethodPost, "/v1/credits/consume", user, gin.H{"amount": 4, "idempotency_key": "task-1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, false, body["replayed"], user)
		assert.EqualValues(t, 6, body["balance"], user)
	}

	w := api.do(t, http.MethodPost, "/v1/credits/consume", "u2", gin.H{"amount": 4, "idempotency_key": "task-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["replayed"])
	assert.EqualValues(t, 6, decode(t, w)["balance"])
}

func TestAdminGrant_KeyReusedForAnotherUser(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", gin.H{
		"user_id": "alice", "amount": 10, "reason": "support", "idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", gin.H{
		"user_id": "bob", "amount": 50, "reason": "support", "idempotency_key": "k1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/v1/credits/balance", "alice", nil)
	assert.EqualValues(t, 10, decode(t, w)["balance"])
	w = api.do(t, http.MethodGet, "/v1/credits/balance", "bob", nil)
	assert.EqualValues(t, 0, decode(t, w)["balance"])
}

func TestConsume_ValidationErrors(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/credits/consume", "u1", gin.H{"amount": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "validation failed", body["error"])
	assert.NotEmpty(t, body["fields"])

	w = api.do(t, http.MethodPost, "/v1/credits/consume", "", gin.H{"amount": 5})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminGrant_ReplayAuditsOnce(t *testing.T) {
	api := newTestAPI(t)
	req := gin.H{"user_id": "u1", "amount": 5, "reason": "goodwill", "idempotency_key": "k1"}

	w := api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["created"])

	w = api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["created"])

	evs := api.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeAdminGrant, evs[0].Type)
	assert.Equal(t, "admin-1", evs[0].ActorUserID)
	assert.NotEmpty(t, evs[0].IPAddress)
}

func TestAdminVoid(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", gin.H{
		"user_id": "u1", "amount": 5, "reason": "goodwill", "idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	entryID := decode(t, w)["entry"].(map[string]any)["id"].(string)

	w = api.do(t, http.MethodPost, "/v1/admin/credits/"+entryID+"/void", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/v1/admin/credits/"+entryID+"/void", "admin-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/v1/admin/credits/missing/void", "admin-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/v1/credits/balance", "u1", nil)
	assert.EqualValues(t, 0, decode(t, w)["balance"])

	w = api.do(t, http.MethodGet, "/v1/admin/users/u1/audit?limit=10", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	events := decode(t, w)["events"].([]any)
	require.Len(t, events, 2)
	var types []string
	for _, e := range events {
		types = append(types, e.(map[string]any)["type"].(string))
	}
	assert.ElementsMatch(t, []string{string(audit.EventTypeAdminGrant), string(audit.EventTypeGrantVoided)}, types)
}

func TestCheckoutAndWebhook_GrantsOnce(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/checkout", "u1", gin.H{"product_id": "credits-100", "currency": "USD"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	orderNo := decode(t, w)["order_no"].(string)

	// another user cannot read the order
	w = api.do(t, http.MethodGet, "/v1/orders/"+orderNo, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	api.provider.next = &payment.Event{
		ID: "evt_1", Provider: "stub", Type: payment.EventCheckoutSuccess,
		OrderNo: orderNo, Status: payment.StatusPaid, TransactionID: "tx_1",
		Amount: 990, Currency: "USD",
	}
	w = api.webhook(t, "stub", "ok")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(processor.OutcomeApplied), decode(t, w)["outcome"])

	w = api.webhook(t, "stub", "ok")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(processor.OutcomeDuplicate), decode(t, w)["outcome"])

	w = api.do(t, http.MethodGet, "/v1/credits/balance", "u1", nil)
	assert.EqualValues(t, 100, decode(t, w)["balance"])

	w = api.do(t, http.MethodGet, "/v1/orders/"+orderNo, "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(billing.OrderPaid), decode(t, w)["status"])
}

func TestWebhook_StatusCodes(t *testing.T) {
	api := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, api.webhook(t, "nope", "ok").Code)
	assert.Equal(t, http.StatusBadRequest, api.webhook(t, "stub", "bad").Code)

	api.provider.next = nil
	w := api.webhook(t, "stub", "ok")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(processor.OutcomeIgnored), decode(t, w)["outcome"])

	api.provider.next = &payment.Event{
		ID: "evt_2", Provider: "stub", Type: payment.EventCheckoutSuccess,
		OrderNo: "missing", Status: payment.StatusPaid,
	}
	assert.Equal(t, http.StatusNotFound, api.webhook(t, "stub", "ok").Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RateLimit(NewRateLimiter(0.001, 1, time.Minute)), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServiceConsume_NamesTheUser(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/v1/admin/credits/grant", "admin-1", gin.H{
		"user_id": "u7", "amount": 20, "reason": "trial", "idempotency_key": "k7",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodPost, "/v1/internal/credits/consume", "svc", gin.H{"amount": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/v1/internal/credits/consume", "svc", gin.H{
		"user_id": "u7", "amount": 5, "idempotency_key": "task-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 15, decode(t, w)["balance"])

	// replay with the same key does not charge twice
	w = api.do(t, http.MethodPost, "/v1/internal/credits/consume", "svc", gin.H{
		"user_id": "u7", "amount": 5, "idempotency_key": "task-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["replayed"])
}
