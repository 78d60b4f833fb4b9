package httpapi

import (
	"errors"
	"net/http"
	"time"

	"credits-platform/internal/audit"
	"credits-platform/internal/auth"
	"credits-platform/internal/billing"
	"credits-platform/internal/checkout"
	"credits-platform/internal/credits"
	"credits-platform/internal/payment"
	"credits-platform/internal/pricing"
	"credits-platform/internal/processor"
	"credits-platform/internal/reporting"
	"credits-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Ledger    *credits.Ledger
	Billing   *billing.Service
	Pricing   *pricing.Service
	Checkout  *checkout.Service
	Processor *processor.Processor
	Providers *payment.Registry
	Reporting *reporting.Service
	Audit     *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
	Role   string `json:"role" validate:"required"`
}

// Login issues a JWT token pair.
//
// NOTE: credentials are not checked; the identity provider sits in front of this service.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Email, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "email": auth.Email(c.Request.Context()), "role": role})
}

// --- Credits ---

func (h Handlers) GetBalance(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	bal, err := h.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": bal})
}

func (h Handlers) ListEntries(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var q credits.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	entries, err := h.Ledger.ListEntries(c.Request.Context(), userID, q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type consumeRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Scene          string `json:"scene" validate:"omitempty,max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
	Description    string `json:"description" validate:"omitempty,max=255"`
}

// Consume spends credits for the caller, soonest-expiring grants first.
func (h Handlers) Consume(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req consumeRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Ledger.Consume(c.Request.Context(), credits.ConsumeRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Scene:          credits.Scene(req.Scene),
		IdempotencyKey: userScopedKey(userID, req.IdempotencyKey),
		Description:    req.Description,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// userScopedKey keeps caller-chosen keys of different users apart.
func userScopedKey(userID, key string) string {
	if key == "" {
		return ""
	}
	return "user:" + userID + ":" + key
}

// ClaimSignupBonus grants the welcome credits once; later calls are no-ops.
func (h Handlers) ClaimSignupBonus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	entry, created, err := h.Ledger.GrantSignupBonus(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if entry.ID == "" {
		c.JSON(http.StatusOK, gin.H{"granted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": created, "entry": entry})
}

// --- Reports ---

func (h Handlers) CreditReport(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	h.creditReport(c, userID)
}

func (h Handlers) creditReport(c *gin.Context, userID string) {
	var r reporting.TimeRange
	if err := c.ShouldBindQuery(&r); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	out, err := h.Reporting.CreditUsage(c.Request.Context(), reporting.CreditUsageRequest{UserID: userID, Range: r})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func currentUser(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return userID, true
}

// abortWithError maps service errors to HTTP statuses.
func abortWithError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		status, msg = http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, credits.ErrTooFragmented):
		status, msg = http.StatusConflict, "balance too fragmented, retry with a smaller amount"
	case errors.Is(err, credits.ErrNotFound),
		errors.Is(err, billing.ErrOrderNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, pricing.ErrProductNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, credits.ErrNotVoidable),
		errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, checkout.ErrSubscriptionEnded):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, checkout.ErrNotSubscriptionOwner):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, credits.ErrInvalidArgument),
		errors.Is(err, billing.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, pricing.ErrPriceNotFound),
		errors.Is(err, pricing.ErrProviderNotAllowed),
		errors.Is(err, pricing.ErrInvalidQuoteRequest),
		errors.Is(err, payment.ErrUnknownProvider):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, payment.ErrCheckoutFailed),
		errors.Is(err, checkout.ErrCancelRejected):
		status, msg = http.StatusBadGateway, "payment provider error"
	}
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
