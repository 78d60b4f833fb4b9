package httpapi

import (
	"net/http"
	"time"

	"credits-platform/internal/auth"
	"credits-platform/internal/credits"
	"credits-platform/internal/reporting"
	"credits-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

type adminGrantRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
	// ValidDays 0 grants credits that never expire.
	ValidDays      int    `json:"valid_days" validate:"gte=0"`
	Scene          string `json:"scene" validate:"omitempty,oneof=admin-grant gift reward"`
	Reason         string `json:"reason" validate:"required,max=255"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// AdminGrant credits a user by hand.
// RBAC: admin, finance or super_admin.
func (h Handlers) AdminGrant(c *gin.Context) {
	actorID, _ := auth.UserID(c.Request.Context())
	actorRole, _ := auth.Role(c.Request.Context())

	var req adminGrantRequest
	if !bindJSON(c, &req) {
		return
	}
	scene := credits.SceneAdminGrant
	if req.Scene != "" {
		scene = credits.Scene(req.Scene)
	}
	entry, created, err := h.Ledger.Grant(c.Request.Context(), credits.GrantRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Scene:          scene,
		ExpiresAt:      credits.ExpiryFor(time.Now(), req.ValidDays, nil),
		IdempotencyKey: "admin:" + req.IdempotencyKey,
		Description:    req.Reason,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if created {
		if err := h.Audit.LogAdminGrant(c.Request.Context(), req.UserID, actorID, actorRole, entry.ID, req.Reason); err != nil {
			logger.FromGin(c).Error("audit admin grant failed", "entry_id", entry.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "created": created})
}

// AdminVoidGrant removes an active grant from the user's balance.
func (h Handlers) AdminVoidGrant(c *gin.Context) {
	actorID, _ := auth.UserID(c.Request.Context())
	actorRole, _ := auth.Role(c.Request.Context())

	entry, err := h.Ledger.VoidGrant(c.Request.Context(), c.Param("entry_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.Audit.LogVoid(c.Request.Context(), entry.UserID, actorID, actorRole, entry.ID); err != nil {
		logger.FromGin(c).Error("audit void failed", "entry_id", entry.ID, "err", err)
	}
	c.JSON(http.StatusOK, entry)
}

func (h Handlers) AdminGetBalance(c *gin.Context) {
	userID := c.Param("user_id")
	bal, err := h.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": bal})
}

func (h Handlers) AdminCreditReport(c *gin.Context) {
	h.creditReport(c, c.Param("user_id"))
}

func (h Handlers) AdminAuditTrail(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	events, err := h.Audit.ListByUser(c.Request.Context(), c.Param("user_id"), q.Limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type revenueQuery struct {
	reporting.TimeRange
	Currency string `form:"currency"`
}

func (h Handlers) RevenueReport(c *gin.Context) {
	var q revenueQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	out, err := h.Reporting.Revenue(c.Request.Context(), reporting.RevenueRequest{Range: q.TimeRange, Currency: q.Currency})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Service role ---

// ServiceSignupBonus lets the signup flow grant welcome credits for a new user.
func (h Handlers) ServiceSignupBonus(c *gin.Context) {
	entry, created, err := h.Ledger.GrantSignupBonus(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": created, "entry": entry})
}

type serviceConsumeRequest struct {
	UserID string `json:"user_id" validate:"required"`
	consumeRequest
}

// ServiceConsume spends credits on behalf of a user, e.g. from a task runner.
func (h Handlers) ServiceConsume(c *gin.Context) {
	var req serviceConsumeRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Ledger.Consume(c.Request.Context(), credits.ConsumeRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Scene:          credits.Scene(req.Scene),
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
