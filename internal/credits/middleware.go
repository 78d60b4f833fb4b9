package credits

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"credits-platform/internal/auth"
	"credits-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

const headerCreditCost = "X-Credit-Cost"

// BalanceService is the minimal ledger interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
}

// RequireCredits blocks the request when the caller's balance is below the
// cost of the action. The gate is advisory: the billed handler still calls
// Consume, which is authoritative under concurrency.
//
// The cost comes from the X-Credit-Cost header, falling back to fixedCost
// when the header is absent. super_admin and the hidden service role bypass.
func RequireCredits(svc BalanceService, fixedCost int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsSuperAdmin(role) || role == rbac.RoleService {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		cost := fixedCost
		if raw := strings.TrimSpace(c.GetHeader(headerCreditCost)); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "credit cost invalid"})
				return
			}
			cost = n
		}
		if cost <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "credit cost required"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal < cost {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits", "balance": bal, "required": cost})
			return
		}

		c.Set("credit_cost", cost)
		c.Next()
	}
}
