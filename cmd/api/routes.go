package main

import (
	"credits-platform/internal/credits"
	"credits-platform/internal/httpapi"
	"credits-platform/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, webhookLimiter *httpapi.RateLimiter) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/v1/products", h.ListProducts)
	r.POST("/v1/auth/login", h.Login)
	r.POST("/v1/auth/refresh", h.Refresh)

	// Provider webhooks are authenticated by signature, not by token.
	r.POST("/webhooks/payment/:provider", httpapi.RateLimit(webhookLimiter), h.PaymentWebhook)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireUser())
	{
		v1.GET("/me", h.Me)

		cr := v1.Group("/credits")
		{
			cr.GET("/balance", h.GetBalance)
			cr.GET("/entries", h.ListEntries)
			// Rejects empty balances early; X-Credit-Cost raises the bar.
			// Consume stays authoritative.
			cr.POST("/consume", credits.RequireCredits(h.Ledger, 1), h.Consume)
			cr.POST("/signup-bonus", h.ClaimSignupBonus)
		}

		v1.POST("/checkout", h.CreateCheckout)
		v1.GET("/orders", h.ListOrders)
		v1.GET("/orders/:order_no", h.GetOrder)
		v1.GET("/subscriptions", h.ListSubscriptions)
		v1.POST("/subscriptions/:subscription_no/cancel", h.CancelSubscription)
		v1.GET("/reports/credits", h.CreditReport)

		// ADMIN routes
		// The hidden service role is NOT included unless explicitly desired.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleFinance, rbac.RoleSuperAdmin))
		{
			admin.POST("/credits/grant", h.AdminGrant)
			admin.POST("/credits/:entry_id/void", h.AdminVoidGrant)
			admin.GET("/users/:user_id/balance", h.AdminGetBalance)
			admin.GET("/users/:user_id/reports/credits", h.AdminCreditReport)
			admin.GET("/users/:user_id/audit", h.AdminAuditTrail)
			admin.GET("/reports/revenue", h.RevenueReport)
		}

		// Calls from other backends; only the hidden service role.
		internal := v1.Group("/internal")
		internal.Use(rbac.RequireAnyRole(rbac.RoleService))
		{
			internal.POST("/users/:user_id/signup-bonus", h.ServiceSignupBonus)
			internal.POST("/credits/consume", h.ServiceConsume)
		}
	}
}
