package httpapi

import (
	"net/http"

	"credits-platform/internal/auth"
	"credits-platform/internal/billing"
	"credits-platform/internal/checkout"

	"github.com/gin-gonic/gin"
)

func (h Handlers) ListProducts(c *gin.Context) {
	products, err := h.Pricing.ListProducts(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// CreateCheckout opens a provider checkout for the caller. Credits are
// granted later, when the provider's webhook confirms payment.
func (h Handlers) CreateCheckout(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req checkout.Request
	if !bindJSON(c, &req) {
		return
	}
	req.UserID = userID
	if req.UserEmail == "" {
		req.UserEmail = auth.Email(c.Request.Context())
	}
	res, err := h.Checkout.Create(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) ListOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var q billing.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	orders, err := h.Billing.ListOrders(c.Request.Context(), userID, q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h Handlers) GetOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	o, found, err := h.Billing.GetOrder(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	// other users' orders are reported as missing
	if !found || o.UserID != userID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h Handlers) ListSubscriptions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	subs, err := h.Billing.ListSubscriptions(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h Handlers) CancelSubscription(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sub, err := h.Checkout.CancelSubscription(c.Request.Context(), userID, c.Param("subscription_no"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
