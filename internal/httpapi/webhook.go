package httpapi

import (
	"errors"
	"io"
	"net/http"

	"credits-platform/internal/idempotency"
	"credits-platform/internal/payment"
	"credits-platform/internal/processor"
	"credits-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// PaymentWebhook verifies a provider delivery and applies it.
//
// Status codes drive provider redelivery: 2xx stops retries, so it is only
// returned once the event is applied, already applied, or needs no action.
func (h Handlers) PaymentWebhook(c *gin.Context) {
	name := c.Param("provider")
	log := logger.FromGin(c).With("provider", name)

	provider, err := h.Providers.Get(name)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if len(body) > maxWebhookBody {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	evt, err := provider.ParseWebhook(c.Request.Context(), payment.WebhookRequest{Header: c.Request.Header, Body: body})
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		log.Warn("webhook signature rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	case err != nil:
		log.Warn("webhook payload rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	case evt == nil:
		c.JSON(http.StatusOK, gin.H{"outcome": processor.OutcomeIgnored})
		return
	}

	out, err := h.Processor.Process(c.Request.Context(), *evt)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"outcome": out})
	case errors.Is(err, processor.ErrUnknownOrderOrSubscription):
		log.Warn("webhook references unknown state", "event_id", evt.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown order or subscription"})
	case errors.Is(err, idempotency.ErrInFlight):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "event in flight"})
	default:
		log.Error("webhook processing failed", "event_id", evt.ID, "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
	}
}
