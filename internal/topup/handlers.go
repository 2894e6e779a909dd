package topup

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
)

const maxBodyBytes = 65536

// Handler serves the Stripe webhook.
type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates a handler verifying deliveries with the Stripe endpoint
// secret.
func NewHandler(service *Service, secret string) *Handler {
	return &Handler{service: service, secret: secret}
}

// RegisterWebhookRoutes mounts POST /webhooks/topup.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/topup", h.Webhook)
}

// Webhook handles POST /webhooks/topup
func (h *Handler) Webhook(c *gin.Context) {
	if h.secret == "" {
		metrics.WebhooksTotal.WithLabelValues("topup", "disabled").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhook_disabled",
			"message": "top-up webhook secret is not configured",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		apperr.BadRequest(c, "unreadable request body")
		return
	}

	ev, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("topup", "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
		return
	}

	res, err := h.service.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("topup", "error").Inc()
		logging.L(c.Request.Context()).Warn("top-up webhook rejected", "event", ev.ID, "error", err)
		apperr.Respond(c, err)
		return
	}

	result := "applied"
	switch {
	case res.Ignored:
		result = "ignored"
	case res.Duplicate:
		result = "duplicate"
	}
	metrics.WebhooksTotal.WithLabelValues("topup", result).Inc()
	c.JSON(http.StatusOK, res)
}
