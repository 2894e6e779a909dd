package withdrawal

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/security"
)

// Handler provides HTTP endpoints for withdrawals
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for authenticated users
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/withdraw", h.RequestWithdrawal)
	r.GET("/wallet/withdrawals", h.ListWithdrawals)
	r.GET("/wallet/withdrawals/:id", h.GetWithdrawal)
}

// RegisterAdminRoutes sets up routes that require the admin role
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/wallet/withdraw/:id/process", h.Process)
	r.GET("/admin/withdrawals", h.ListPending)
}

// RegisterWebhookRoutes mounts the payout provider callback behind HMAC
// signature verification.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup, secret string) {
	r.POST("/webhooks/payout", security.RequireSignature(secret), h.PayoutWebhook)
}

// RequestWithdrawal handles POST /wallet/withdraw
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "amountCents and methodType are required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	wd, err := h.service.Request(c.Request.Context(), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": wd})
}

// ListWithdrawals handles GET /wallet/withdrawals?cursor=&limit=
func (h *Handler) ListWithdrawals(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	items, next, err := h.service.List(c.Request.Context(), actor, c.Query("cursor"),
		pagination.Limit(c.Query("limit"), 20, 100))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if items == nil {
		items = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, pagination.Page[*Withdrawal]{Items: items, NextCursor: next, HasMore: next != ""})
}

// GetWithdrawal handles GET /wallet/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	wd, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

// Process handles PUT /wallet/withdraw/:id/process
func (h *Handler) Process(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)
	wd, err := h.service.Process(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

// ListPending handles GET /admin/withdrawals?limit=
func (h *Handler) ListPending(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	items, err := h.service.Pending(c.Request.Context(), actor, pagination.Limit(c.Query("limit"), 50, 200))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if items == nil {
		items = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": items, "count": len(items)})
}

// PayoutWebhook handles POST /webhooks/payout. Redelivery of an applied
// outcome answers 200 with applied=false.
func (h *Handler) PayoutWebhook(c *gin.Context) {
	var ev PayoutEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		metrics.WebhooksTotal.WithLabelValues("payout", "invalid").Inc()
		apperr.BadRequest(c, "withdrawalId and status are required")
		return
	}
	wd, applied, err := h.service.HandlePayout(c.Request.Context(), ev)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("payout", "error").Inc()
		logging.L(c.Request.Context()).Warn("payout webhook rejected", "withdrawalId", ev.WithdrawalID, "error", err)
		apperr.Respond(c, err)
		return
	}
	result := "applied"
	if !applied {
		result = "duplicate"
	}
	metrics.WebhooksTotal.WithLabelValues("payout", result).Inc()
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd, "applied": applied})
}
