package users

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
	"github.com/holdfast/holdfast/internal/security"
)

// Handler provides HTTP endpoints for users
type Handler struct {
	service *Service
}

// NewHandler creates a new user handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.Register)
}

// RegisterProtectedRoutes sets up routes for authenticated users
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users/me", h.Me)
	r.POST("/users/me/verify-phone", h.VerifyPhone)
}

// RegisterAdminRoutes sets up routes that require the admin role
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/admin/users/:id/roles", h.SetRoles)
}

// RegisterWebhookRoutes mounts the KYC provider callback behind HMAC
// signature verification.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup, secret string) {
	r.POST("/webhooks/kyc", security.RequireSignature(secret), h.KYCWebhook)
}

// Register handles POST /users
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "phone is required")
		return
	}
	u, rawKey, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":    u,
		"apiKey":  rawKey,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// Me handles GET /users/me
func (h *Handler) Me(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	u, err := h.service.Me(c.Request.Context(), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// VerifyPhoneRequest carries the SMS code.
type VerifyPhoneRequest struct {
	Code string `json:"code" binding:"required"`
}

// VerifyPhone handles POST /users/me/verify-phone
func (h *Handler) VerifyPhone(c *gin.Context) {
	var req VerifyPhoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "code is required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	u, err := h.service.VerifyPhone(c.Request.Context(), actor, req.Code)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// RolesRequest replaces a user's roles.
type RolesRequest struct {
	Roles []string `json:"roles" binding:"required"`
}

// SetRoles handles PUT /admin/users/:id/roles
func (h *Handler) SetRoles(c *gin.Context) {
	var req RolesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "roles are required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	u, err := h.service.SetRoles(c.Request.Context(), actor, c.Param("id"), req.Roles)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// KYCWebhook handles POST /webhooks/kyc
func (h *Handler) KYCWebhook(c *gin.Context) {
	var ev KYCEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		metrics.WebhooksTotal.WithLabelValues("kyc", "invalid").Inc()
		apperr.BadRequest(c, "reference and userId are required")
		return
	}
	u, applied, err := h.service.ApplyKYC(c.Request.Context(), ev)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("kyc", "error").Inc()
		logging.L(c.Request.Context()).Warn("kyc webhook rejected", "reference", ev.Reference, "error", err)
		apperr.Respond(c, err)
		return
	}
	result := "applied"
	if !applied {
		result = "duplicate"
	}
	metrics.WebhooksTotal.WithLabelValues("kyc", result).Inc()
	c.JSON(http.StatusOK, gin.H{"userId": u.ID, "kycStatus": u.KYCStatus, "applied": applied})
}
