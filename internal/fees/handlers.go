package fees

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
)

// Handler provides the admin fee-policy endpoints
type Handler struct {
	service *Service
}

// NewHandler creates a new fee policy handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up routes that require the admin role
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/fee-policy", h.GetPolicy)
	r.PUT("/admin/fee-policy", h.UpdatePolicy)
	r.GET("/admin/fee-policy/quote", h.Quote)
}

// GetPolicy handles GET /admin/fee-policy
func (h *Handler) GetPolicy(c *gin.Context) {
	p, err := h.service.Current(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// UpdatePolicyRequest is the request body for PUT /admin/fee-policy
type UpdatePolicyRequest struct {
	Percent    decimal.Decimal `json:"percent"`
	FixedCents int64           `json:"fixedCents"`
	Payer      Payer           `json:"payer" binding:"required"`
}

// UpdatePolicy handles PUT /admin/fee-policy
func (h *Handler) UpdatePolicy(c *gin.Context) {
	var req UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "percent, fixedCents and payer are required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	if err := actor.RequireAdmin(); err != nil {
		apperr.Respond(c, err)
		return
	}

	p, err := h.service.Update(c.Request.Context(), Policy{
		Percent:    req.Percent,
		FixedCents: req.FixedCents,
		Payer:      req.Payer,
	}, actor.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Quote handles GET /admin/fee-policy/quote?amountCents=N
func (h *Handler) Quote(c *gin.Context) {
	var q struct {
		AmountCents int64 `form:"amountCents" binding:"required,gt=0"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		apperr.BadRequest(c, "amountCents must be a positive integer")
		return
	}
	p, err := h.service.Current(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakdown": p.Compute(q.AmountCents, true)})
}
