package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public escrow routes. Delivery confirmation by
// code is public: the code itself is the credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/escrows/:id/confirm-delivery", h.ConfirmDelivery)
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/shipment", h.GetShipment)
	r.POST("/escrows/:id/milestones", h.AddMilestone)
	r.PUT("/escrows/:id/fund", h.Fund)
	r.PUT("/escrows/:id/ship", h.Ship)
	r.PUT("/escrows/:id/deliver", h.Deliver)
	r.PUT("/escrows/:id/service-completed", h.ServiceCompleted)
	r.PUT("/escrows/:id/release", h.Release)
	r.PUT("/escrows/:id/cancel", h.Cancel)
	r.PUT("/escrows/:id/milestones/:mid/complete", h.CompleteMilestone)
	r.PUT("/escrows/:id/milestones/:mid/release", h.ReleaseMilestone)
}

func respond(c *gin.Context, status int, e *Escrow, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(status, gin.H{"escrow": e})
}

// CreateEscrow handles POST /escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "sellerId, title and amountCents are required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.Create(c.Request.Context(), actor, req)
	respond(c, http.StatusCreated, e, err)
}

// ListEscrows handles GET /escrows?cursor=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	items, next, err := h.service.List(c.Request.Context(), actor, c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if items == nil {
		items = []*Escrow{}
	}
	c.JSON(http.StatusOK, pagination.Page[*Escrow]{Items: items, NextCursor: next, HasMore: next != ""})
}

// GetEscrow handles GET /escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, e, err)
}

// GetShipment handles GET /escrows/:id/shipment
func (h *Handler) GetShipment(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	sh, err := h.service.Shipment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shipment": sh})
}

// AddMilestone handles POST /escrows/:id/milestones
func (h *Handler) AddMilestone(c *gin.Context) {
	var req MilestoneInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid milestone")
		return
	}
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.AddMilestone(c.Request.Context(), actor, c.Param("id"), req)
	respond(c, http.StatusCreated, e, err)
}

// Fund handles PUT /escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.Fund(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, e, err)
}

// Ship handles PUT /escrows/:id/ship
func (h *Handler) Ship(c *gin.Context) {
	var req ShipRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "invalid shipment details")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)
	e, sh, err := h.service.Ship(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "shipment": sh})
}

// Deliver handles PUT /escrows/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.Deliver(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, e, err)
}

// ConfirmDeliveryRequest carries the delivery code.
type ConfirmDeliveryRequest struct {
	Code string `json:"code" binding:"required"`
}

// ConfirmDelivery handles PUT /escrows/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req ConfirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "code is required")
		return
	}
	by := ""
	if actor, ok := auth.ActorFrom(c); ok {
		by = actor.UserID
	}
	e, err := h.service.ConfirmDeliveryByCode(c.Request.Context(), c.Param("id"), req.Code, by)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowId": e.ID, "status": e.Status})
}

// ServiceCompleted handles PUT /escrows/:id/service-completed
func (h *Handler) ServiceCompleted(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.ServiceCompleted(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, e, err)
}

// Release handles PUT /escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.Release(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, e, err)
}

// Cancel handles PUT /escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, e, err)
}

// CompleteMilestone handles PUT /escrows/:id/milestones/:mid/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.CompleteMilestone(c.Request.Context(), actor, c.Param("id"), c.Param("mid"))
	respond(c, http.StatusOK, e, err)
}

// ReleaseMilestone handles PUT /escrows/:id/milestones/:mid/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	e, err := h.service.ReleaseMilestone(c.Request.Context(), actor, c.Param("id"), c.Param("mid"))
	respond(c, http.StatusOK, e, err)
}
