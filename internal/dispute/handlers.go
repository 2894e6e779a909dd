package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/pagination"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes. Resolve,
// close and escalate re-check the admin role in the service.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.PUT("/disputes/:id/message", h.PostMessage)
	r.PUT("/disputes/:id/resolve", h.Resolve)
	r.PUT("/disputes/:id/close", h.Close)
	r.PUT("/disputes/:id/escalate", h.Escalate)
}

func respond(c *gin.Context, status int, d *Dispute, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(status, gin.H{"dispute": d})
}

// OpenDispute handles POST /disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "escrowId and reason are required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	d, err := h.service.Open(c.Request.Context(), actor, req)
	respond(c, http.StatusCreated, d, err)
}

// ListDisputes handles GET /disputes?limit=
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	items, err := h.service.List(c.Request.Context(), actor, pagination.Limit(c.Query("limit"), 50, 200))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if items == nil {
		items = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": items, "count": len(items)})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	d, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, d, err)
}

// MessageRequest carries a dispute message.
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// PostMessage handles PUT /disputes/:id/message
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "content is required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	m, err := h.service.PostMessage(c.Request.Context(), actor, c.Param("id"), req.Content)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// Resolve handles PUT /disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "outcome is required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	d, err := h.service.Resolve(c.Request.Context(), actor, c.Param("id"), req)
	respond(c, http.StatusOK, d, err)
}

// CloseRequest carries optional closing notes.
type CloseRequest struct {
	Notes string `json:"notes"`
}

// Close handles PUT /disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	var req CloseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "invalid request body")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)
	d, err := h.service.Close(c.Request.Context(), actor, c.Param("id"), req.Notes)
	respond(c, http.StatusOK, d, err)
}

// Escalate handles PUT /disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	d, err := h.service.Escalate(c.Request.Context(), actor, c.Param("id"))
	respond(c, http.StatusOK, d, err)
}
