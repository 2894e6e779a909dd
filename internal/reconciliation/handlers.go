package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
)

// Handler serves the admin reconciliation reports.
type Handler struct {
	service *Service
	runner  *Runner
}

// NewHandler creates a reconciliation handler. runner may be nil.
func NewHandler(service *Service, runner *Runner) *Handler {
	return &Handler{service: service, runner: runner}
}

// RegisterAdminRoutes sets up routes that require the admin role
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.GetReport)
	r.GET("/admin/reconciliation/balance", h.GetBalance)
	r.GET("/admin/reconciliation/wallets", h.CheckWallets)
	r.GET("/admin/reconciliation/last", h.LastRun)
}

// GetReport handles GET /admin/reconciliation
func (h *Handler) GetReport(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	report, err := h.service.Report(c.Request.Context(), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetBalance handles GET /admin/reconciliation/balance. A mismatch is still
// a 200; the body carries reconciled=false.
func (h *Handler) GetBalance(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	report, err := h.service.Balance(c.Request.Context(), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CheckWallets handles GET /admin/reconciliation/wallets
func (h *Handler) CheckWallets(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	check, err := h.service.CheckWallets(c.Request.Context(), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// LastRun handles GET /admin/reconciliation/last
func (h *Handler) LastRun(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	if err := actor.RequireAdmin(); err != nil {
		apperr.Respond(c, err)
		return
	}
	if h.runner == nil || h.runner.Last() == nil {
		apperr.Respond(c, apperr.New(apperr.KindNotFound, "no reconciliation run yet"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": h.runner.Last(), "reconciled": h.runner.Last().Reconciled()})
}
