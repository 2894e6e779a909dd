package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/pagination"
)

// Handler provides the wallet HTTP endpoints
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up routes for authenticated users
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.MyWallets)
	r.GET("/wallet/entries", h.ListEntries)
}

// RegisterAdminRoutes sets up routes that require the admin role
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/admin/credit", h.AdminCredit)
	r.POST("/wallet/admin/debit", h.AdminDebit)
	r.GET("/admin/wallets", h.AdminListWallets)
	r.GET("/admin/wallets/:walletId", h.AdminGetWallet)
	r.GET("/admin/wallets/:walletId/replay", h.Replay)
}

// MyWallets handles GET /wallet. With ?currency= it opens the wallet on
// first use so clients always see one.
func (h *Handler) MyWallets(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ctx := c.Request.Context()

	if cur := c.Query("currency"); cur != "" {
		w, err := h.ledger.OpenWallet(ctx, actor.UserID, cur)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"wallets": []*Wallet{w}})
		return
	}

	wallets, err := h.ledger.WalletsFor(ctx, actor.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if wallets == nil {
		wallets = []*Wallet{}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

// ListEntries handles GET /wallet/entries?walletId= or ?currency=
func (h *Handler) ListEntries(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ctx := c.Request.Context()

	var (
		w   *Wallet
		err error
	)
	switch {
	case c.Query("walletId") != "":
		w, err = h.ledger.Wallet(ctx, c.Query("walletId"))
	case c.Query("currency") != "":
		w, err = h.ledger.WalletFor(ctx, actor.UserID, c.Query("currency"))
	default:
		apperr.BadRequest(c, "walletId or currency is required")
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if w.OwnerID != actor.UserID && !actor.IsAdmin() {
		apperr.Respond(c, ErrNotOwner)
		return
	}

	limit := pagination.Limit(c.Query("limit"), 50, 200)
	entries, next, err := h.ledger.Entries(ctx, w.ID, c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, pagination.Page[*Entry]{Items: entries, NextCursor: next, HasMore: next != ""})
}

// AdminListWallets handles GET /admin/wallets?after=&limit=
func (h *Handler) AdminListWallets(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 100, 500)
	wallets, err := h.ledger.ListWallets(c.Request.Context(), c.Query("after"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if wallets == nil {
		wallets = []*Wallet{}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

// AdminGetWallet handles GET /admin/wallets/:walletId
func (h *Handler) AdminGetWallet(c *gin.Context) {
	w, err := h.ledger.Wallet(c.Request.Context(), c.Param("walletId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// AdjustRequest is the body for admin credits and debits
type AdjustRequest struct {
	WalletID    string `json:"walletId" binding:"required"`
	AmountCents int64  `json:"amountCents" binding:"required,gt=0"`
	Description string `json:"description" binding:"required"`
}

// AdminCredit handles POST /wallet/admin/credit
func (h *Handler) AdminCredit(c *gin.Context) {
	h.adjust(c, KindCredit)
}

// AdminDebit handles POST /wallet/admin/debit
func (h *Handler) AdminDebit(c *gin.Context) {
	h.adjust(c, KindDebit)
}

func (h *Handler) adjust(c *gin.Context, kind EntryKind) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "walletId, amountCents (> 0) and description are required")
		return
	}
	actor, _ := auth.ActorFrom(c)

	var (
		e   *Entry
		err error
	)
	if kind == KindCredit {
		e, err = h.ledger.AdminCredit(c.Request.Context(), actor, req.WalletID, req.AmountCents, req.Description)
	} else {
		e, err = h.ledger.AdminDebit(c.Request.Context(), actor, req.WalletID, req.AmountCents, req.Description)
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": e})
}

// Replay handles GET /admin/wallets/:walletId/replay
func (h *Handler) Replay(c *gin.Context) {
	res, err := h.ledger.Replay(c.Request.Context(), c.Param("walletId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replay": res})
}
