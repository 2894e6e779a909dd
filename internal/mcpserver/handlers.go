package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"

	"github.com/holdfast/holdfast/internal/dispute"
	"github.com/holdfast/holdfast/internal/escrow"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/reconciliation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow describes one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	e, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

// HandleGetWallet describes a wallet, optionally with a replay check.
func (h *Handlers) HandleGetWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("wallet_id", "")
	if id == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}

	w, err := h.client.GetWallet(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet: %v", err)), nil
	}

	text := formatWallet(w)
	if req.GetBool("replay", false) {
		res, err := h.client.ReplayWallet(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to replay wallet: %v", err)), nil
		}
		text += formatReplay(res)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListActiveDisputes lists disputes awaiting resolution.
func (h *Handlers) HandleListActiveDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	disputes, err := h.client.ListActiveDisputes(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDisputes(disputes)), nil
}

// HandleReconciliationReport summarises escrow and wallet totals.
func (h *Handlers) HandleReconciliationReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := h.client.ReconciliationReport(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reconciliation report: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReport(report)), nil
}

// HandleReconciliationBalance runs the escrow balance check.
func (h *Handlers) HandleReconciliationBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := h.client.ReconciliationBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBalance(report)), nil
}

// --- Formatting ---

// money renders minor units as a decimal amount with its currency.
func money(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + currency
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatEscrow(e *escrow.Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s (%s)\n", e.ID, e.Type)
	fmt.Fprintf(&sb, "  Title:    %s\n", e.Title)
	fmt.Fprintf(&sb, "  Status:   %s\n", e.Status)
	if e.PreDisputeStatus != "" {
		fmt.Fprintf(&sb, "  Before dispute: %s\n", e.PreDisputeStatus)
	}
	fmt.Fprintf(&sb, "  Buyer:    %s\n", e.BuyerID)
	fmt.Fprintf(&sb, "  Seller:   %s\n", e.SellerID)
	fmt.Fprintf(&sb, "  Amount:   %s\n", money(e.AmountCents, e.Currency))
	fmt.Fprintf(&sb, "  Fee:      %s\n", money(e.FeeCents, e.Currency))
	fmt.Fprintf(&sb, "  Released: %s\n", money(e.ReleasedCents, e.Currency))
	fmt.Fprintf(&sb, "  Refunded: %s\n", money(e.RefundedCents, e.Currency))
	fmt.Fprintf(&sb, "  Funded:   %s\n", formatTime(e.FundedAt))

	if len(e.Milestones) > 0 {
		sb.WriteString("\nMilestones:\n")
		for _, m := range e.Milestones {
			fmt.Fprintf(&sb, "  %d. %s: %s [%s]\n", m.Sequence, m.Title, money(m.AmountCents, e.Currency), m.Status)
		}
	}
	return sb.String()
}

func formatWallet(w *ledger.Wallet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet %s\n", w.ID)
	fmt.Fprintf(&sb, "  Owner:     %s\n", w.OwnerID)
	fmt.Fprintf(&sb, "  Available: %s\n", money(w.AvailableCents, w.Currency))
	fmt.Fprintf(&sb, "  Held:      %s\n", money(w.HeldCents, w.Currency))
	return sb.String()
}

func formatReplay(r *ledger.ReplayResult) string {
	if r.Match {
		return "\nReplay: entry log matches cached balances.\n"
	}
	var sb strings.Builder
	sb.WriteString("\nReplay: DRIFT DETECTED\n")
	fmt.Fprintf(&sb, "  Available: cached %s, replayed %s\n",
		money(r.ActualAvailable, r.Currency), money(r.ReplayAvailable, r.Currency))
	fmt.Fprintf(&sb, "  Held:      cached %s, replayed %s\n",
		money(r.ActualHeld, r.Currency), money(r.ReplayHeld, r.Currency))
	return sb.String()
}

func formatDisputes(disputes []*dispute.Dispute) string {
	if len(disputes) == 0 {
		return "No active disputes."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d active dispute(s):\n\n", len(disputes))
	for i, d := range disputes {
		fmt.Fprintf(&sb, "%d. %s on escrow %s [%s]\n", i+1, d.ID, d.EscrowID, d.Status)
		fmt.Fprintf(&sb, "   Opened by %s: %s\n", d.OpenedBy, d.Reason)
		fmt.Fprintf(&sb, "   Stage deadline: %s\n", formatTime(d.StageDeadline))
	}
	return sb.String()
}

func formatReport(r *reconciliation.Report) string {
	if len(r.Currencies) == 0 {
		return "No escrows or wallets yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reconciliation report (%s)\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	for _, c := range r.Currencies {
		fmt.Fprintf(&sb, "\n%s\n", c.Currency)
		fmt.Fprintf(&sb, "  Escrows:          %d worth %s\n", c.EscrowCount, money(c.EscrowValueCents, c.Currency))
		for _, s := range c.ByStatus {
			fmt.Fprintf(&sb, "    %-17s %d, %s\n", s.Status, s.Count, money(s.AmountCents, c.Currency))
		}
		fmt.Fprintf(&sb, "  Pending:          %s\n", money(c.PendingCents, c.Currency))
		fmt.Fprintf(&sb, "  Released:         %s\n", money(c.ReleasedCents, c.Currency))
		fmt.Fprintf(&sb, "  Refunded:         %s\n", money(c.RefundedCents, c.Currency))
		fmt.Fprintf(&sb, "  Fees collected:   %s\n", money(c.FeesCollectedCents, c.Currency))
		fmt.Fprintf(&sb, "  Wallets:          %d, available %s, held %s\n",
			c.WalletCount, money(c.AvailableCents, c.Currency), money(c.HeldCents, c.Currency))
		fmt.Fprintf(&sb, "  Withdrawals held: %s\n", money(c.WithdrawalsHeld, c.Currency))
	}
	return sb.String()
}

func formatBalance(b *reconciliation.BalanceReport) string {
	var sb strings.Builder
	if b.Reconciled {
		sb.WriteString("Balance check: RECONCILED\n")
	} else {
		sb.WriteString("Balance check: MISMATCH\n")
	}
	for _, l := range b.Currencies {
		fmt.Fprintf(&sb, "\n%s\n", l.Currency)
		fmt.Fprintf(&sb, "  Escrow holds:    %s\n", money(l.EscrowHoldBalance, l.Currency))
		fmt.Fprintf(&sb, "  Pending escrows: %s\n", money(l.PendingEscrows, l.Currency))
		fmt.Fprintf(&sb, "  Difference:      %s\n", money(l.Difference, l.Currency))
		if l.UnattributedHeld != 0 {
			fmt.Fprintf(&sb, "  Unattributed held: %s\n", money(l.UnattributedHeld, l.Currency))
		}
	}
	return sb.String()
}
