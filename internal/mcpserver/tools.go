package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Holdfast operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up one escrow by id. Shows buyer, seller, status, amount, fee, "+
			"released and refunded totals, and milestone progress."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id (e.g. 'esc_...')")),
)

var ToolGetWallet = mcp.NewTool("get_wallet",
	mcp.WithDescription(
		"Look up a wallet's available and held balances. "+
			"Optionally replays the entry log to confirm the cached balances match."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("The wallet id (e.g. 'wal_...')")),
	mcp.WithBoolean("replay",
		mcp.Description("Also rebuild the balance from the ledger entries and report any drift")),
)

var ToolListActiveDisputes = mcp.NewTool("list_active_disputes",
	mcp.WithDescription(
		"List disputes still in OPEN, NEGOTIATION, MEDIATION or ARBITRATION, "+
			"with the stage deadline of each."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolReconciliationReport = mcp.NewTool("reconciliation_report",
	mcp.WithDescription(
		"Per-currency totals: escrow counts and value by status, fees collected, "+
			"released and refunded amounts, and wallet balances."),
)

var ToolReconciliationBalance = mcp.NewTool("reconciliation_balance",
	mcp.WithDescription(
		"Check that funds held for escrows equal what active escrows still owe, per currency. "+
			"Any non-zero difference is a reconciliation mismatch."),
)
