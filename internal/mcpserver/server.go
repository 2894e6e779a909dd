// Package mcpserver exposes read-only operator tools over the Model Context
// Protocol, backed by the Holdfast admin API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("holdfast", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolGetWallet, h.HandleGetWallet)
	s.AddTool(ToolListActiveDisputes, h.HandleListActiveDisputes)
	s.AddTool(ToolReconciliationReport, h.HandleReconciliationReport)
	s.AddTool(ToolReconciliationBalance, h.HandleReconciliationBalance)

	return s
}
