package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all bill tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("releasegate", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListBills, h.HandleListBills)
	s.AddTool(ToolGetBill, h.HandleGetBill)
	s.AddTool(ToolGetBillAudit, h.HandleGetBillAudit)
	s.AddTool(ToolQuoteHold, h.HandleQuoteHold)
	s.AddTool(ToolGetTrust, h.HandleGetTrust)
	s.AddTool(ToolClaimBill, h.HandleClaimBill)
	s.AddTool(ToolDeclarePayment, h.HandleDeclarePayment)
	s.AddTool(ToolVerifyPayment, h.HandleVerifyPayment)
	s.AddTool(ToolReleaseBill, h.HandleReleaseBill)
	s.AddTool(ToolDisputeBill, h.HandleDisputeBill)

	return s
}
