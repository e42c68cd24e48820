package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fiatlock/releasegate/internal/bill"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, now: time.Now}
}

// HandleListBills lists the caller's bills.
func (h *Handlers) HandleListBills(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	page, err := h.client.ListMyBills(ctx, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bills: %v", err)), nil
	}
	bills := page.Bills
	if len(bills) == 0 {
		return mcp.NewToolResultText("No bills found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d bill(s):\n\n", len(bills))
	for i, b := range bills {
		role := "payer"
		if b.MakerID == h.client.cfg.UserID {
			role = "maker"
		}
		fmt.Fprintf(&sb, "%d. %s  %s %s via %s  [%s]  you: %s\n",
			i+1, b.ID, b.Amount.String(), b.Currency, b.Method, b.Status, role)
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore bills: call list_bills with cursor=%s\n", page.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetBill shows one bill.
func (h *Handlers) HandleGetBill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("bill_id", "")
	if id == "" {
		return mcp.NewToolResultError("bill_id is required"), nil
	}
	b, err := h.client.GetBill(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get bill: %v", err)), nil
	}
	return mcp.NewToolResultText(h.formatBill(b)), nil
}

// HandleGetBillAudit shows a bill's audit trail.
func (h *Handlers) HandleGetBillAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("bill_id", "")
	if id == "" {
		return mcp.NewToolResultError("bill_id is required"), nil
	}
	entries, err := h.client.Audit(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAudit(id, entries)), nil
}

// HandleQuoteHold quotes the hold for a method and level.
func (h *Handlers) HandleQuoteHold(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	method := req.GetString("method", "")
	if method == "" {
		return mcp.NewToolResultError("method is required"), nil
	}
	q, err := h.client.QuoteHold(ctx, method, req.GetString("level", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote hold: %v", err)), nil
	}
	return mcp.NewToolResultText(formatQuote(q)), nil
}

// HandleGetTrust shows a trust profile.
func (h *Handlers) HandleGetTrust(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", h.client.cfg.UserID)
	r, err := h.client.GetTrust(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trust profile: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trust profile for %s:\n", userID)
	fmt.Fprintf(&sb, "  Level: %s (score %d)\n", r.Evaluation.Level, r.Evaluation.Score)
	if p := r.Profile; p != nil {
		fmt.Fprintf(&sb, "  Successful trades: %d\n", p.SuccessfulTrades)
		fmt.Fprintf(&sb, "  Disputes won/lost: %d/%d\n", p.DisputesWon, p.DisputesLost)
		fmt.Fprintf(&sb, "  Total volume: %s\n", p.TotalVolume.String())
		if p.Blacklisted {
			sb.WriteString("  BLACKLISTED\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleClaimBill claims a bill as payer.
func (h *Handlers) HandleClaimBill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.billAction(ctx, req, "claim", func(id string) (*bill.Bill, error) {
		return h.client.Claim(ctx, id)
	})
}

// HandleDeclarePayment declares the off-ledger payment.
func (h *Handlers) HandleDeclarePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("payment_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("payment_ref is required"), nil
	}
	return h.billAction(ctx, req, "declare payment", func(id string) (*bill.Bill, error) {
		return h.client.Declare(ctx, id, ref)
	})
}

// HandleVerifyPayment confirms receipt as maker.
func (h *Handlers) HandleVerifyPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.billAction(ctx, req, "verify payment", func(id string) (*bill.Bill, error) {
		return h.client.Verify(ctx, id)
	})
}

// HandleReleaseBill releases funds to the payer.
func (h *Handlers) HandleReleaseBill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.billAction(ctx, req, "release", func(id string) (*bill.Bill, error) {
		return h.client.Release(ctx, id)
	})
}

// HandleDisputeBill opens a dispute.
func (h *Handlers) HandleDisputeBill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	return h.billAction(ctx, req, "dispute", func(id string) (*bill.Bill, error) {
		return h.client.Dispute(ctx, id, reason)
	})
}

func (h *Handlers) billAction(_ context.Context, req mcp.CallToolRequest, verb string, call func(id string) (*bill.Bill, error)) (*mcp.CallToolResult, error) {
	id := req.GetString("bill_id", "")
	if id == "" {
		return mcp.NewToolResultError("bill_id is required"), nil
	}
	b, err := call(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s bill %s: %v", verb, id, err)), nil
	}
	return mcp.NewToolResultText(h.formatBill(b)), nil
}

// --- formatting ---

func (h *Handlers) formatBill(b *bill.Bill) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bill %s\n", b.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", b.Status)
	fmt.Fprintf(&sb, "  Amount: %s %s", b.Amount.String(), b.Currency)
	if b.FiatCurrency != "" {
		fmt.Fprintf(&sb, " (%s %s)", b.FiatAmount.String(), b.FiatCurrency)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Method: %s\n", b.Method)
	fmt.Fprintf(&sb, "  Maker: %s (trust %s)\n", b.MakerID, b.TrustLevel)
	if b.PayerID != "" {
		fmt.Fprintf(&sb, "  Payer: %s\n", b.PayerID)
	}
	if r := b.CreationRisk; r != nil {
		fmt.Fprintf(&sb, "  Risk at creation: %s (score %d, %s)\n", r.Level, r.Score, r.Action)
	}
	if b.HoldSeconds > 0 {
		fmt.Fprintf(&sb, "  Hold: %s\n", time.Duration(b.HoldSeconds)*time.Second)
	}
	if b.ReleaseEligibleAt != nil && !b.Status.IsTerminal() {
		if left := b.ReleaseEligibleAt.Sub(h.now()); left > 0 {
			fmt.Fprintf(&sb, "  Releasable in: %s\n", left.Round(time.Minute))
		} else {
			sb.WriteString("  Hold elapsed\n")
		}
	}
	if b.DisputeReason != "" {
		fmt.Fprintf(&sb, "  Dispute: %s (by %s)\n", b.DisputeReason, b.DisputedBy)
	}
	if b.Resolution != "" {
		fmt.Fprintf(&sb, "  Resolution: %s (by %s)\n", b.Resolution, b.ResolvedBy)
	}
	if s := b.Settlement; s != nil {
		fmt.Fprintf(&sb, "  Settled: %s %s to %s (tx %s)\n", s.Command, s.Amount.String(), s.Account, s.TxID)
	}
	return sb.String()
}

func formatAudit(id string, entries []*bill.AuditEntry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("No audit entries for %s.", id)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Audit trail for %s (%d entries):\n", id, len(entries))
	for _, e := range entries {
		from := string(e.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(&sb, "  %s  %-16s %s -> %s  by %s", e.At.UTC().Format(time.RFC3339), e.Action, from, e.To, e.ActorID)
		if e.Reason != "" {
			fmt.Fprintf(&sb, "  (%s)", e.Reason)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatQuote(q *policy.HoldQuote) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hold for %s at %s:\n", q.Method, q.TrustLevel)
	fmt.Fprintf(&sb, "  Finality: %s\n", q.Finality)
	if q.Blocked {
		sb.WriteString("  BLOCKED at this trust level\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "  Base hold: %s\n", time.Duration(q.BaseSeconds)*time.Second)

	levels := make([]risk.Level, 0, len(q.ByRiskLevel))
	for l := range q.ByRiskLevel {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Rank() < levels[j].Rank() })
	for _, l := range levels {
		fmt.Fprintf(&sb, "  At %s risk: %s\n", l, time.Duration(q.ByRiskLevel[l])*time.Second)
	}
	return sb.String()
}
