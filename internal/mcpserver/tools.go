package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which tool to use.

var ToolListBills = mcp.NewTool("list_bills",
	mcp.WithDescription(
		"List your bills (as maker or payer), newest first. "+
			"Shows status, amount, payment method and when funds become releasable."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of bills to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_bills call, to fetch the next page")),
)

var ToolGetBill = mcp.NewTool("get_bill",
	mcp.WithDescription(
		"Get one bill's full state: status, parties, trust snapshot, risk assessments, "+
			"hold length and release eligibility."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
)

var ToolGetBillAudit = mcp.NewTool("get_bill_audit",
	mcp.WithDescription(
		"Get the append-only audit trail of a bill: every transition with actor, time and reason."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
)

var ToolQuoteHold = mcp.NewTool("quote_hold",
	mcp.WithDescription(
		"Quote how long funds are held after payment verification for a payment method "+
			"at a trust level, including risk multipliers and whether the method is blocked."),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("Payment method, e.g. 'bank_transfer', 'card', 'instant_bank'")),
	mcp.WithString("level",
		mcp.Description("Trust level of the bill maker"),
		mcp.Enum("NEW", "VERIFIED", "TRUSTED", "POWER")),
)

var ToolGetTrust = mcp.NewTool("get_trust",
	mcp.WithDescription(
		"Get a user's trust profile and level. Defaults to yourself."),
	mcp.WithString("user_id",
		mcp.Description("User ID to look up (default: you)")),
)

var ToolClaimBill = mcp.NewTool("claim_bill",
	mcp.WithDescription(
		"Claim a funded bill as its payer. Only one payer can claim a bill."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
)

var ToolDeclarePayment = mcp.NewTool("declare_payment",
	mcp.WithDescription(
		"As payer, declare that you sent the off-ledger payment. "+
			"This does not release funds; the maker or an oracle must verify it."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
	mcp.WithString("payment_ref",
		mcp.Required(),
		mcp.Description("Reference of the payment you sent (bank reference, transfer ID)")),
)

var ToolVerifyPayment = mcp.NewTool("verify_payment",
	mcp.WithDescription(
		"As maker, confirm the payment arrived. Starts the hold period; you accept liability for reversals."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
)

var ToolReleaseBill = mcp.NewTool("release_bill",
	mcp.WithDescription(
		"Release escrowed funds to the payer. Fails while the hold is running, "+
			"while the bill is disputed, or when risk review is required."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
)

var ToolDisputeBill = mcp.NewTool("dispute_bill",
	mcp.WithDescription(
		"Open a dispute on a bill. Funds are frozen until a resolver decides release or refund."),
	mcp.WithString("bill_id",
		mcp.Required(),
		mcp.Description("The bill ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why you are disputing")),
)
