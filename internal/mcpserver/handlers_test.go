package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, Token: "tok_test", UserID: "maker"})
	h := NewHandlers(client)
	h.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const billJSON = `{"bill":{
	"id":"bill_1","makerId":"maker","payerId":"payer",
	"amount":"100","currency":"USDC","fiatAmount":"100","fiatCurrency":"USD","exchangeRate":"1","fee":"0.75",
	"method":"bank_transfer","status":"PAYMENT_VERIFIED","trustLevel":"VERIFIED","trustScore":120,
	"creationRisk":{"assessmentId":"a1","userId":"maker","score":0,"level":"LOW","action":"ALLOW"},
	"holdSeconds":172800,"releaseEligibleAt":"2026-03-03T12:00:00Z","liabilityAccepted":true,
	"makerRated":false,"payerRated":false,
	"createdAt":"2026-03-01T12:00:00Z","expiresAt":"2026-03-02T12:00:00Z","updatedAt":"2026-03-02T12:00:00Z","version":5}}`

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(billJSON))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok_secret", UserID: "maker"})
	_, err := client.GetBill(context.Background(), "bill_1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_secret", gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "already_claimed",
			"message": "Bill is already claimed",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t", UserID: "payer"})
	_, err := client.Claim(context.Background(), "bill_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already_claimed")
	assert.Contains(t, err.Error(), "Bill is already claimed")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t", UserID: "maker"})
	_, err := client.GetBill(context.Background(), "bill_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", Token: "t", UserID: "maker"})
	_, err := client.GetBill(context.Background(), "bill_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_PathEscaping(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(billJSON))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t", UserID: "maker"})
	_, err := client.GetBill(context.Background(), "../admin")
	require.NoError(t, err)
	assert.Equal(t, "/v1/bills/..%2Fadmin", gotPath)
}

func TestClient_DisputeBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/bills/bill_1/dispute", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"reason":"never arrived"}`, string(body))
		_, _ = w.Write([]byte(billJSON))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t", UserID: "maker"})
	_, err := client.Dispute(context.Background(), "bill_1", "never arrived")
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetBill(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bills/bill_1", r.URL.Path)
		_, _ = w.Write([]byte(billJSON))
	}))
	defer done()

	result, err := h.HandleGetBill(context.Background(), makeRequest(map[string]any{"bill_id": "bill_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: PAYMENT_VERIFIED")
	assert.Contains(t, text, "100 USDC (100 USD)")
	assert.Contains(t, text, "Hold: 48h0m0s")
	assert.Contains(t, text, "Releasable in: 24h0m0s")
	assert.Contains(t, text, "trust VERIFIED")
}

func TestHandleGetBill_MissingID(t *testing.T) {
	h, done := newTestSetup(http.NotFoundHandler())
	defer done()

	result, err := h.HandleGetBill(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "bill_id is required")
}

func TestHandleListBills(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/maker/bills", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"bills":[
			{"id":"bill_1","makerId":"maker","amount":"100","currency":"USDC","method":"card","status":"FUNDED"},
			{"id":"bill_2","makerId":"other","payerId":"maker","amount":"20","currency":"USDC","method":"instant_bank","status":"RELEASED"}
		],"count":2}`))
	}))
	defer done()

	result, err := h.HandleListBills(context.Background(), makeRequest(map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 bill(s)")
	assert.Contains(t, text, "bill_1  100 USDC via card  [FUNDED]  you: maker")
	assert.Contains(t, text, "bill_2  20 USDC via instant_bank  [RELEASED]  you: payer")
	assert.NotContains(t, text, "More bills")
}

func TestHandleListBills_NextPage(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"bills":[
			{"id":"bill_3","makerId":"maker","amount":"5","currency":"USDC","method":"card","status":"FUNDED"}
		],"count":1,"nextCursor":"def456","hasMore":true}`))
	}))
	defer done()

	result, err := h.HandleListBills(context.Background(), makeRequest(map[string]any{"cursor": "abc123"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "call list_bills with cursor=def456")
}

func TestHandleListBills_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bills":[],"count":0}`))
	}))
	defer done()

	result, err := h.HandleListBills(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No bills found.", resultText(t, result))
}

func TestHandleGetBillAudit(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"entries":[
			{"id":"e1","billId":"bill_1","action":"create","to":"CREATED","actorId":"maker","at":"2026-03-01T12:00:00Z"},
			{"id":"e2","billId":"bill_1","action":"dispute","from":"CLAIMED","to":"DISPUTED","actorId":"payer","reason":"no show","at":"2026-03-01T13:00:00Z"}
		],"count":2}`))
	}))
	defer done()

	result, err := h.HandleGetBillAudit(context.Background(), makeRequest(map[string]any{"bill_id": "bill_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "(2 entries)")
	assert.Contains(t, text, "- -> CREATED  by maker")
	assert.Contains(t, text, "CLAIMED -> DISPUTED  by payer  (no show)")
}

func TestHandleQuoteHold(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "card", r.URL.Query().Get("method"))
		assert.Equal(t, "NEW", r.URL.Query().Get("level"))
		_, _ = w.Write([]byte(`{"method":"card","finality":"chargeback_reversible","trustLevel":"NEW","blocked":false,
			"baseSeconds":604800,"byRiskLevel":{"CRITICAL":1209600,"HIGH":907200}}`))
	}))
	defer done()

	result, err := h.HandleQuoteHold(context.Background(), makeRequest(map[string]any{"method": "card", "level": "NEW"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Base hold: 168h0m0s")
	assert.Contains(t, text, "At HIGH risk: 252h0m0s")
	assert.Contains(t, text, "At CRITICAL risk: 336h0m0s")
	assert.Less(t, strings.Index(text, "HIGH"), strings.Index(text, "CRITICAL"))
}

func TestHandleQuoteHold_Blocked(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"method":"gift_card","finality":"unverifiable","trustLevel":"NEW","blocked":true,"baseSeconds":0}`))
	}))
	defer done()

	result, err := h.HandleQuoteHold(context.Background(), makeRequest(map[string]any{"method": "gift_card"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "BLOCKED")
}

func TestHandleGetTrust_DefaultsToSelf(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/maker/trust", r.URL.Path)
		_, _ = w.Write([]byte(`{"profile":{"userId":"maker","successfulTrades":12,"disputesWon":1,"disputesLost":0,"totalVolume":"1500"},
			"evaluation":{"userId":"maker","score":240,"level":"TRUSTED"}}`))
	}))
	defer done()

	result, err := h.HandleGetTrust(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Level: TRUSTED (score 240)")
	assert.Contains(t, text, "Successful trades: 12")
}

func TestHandleDisputeBill(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bill":{"id":"bill_1","makerId":"maker","payerId":"payer","amount":"100","currency":"USDC",
			"method":"card","status":"DISPUTED","disputeReason":"chargeback","disputedBy":"maker"}}`))
	}))
	defer done()

	result, err := h.HandleDisputeBill(context.Background(), makeRequest(map[string]any{"bill_id": "bill_1", "reason": "chargeback"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: DISPUTED")
	assert.Contains(t, text, "Dispute: chargeback (by maker)")
}

func TestHandleDisputeBill_RequiresReason(t *testing.T) {
	h, done := newTestSetup(http.NotFoundHandler())
	defer done()

	result, err := h.HandleDisputeBill(context.Background(), makeRequest(map[string]any{"bill_id": "bill_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleReleaseBill_APIError(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"hold_active","message":"Hold period has not elapsed"}`))
	}))
	defer done()

	result, err := h.HandleReleaseBill(context.Background(), makeRequest(map[string]any{"bill_id": "bill_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Failed to release bill bill_1")
	assert.Contains(t, text, "hold_active")
}

func TestHandleDeclarePayment(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"paymentRef":"REF-9"}`, string(body))
		_, _ = w.Write([]byte(`{"bill":{"id":"bill_1","makerId":"maker","payerId":"payer","amount":"5","currency":"USDC",
			"method":"instant_bank","status":"PAYMENT_DECLARED"}}`))
	}))
	defer done()

	result, err := h.HandleDeclarePayment(context.Background(), makeRequest(map[string]any{"bill_id": "bill_1", "payment_ref": "REF-9"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "PAYMENT_DECLARED")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t", UserID: "maker"}, "test")
	require.NotNil(t, s)
}
