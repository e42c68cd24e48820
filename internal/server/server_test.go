package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatlock/releasegate/internal/auth"
	"github.com/fiatlock/releasegate/internal/config"
	"github.com/fiatlock/releasegate/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		LogFormat:     "text",
		JWTSecret:     "test-secret-test-secret-test-secret",
		TokenTTL:      time.Hour,
		SweepInterval: time.Minute,
		RateLimitRPM:  1000,
		LedgerAPIKey:  "ledger-key",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	return s
}

func token(t *testing.T, s *Server, userID string, roles ...auth.Role) string {
	t.Helper()
	tok, _, err := s.Tokens().Issue(userID, roles...)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run.
	w = do(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Checks  []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "sweeper", resp.Checks[0].Name)

	// Ready but the sweeper never started.
	s.ready.Store(true)
	w = do(s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = do(s, "GET", "/api", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{"POST", "/v1/bills"},
		{"GET", "/v1/bills/bill_1"},
		{"GET", "/v1/users/maker/trust"},
		{"GET", "/v1/users/maker/webhooks"},
		{"GET", "/v1/stream"},
	} {
		w := do(s, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
	}

	w := do(s, "GET", "/v1/bills/bill_1", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/policy/holds?method=bank_transfer&level=NEW", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, "GET", "/v1/policy", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMe(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/auth/me", token(t, s, "maker"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"maker"`)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"emailVerified": true}

	w := do(s, "PATCH", "/v1/admin/users/maker/trust", token(t, s, "maker"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, "PATCH", "/v1/admin/users/maker/trust", token(t, s, "ops", auth.RoleAdmin), body)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, "GET", "/v1/stream/stats", token(t, s, "maker"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLedgerCallbackRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/events/funds-locked", "", map[string]string{"billId": "bill_1", "txId": "tx_1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBillFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	maker := token(t, s, "maker")
	payer := token(t, s, "payer")

	w := do(s, "POST", "/v1/bills", maker, map[string]any{
		"amount":       "50",
		"currency":     "USDC",
		"fiatAmount":   "50",
		"fiatCurrency": "USD",
		"exchangeRate": "1",
		"method":       "card",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Bill struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"bill"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Bill.ID
	assert.Equal(t, "FUNDED", created.Bill.Status)

	w = do(s, "POST", "/v1/bills/"+id+"/claim", payer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Second claim loses.
	w = do(s, "POST", "/v1/bills/"+id+"/claim", token(t, s, "late"), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Only the maker may verify.
	w = do(s, "POST", "/v1/bills/"+id+"/declare", payer, map[string]string{"paymentRef": "REF-0001"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(s, "POST", "/v1/bills/"+id+"/verify", payer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, "GET", "/v1/bills/"+id+"/audit", maker, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	assert.GreaterOrEqual(t, audit.Count, 3)

	w = do(s, "GET", "/v1/users/maker/bills", maker, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestShutdownWithoutRun(t *testing.T) {
	if testing.Short() {
		t.Skip("shutdown waits for the drain period")
	}
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
}
