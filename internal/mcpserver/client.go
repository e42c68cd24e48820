package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fiatlock/releasegate/internal/bill"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/trust"
)

// Config holds the configuration for connecting to the release gate API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token for the acting user
	UserID string // The token's subject; used for "my bills"
}

// Client is an HTTP client for the release gate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes a 2xx JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("API error (%d %s): %s", resp.StatusCode, ae.Error, ae.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type billEnvelope struct {
	Bill *bill.Bill `json:"bill"`
}

func (c *Client) billCall(ctx context.Context, method, path string, body any) (*bill.Bill, error) {
	var env billEnvelope
	if err := c.doRequest(ctx, method, path, nil, body, &env); err != nil {
		return nil, err
	}
	if env.Bill == nil {
		return nil, fmt.Errorf("response has no bill")
	}
	return env.Bill, nil
}

// GetBill fetches one bill.
func (c *Client) GetBill(ctx context.Context, id string) (*bill.Bill, error) {
	return c.billCall(ctx, http.MethodGet, "/v1/bills/"+url.PathEscape(id), nil)
}

// ListMyBills lists bills where the configured user is maker or payer,
// resuming after cursor when it is set.
func (c *Client) ListMyBills(ctx context.Context, limit int, cursor string) (*bill.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page bill.Page
	err := c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(c.cfg.UserID)+"/bills", q, nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Audit returns a bill's audit trail, oldest first.
func (c *Client) Audit(ctx context.Context, id string) ([]*bill.AuditEntry, error) {
	var resp struct {
		Entries []*bill.AuditEntry `json:"entries"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/v1/bills/"+url.PathEscape(id)+"/audit", nil, nil, &resp)
	return resp.Entries, err
}

// QuoteHold returns the hold policy for a method at a trust level.
func (c *Client) QuoteHold(ctx context.Context, method, level string) (*policy.HoldQuote, error) {
	q := url.Values{"method": {method}}
	if level != "" {
		q.Set("level", level)
	}
	var quote policy.HoldQuote
	if err := c.doRequest(ctx, http.MethodGet, "/v1/policy/holds", q, nil, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// TrustReport is the trust endpoint's response.
type TrustReport struct {
	Profile    *trust.Profile   `json:"profile"`
	Evaluation trust.Evaluation `json:"evaluation"`
}

// GetTrust returns a user's trust profile and evaluation.
func (c *Client) GetTrust(ctx context.Context, userID string) (*TrustReport, error) {
	var r TrustReport
	if err := c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/trust", nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Claim takes an open bill as payer.
func (c *Client) Claim(ctx context.Context, id string) (*bill.Bill, error) {
	return c.billCall(ctx, http.MethodPost, "/v1/bills/"+url.PathEscape(id)+"/claim", nil)
}

// Declare records that the off-ledger payment was sent.
func (c *Client) Declare(ctx context.Context, id, paymentRef string) (*bill.Bill, error) {
	return c.billCall(ctx, http.MethodPost, "/v1/bills/"+url.PathEscape(id)+"/declare",
		bill.DeclareRequest{PaymentRef: paymentRef})
}

// Verify attests, as maker, that the payment arrived.
func (c *Client) Verify(ctx context.Context, id string) (*bill.Bill, error) {
	return c.billCall(ctx, http.MethodPost, "/v1/bills/"+url.PathEscape(id)+"/verify", nil)
}

// Release asks the engine to release funds to the payer.
func (c *Client) Release(ctx context.Context, id string) (*bill.Bill, error) {
	return c.billCall(ctx, http.MethodPost, "/v1/bills/"+url.PathEscape(id)+"/release", nil)
}

// Dispute freezes a bill pending resolution.
func (c *Client) Dispute(ctx context.Context, id, reason string) (*bill.Bill, error) {
	return c.billCall(ctx, http.MethodPost, "/v1/bills/"+url.PathEscape(id)+"/dispute",
		bill.DisputeRequest{Reason: reason})
}
