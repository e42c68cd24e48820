package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/circuitbreaker"
	"github.com/fiatlock/releasegate/internal/traces"
)

// RemoteError is a non-2xx answer from the ledger service.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("settlement: ledger returned %d %s: %s", e.Status, e.Code, e.Message)
}

// HTTPLedger talks to an external ledger service over JSON/HTTP. Each call
// carries an Idempotency-Key derived from the reference and command, so the
// ledger can deduplicate a command the caller chooses to repeat. The client
// itself never retries.
type HTTPLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPLedger creates a ledger client.
func NewHTTPLedger(baseURL, apiKey string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithBreaker replaces the default circuit breaker.
func (h *HTTPLedger) WithBreaker(b *circuitbreaker.Breaker) *HTTPLedger {
	h.breaker = b
	return h
}

// WithHTTPClient replaces the default HTTP client.
func (h *HTTPLedger) WithHTTPClient(c *http.Client) *HTTPLedger {
	h.client = c
	return h
}

type settleBody struct {
	Reference string          `json:"reference"`
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *HTTPLedger) LockFunds(ctx context.Context, req LockRequest) (*Receipt, error) {
	r, err := h.do(ctx, CommandLock, req.Reference, "/v1/locks", req)
	observe(CommandLock, r, err)
	return r, err
}

func (h *HTTPLedger) ReleaseToPayer(ctx context.Context, reference, payerID string, amount decimal.Decimal) (*Receipt, error) {
	r, err := h.do(ctx, CommandRelease, reference, "/v1/releases", settleBody{Reference: reference, Account: payerID, Amount: amount})
	observe(CommandRelease, r, err)
	return r, err
}

func (h *HTTPLedger) RefundToMaker(ctx context.Context, reference, makerID string, amount decimal.Decimal) (*Receipt, error) {
	r, err := h.do(ctx, CommandRefund, reference, "/v1/refunds", settleBody{Reference: reference, Account: makerID, Amount: amount})
	observe(CommandRefund, r, err)
	return r, err
}

func (h *HTTPLedger) do(ctx context.Context, cmd Command, reference, path string, body interface{}) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "settlement."+string(cmd), traces.Command(string(cmd)), traces.Reference(reference))
	var receipt *Receipt
	err := h.breaker.Do(string(cmd), countable, func() error {
		var err error
		receipt, err = h.send(ctx, cmd, reference, path, body)
		return err
	})
	traces.End(span, err)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, cmd)
	}
	return receipt, err
}

func (h *HTTPLedger) send(ctx context.Context, cmd Command, reference, path string, body interface{}) (*Receipt, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Idempotency-Key", reference+":"+string(cmd))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		var remote struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &remote)
		rerr := &RemoteError{Status: resp.StatusCode, Code: remote.Error, Message: remote.Message}
		switch {
		case resp.StatusCode == http.StatusConflict:
			return nil, fmt.Errorf("%w: %v", ErrAlreadySettled, rerr)
		case resp.StatusCode == http.StatusPaymentRequired:
			return nil, fmt.Errorf("%w: %v", ErrInsufficientBalance, rerr)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, rerr)
		}
		return nil, rerr
	}

	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: decode receipt: %v", ErrUnavailable, err)
	}
	if r.Reference == "" {
		r.Reference = reference
	}
	r.Command = cmd
	return &r, nil
}

// countable reports whether err indicates an unhealthy ledger. Business
// rejections from a healthy ledger do not trip the breaker.
func countable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

var _ Ledger = (*HTTPLedger)(nil)

// OpenCircuits lists the commands whose breaker is currently open.
func (h *HTTPLedger) OpenCircuits() []Command {
	var open []Command
	for _, cmd := range []Command{CommandLock, CommandRelease, CommandRefund} {
		if h.breaker.State(string(cmd)) == circuitbreaker.StateOpen {
			open = append(open, cmd)
		}
	}
	return open
}
