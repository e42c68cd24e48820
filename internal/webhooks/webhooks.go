// Package webhooks delivers bill events to URLs registered by users.
//
// A user subscribes to event types (bill.transition, bill.override) and
// receives every matching event for bills where they are maker or payer.
// Payloads are signed with HMAC-SHA256 over the body using the
// subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fiatlock/releasegate/internal/bill"
	"github.com/fiatlock/releasegate/internal/idgen"
	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/retry"
	"github.com/fiatlock/releasegate/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Releasegate-Event"
	HeaderTimestamp = "X-Releasegate-Timestamp"
	HeaderSignature = "X-Releasegate-Signature"
)

const (
	deliveryAttempts = 3
	deliveryBackoff  = 500 * time.Millisecond
	deliveryTimeout  = 30 * time.Second

	// maxConsecutiveFailures deactivates a subscription.
	maxConsecutiveFailures = 10
)

var ErrNotFound = errors.New("webhook subscription not found")

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	ID        string         `json:"id"`
	Type      bill.EventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      bill.Event     `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"userId"`
	URL                 string           `json:"url"`
	Secret              string           `json:"-"` // Used for HMAC signing
	Events              []bill.EventType `json:"events"`
	Active              bool             `json:"active"`
	CreatedAt           time.Time        `json:"createdAt"`
	LastSuccess         *time.Time       `json:"lastSuccess,omitempty"`
	LastError           string           `json:"lastError,omitempty"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
}

// Wants reports whether the subscription takes events of type t.
func (s *Subscription) Wants(t bill.EventType) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends bill events to subscribers. It implements
// bill.Publisher; deliveries run in the background.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	operators    []*Subscription
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
	}
}

// WithEndpointPolicy replaces the default destination check.
func (d *Dispatcher) WithEndpointPolicy(p security.EndpointPolicy) *Dispatcher {
	d.urlValidator = func(rawURL string) error {
		return p.Check(context.Background(), rawURL)
	}
	return d
}

// WithOperatorEndpoints adds URLs that receive every event for every bill.
// They are not persisted and are never deactivated.
func (d *Dispatcher) WithOperatorEndpoints(urls []string, secret string) *Dispatcher {
	for i, u := range urls {
		d.operators = append(d.operators, &Subscription{
			ID:     fmt.Sprintf("operator_%d", i),
			URL:    u,
			Secret: secret,
			Events: []bill.EventType{bill.EventTransition, bill.EventOverride},
			Active: true,
		})
	}
	return d
}

// Publish queues ev for every subscriber among the bill's participants and
// for every operator endpoint.
func (d *Dispatcher) Publish(ctx context.Context, ev bill.Event) {
	if ev.Bill == nil {
		return
	}
	payload := &Payload{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      ev.Type,
		Timestamp: ev.At,
		Data:      ev,
	}
	for _, sub := range d.operators {
		d.enqueue(ctx, sub, payload)
	}
	for _, userID := range participants(ev.Bill) {
		subs, err := d.store.ListByUser(ctx, userID)
		if err != nil {
			d.logger.Warn("failed to list webhook subscriptions", "user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			d.enqueue(ctx, sub, payload)
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, sub *Subscription, payload *Payload) {
	if !sub.Wants(payload.Type) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		d.deliver(dctx, sub, payload)
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func participants(b *bill.Bill) []string {
	if b.PayerID == "" || b.PayerID == b.MakerID {
		return []string{b.MakerID}
	}
	return []string{b.MakerID, b.PayerID}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, payload *Payload) {
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		d.recordFailure(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, deliveryAttempts, deliveryBackoff, func() error {
		return d.send(ctx, sub, payload, body)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, payload *Payload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(payload.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", payload.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	if sub.UserID == "" {
		return
	}
	cp := *sub
	now := time.Now()
	cp.LastSuccess = &now
	cp.LastError = ""
	cp.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, &cp); err != nil {
		d.logger.Warn("failed to update webhook subscription", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	if sub.UserID == "" {
		d.logger.Warn("operator webhook delivery failed", "url", sub.URL, "error", msg)
		return
	}
	cp := *sub
	cp.LastError = msg
	cp.ConsecutiveFailures++
	if cp.ConsecutiveFailures >= maxConsecutiveFailures {
		cp.Active = false
		d.logger.Warn("webhook subscription deactivated", "id", sub.ID, "user_id", sub.UserID,
			"failures", cp.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, &cp); err != nil {
		d.logger.Warn("failed to update webhook subscription", "id", sub.ID, "error", err)
	}
}

var _ bill.Publisher = (*Dispatcher)(nil)

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
