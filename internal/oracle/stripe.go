package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Metadata keys the payment-intent creator sets so the webhook can be
// matched to a bill.
const (
	MetadataBillID     = "bill_id"
	MetadataPaymentRef = "payment_ref"
)

// zeroDecimal lists ISO currencies Stripe expresses without minor units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// StripeTranslator turns a signed Stripe webhook into an Attestation.
type StripeTranslator struct {
	secret string
}

// NewStripeTranslator creates a translator for the endpoint's signing secret.
func NewStripeTranslator(secret string) *StripeTranslator {
	return &StripeTranslator{secret: secret}
}

// Enabled reports whether a signing secret is configured.
func (s *StripeTranslator) Enabled() bool { return s.secret != "" }

// Translate verifies the Stripe-Signature header and converts a
// payment_intent.succeeded event. Other event types return ErrIgnoredEvent.
func (s *StripeTranslator) Translate(payload []byte, sigHeader string) (*Attestation, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if event.Type != "payment_intent.succeeded" {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformed, err)
	}
	billID := pi.Metadata[MetadataBillID]
	ref := pi.Metadata[MetadataPaymentRef]
	if billID == "" || ref == "" {
		return nil, fmt.Errorf("%w: payment intent %s missing bill metadata", ErrMalformed, pi.ID)
	}

	return &Attestation{
		BillID:     billID,
		PaymentRef: ref,
		FiatAmount: minorToMajor(pi.AmountReceived, pi.Amount, string(pi.Currency)),
		Timestamp:  event.Created,
		Source:     SourceStripe,
		Signer:     event.ID,
	}, nil
}

func minorToMajor(received, amount int64, currency string) decimal.Decimal {
	minor := received
	if minor == 0 {
		minor = amount
	}
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}
