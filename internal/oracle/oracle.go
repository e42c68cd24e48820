// Package oracle authenticates external payment confirmations. An
// attestation is trusted only when it is signed (EIP-191) by one of the
// designated oracle addresses, or arrives as a signature-verified Stripe
// webhook.
package oracle

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrUntrustedSigner = errors.New("oracle: signer is not a designated oracle")
	ErrStale           = errors.New("oracle: attestation outside freshness window")
	ErrBadSignature    = errors.New("oracle: invalid signature")
	ErrIgnoredEvent    = errors.New("oracle: event does not confirm a payment")
	ErrMalformed       = errors.New("oracle: malformed attestation")
)

// DefaultFreshness is how far an attestation timestamp may be from now.
const DefaultFreshness = 10 * time.Minute

// Source says how an attestation was authenticated.
type Source string

const (
	SourceOracle Source = "oracle"
	SourceStripe Source = "stripe"
)

// Attestation is an authenticated claim that a fiat payment for a bill was
// received.
type Attestation struct {
	BillID     string          `json:"billId" binding:"required"`
	PaymentRef string          `json:"paymentRef" binding:"required"`
	FiatAmount decimal.Decimal `json:"fiatAmount"`
	Timestamp  int64           `json:"timestamp" binding:"required"`
	Signature  string          `json:"signature,omitempty"`
	Source     Source          `json:"source,omitempty"`
	Signer     string          `json:"signer,omitempty"`
}

// Message returns the text an oracle signs.
// Format: "releasegate|attest|{billID}|{paymentRef}|{fiatAmount}|{timestamp}"
func Message(billID, paymentRef string, fiat decimal.Decimal, timestamp int64) string {
	return fmt.Sprintf("releasegate|attest|%s|%s|%s|%d", billID, paymentRef, fiat.String(), timestamp)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message string, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: hex: %v", ErrBadSignature, err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("%w: must be 65 bytes, got %d", ErrBadSignature, len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("%w: recover: %v", ErrBadSignature, err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: pubkey: %v", ErrBadSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Sign produces an EIP-191 signature over message with v in {27, 28}.
func Sign(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier checks oracle-signed attestations.
type Verifier struct {
	oracles   map[string]bool
	freshness time.Duration
	now       func() time.Time
}

// NewVerifier trusts the given oracle addresses. Invalid addresses are
// skipped; config validation rejects them earlier.
func NewVerifier(addresses []string, freshness time.Duration) *Verifier {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	v := &Verifier{oracles: make(map[string]bool), freshness: freshness, now: time.Now}
	for _, a := range addresses {
		if common.IsHexAddress(a) {
			v.oracles[strings.ToLower(common.HexToAddress(a).Hex())] = true
		}
	}
	return v
}

// Enabled reports whether any oracle is configured.
func (v *Verifier) Enabled() bool { return len(v.oracles) > 0 }

// Verify authenticates a, sets its Signer and Source, and checks freshness.
// Matching the attestation against the bill is the caller's job.
func (v *Verifier) Verify(a *Attestation) error {
	if a.BillID == "" || a.PaymentRef == "" || !a.FiatAmount.IsPositive() || a.Timestamp <= 0 {
		return ErrMalformed
	}
	if err := v.fresh(a.Timestamp); err != nil {
		return err
	}
	signer, err := RecoverAddress(Message(a.BillID, a.PaymentRef, a.FiatAmount, a.Timestamp), a.Signature)
	if err != nil {
		return err
	}
	if !v.oracles[signer] {
		return fmt.Errorf("%w: %s", ErrUntrustedSigner, signer)
	}
	a.Signer = signer
	a.Source = SourceOracle
	return nil
}

func (v *Verifier) fresh(ts int64) error {
	at := time.Unix(ts, 0)
	diff := v.now().Sub(at)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.freshness {
		return fmt.Errorf("%w: %s old", ErrStale, diff.Round(time.Second))
	}
	return nil
}
