package bill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/oracle"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/traces"
	"github.com/fiatlock/releasegate/internal/validation"
)

// DeclareRequest carries the payer's payment reference.
type DeclareRequest struct {
	PaymentRef string `json:"paymentRef"`
}

// DeclarePayment records the payer's claim that the off-ledger payment was
// sent. It does not authorize release.
func (s *Service) DeclarePayment(ctx context.Context, actor Actor, id string, req DeclareRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "DeclarePayment", id, actor)
	defer func() { traces.End(span, err) }()

	if errs := validation.Validate(
		validation.Required("paymentRef", req.PaymentRef),
		validation.ValidPaymentRef("paymentRef", req.PaymentRef),
	); len(errs) > 0 {
		return nil, validationf(CodeInvalidReference, "%s", errs.Error())
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.PayerID == "" || actor.ID != b.PayerID {
		return nil, forbiddenf(CodeNotParticipant, "only the payer can declare payment")
	}
	if b.Status == StatusPaymentDeclared && b.PaymentRef == req.PaymentRef {
		return b, nil
	}
	if b.Status != StatusClaimed {
		return nil, wrongState(b, "declare payment on")
	}

	now := s.now()
	b.PaymentRef = req.PaymentRef
	b.Status = StatusPaymentDeclared
	b.DeclaredAt = &now
	b.UpdatedAt = now
	span.SetAttributes(traces.Reference(req.PaymentRef))
	if err := s.commitOrConflict(ctx, b, StatusClaimed, "declare", ActionDeclare, actor, "", "ref="+req.PaymentRef); err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyPayment is the maker's own attestation that the payment arrived.
// It is refused when the payer's fresh risk level requires an oracle.
func (s *Service) VerifyPayment(ctx context.Context, actor Actor, id string) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "VerifyPayment", id, actor)
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != b.MakerID {
		return nil, forbiddenf(CodeNotParticipant, "only the maker can attest payment")
	}
	if b.Status != StatusPaymentDeclared {
		return nil, wrongState(b, "verify payment on")
	}

	att := &Attestation{Source: AttestedByMaker, Signer: actor.ID, At: s.now()}
	if err := s.verify(ctx, b, att, actor, true); err != nil {
		return nil, err
	}
	return b, nil
}

// SubmitAttestation verifies an oracle-signed attestation and applies it.
func (s *Service) SubmitAttestation(ctx context.Context, a *oracle.Attestation) (*Bill, error) {
	if !s.oracle.Enabled() {
		return nil, forbiddenf(CodeInvalidAttestation, "no payment oracle is configured")
	}
	if err := s.oracle.Verify(a); err != nil {
		if errors.Is(err, oracle.ErrUntrustedSigner) {
			return nil, forbiddenf(CodeInvalidAttestation, "%v", err)
		}
		return nil, validationf(CodeInvalidAttestation, "%v", err)
	}
	return s.applyAttestation(ctx, a, AttestedByOracle)
}

// HandleStripeWebhook verifies a Stripe webhook and applies it as an
// attestation. Events that do not confirm a payment return an error
// wrapping oracle.ErrIgnoredEvent.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*Bill, error) {
	if !s.stripe.Enabled() {
		return nil, forbiddenf(CodeInvalidAttestation, "stripe webhooks are not configured")
	}
	a, err := s.stripe.Translate(payload, signature)
	if err != nil {
		if errors.Is(err, oracle.ErrIgnoredEvent) {
			return nil, err
		}
		return nil, validationf(CodeInvalidAttestation, "%v", err)
	}
	return s.applyAttestation(ctx, a, AttestedByStripe)
}

// applyAttestation applies an already authenticated attestation. Replays
// of an attestation that was already applied return the bill unchanged.
func (s *Service) applyAttestation(ctx context.Context, a *oracle.Attestation, source AttestationSource) (b *Bill, err error) {
	actor := Actor{ID: fmt.Sprintf("%s:%s", source, a.Signer), System: true}
	ctx, span := s.startSpan(ctx, "ApplyAttestation", a.BillID, actor)
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, a.BillID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err = s.store.Get(ctx, a.BillID)
	if err != nil {
		return nil, err
	}
	matches := a.PaymentRef == b.PaymentRef && a.FiatAmount.Equal(b.FiatAmount)
	if b.Attestation != nil && matches && b.VerifiedAt != nil {
		return b, nil
	}
	if b.Status != StatusPaymentDeclared {
		return nil, wrongState(b, "verify payment on")
	}
	if !matches {
		return nil, validationf(CodeAttestationMismatch,
			"attestation ref %s amount %s does not match bill ref %s amount %s",
			a.PaymentRef, a.FiatAmount, b.PaymentRef, b.FiatAmount)
	}

	att := &Attestation{Source: source, Signer: a.Signer, At: s.now()}
	if err := s.verify(ctx, b, att, actor, false); err != nil {
		return nil, err
	}
	return b, nil
}

// verify assesses the payer, computes the hold and moves b to
// PAYMENT_VERIFIED. The hold uses the creation-time trust snapshot and the
// fresh verification-time risk level. Caller holds the bill lock.
func (s *Service) verify(ctx context.Context, b *Bill, att *Attestation, actor Actor, selfAttested bool) error {
	payer, err := s.loadProfile(ctx, b.PayerID)
	if err != nil {
		return err
	}
	assessment, err := s.assess(ctx, risk.PointVerification, b, payer, risk.Environment{})
	if err != nil {
		return err
	}
	if selfAttested && assessment.Level.AtLeast(s.doc.RequireOracleAtLevel) {
		return policyf(CodeOracleRequired, "payer risk %s requires an oracle attestation", assessment.Level)
	}

	hold, err := s.resolver.Resolve(b.Method, b.TrustLevel, assessment.Level)
	if err != nil {
		if errors.Is(err, policy.ErrBlocked) {
			return policyf(CodeMethodBlocked, "%v", err)
		}
		return err
	}

	now := s.now()
	eligible := now.Add(hold)
	b.Status = StatusPaymentVerified
	b.Attestation = att
	b.VerificationRisk = snapshot(assessment)
	b.VerifiedAt = &now
	b.HoldSeconds = int64(hold / time.Second)
	b.ReleaseEligibleAt = &eligible
	b.UpdatedAt = now

	detail := fmt.Sprintf("source=%s hold=%s risk=%s", att.Source, hold, assessment.Level)
	if err := s.commitOrConflict(ctx, b, StatusPaymentDeclared, "verify", ActionVerify, actor, "", detail); err != nil {
		return err
	}
	metrics.HoldDuration.WithLabelValues(string(b.Method)).Observe(hold.Seconds())
	return nil
}
