package bill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fiatlock/releasegate/internal/idgen"
	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/traces"
	"github.com/fiatlock/releasegate/internal/trust"
	"github.com/fiatlock/releasegate/internal/validation"
)

// ReleaseRequest carries the caller's environment signals for the
// release-time risk assessment.
type ReleaseRequest struct {
	Env risk.Environment `json:"env"`
}

// OverrideRequest contains the parameters for an admin hold override.
type OverrideRequest struct {
	Reason string `json:"reason"`
}

// Release moves the locked value to the payer once the hold has elapsed.
// Callers: maker, payer, admin or the sweeper. Releasing a RELEASED bill
// returns it unchanged without a second ledger command.
func (s *Service) Release(ctx context.Context, actor Actor, id string, req ReleaseRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Release", id, actor)
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
	if b.Status == StatusReleased {
		return b, nil
	}
	if !actor.System && !actor.Admin && !b.IsParticipant(actor.ID) {
		return nil, forbiddenf(CodeNotParticipant, "not a participant of this bill")
	}
	if err := s.release(ctx, b, actor, req.Env, false); err != nil {
		return nil, err
	}
	return b, nil
}

// ConfirmAndRelease is the maker's shortcut: release now, skipping any
// remaining hold, with the maker accepting the chargeback liability.
func (s *Service) ConfirmAndRelease(ctx context.Context, actor Actor, id string) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "ConfirmAndRelease", id, actor)
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
		return nil, forbiddenf(CodeNotParticipant, "only the maker can confirm and release")
	}
	if b.Status == StatusReleased {
		return b, nil
	}
	if err := s.release(ctx, b, actor, risk.Environment{}, true); err != nil {
		return nil, err
	}
	return b, nil
}

// release runs the hold, dispute and review gates and issues the release
// command. Caller holds the bill lock.
func (s *Service) release(ctx context.Context, b *Bill, actor Actor, env risk.Environment, liability bool) error {
	now := s.now()
	if b.Status == StatusDisputed {
		return policyf(CodeDisputed, "bill is disputed: %s", b.DisputeReason)
	}

	if liability {
		if b.Status != StatusPaymentVerified && b.Status != StatusHoldElapsed {
			return wrongState(b, "confirm and release")
		}
	} else {
		if b.Status == StatusPaymentVerified {
			if !b.HoldElapsed(now) {
				return conflictf(b, CodeHoldActive, "hold active until %s", b.ReleaseEligibleAt.Format(time.RFC3339))
			}
			if err := s.elapse(ctx, b, actor, now); err != nil {
				return err
			}
		}
		if b.Status != StatusHoldElapsed {
			return wrongState(b, "release")
		}
	}

	if err := s.gate(ctx, b, actor, env); err != nil {
		return err
	}

	from := b.Status
	receipt, err := s.ledger.ReleaseToPayer(ctx, b.ID, b.PayerID, b.Amount)
	if err != nil {
		if errors.Is(err, settlement.ErrAlreadySettled) {
			return conflictf(b, CodeLedgerSettled, "%v", err)
		}
		return fmt.Errorf("failed to release bill funds: %w", err)
	}
	s.log(ctx).Info("funds released", "bill_id", b.ID, "payer", b.PayerID,
		"amount", b.Amount.String(), "tx_id", receipt.TxID, "duplicate", receipt.Duplicate)

	b.Status = StatusReleased
	b.ReviewPending = false
	b.ReleasedAt = &now
	b.ClosedAt = &now
	b.Settlement = settledBy(receipt, now)
	b.UpdatedAt = now
	action, detail := ActionRelease, ""
	if liability {
		b.LiabilityAccepted = true
		b.MakerConfirmedAt = &now
		action, detail = ActionConfirmRelease, "liabilityAccepted=true"
	}
	if err := s.commitAfterLedger(ctx, b, from, action, actor, "", detail); err != nil {
		return err
	}

	traded := trust.Outcome{Kind: trust.OutcomeTradeCompleted, BillID: b.ID, Volume: b.Amount}
	s.applyOutcome(ctx, b.MakerID, traded)
	s.applyOutcome(ctx, b.PayerID, traded)
	return nil
}

// elapse performs PAYMENT_VERIFIED → HOLD_ELAPSED.
func (s *Service) elapse(ctx context.Context, b *Bill, actor Actor, now time.Time) error {
	b.Status = StatusHoldElapsed
	b.HoldElapsedAt = &now
	b.UpdatedAt = now
	return s.commitOrConflict(ctx, b, StatusPaymentVerified, "release", ActionHoldElapsed, actor, "", "")
}

// gate refuses release while the creation-time or release-time risk action
// requires review, unless an admin override is on record. FLAG and DELAY
// never block.
func (s *Service) gate(ctx context.Context, b *Bill, actor Actor, env risk.Environment) error {
	if b.Override == nil && b.CreationRisk != nil && b.CreationRisk.Action.RequiresReview() {
		return policyf(CodeReviewRequired, "creation risk action %s requires review before release", b.CreationRisk.Action)
	}
	payer, err := s.loadProfile(ctx, b.PayerID)
	if err != nil {
		return err
	}
	if actor.ID != b.PayerID {
		env = risk.Environment{}
	}
	assessment, err := s.assess(ctx, risk.PointRelease, b, payer, env)
	if err != nil {
		return err
	}
	if b.Override == nil && assessment.Action.RequiresReview() {
		// Recorded once so the sweeper stops retrying until an override.
		if !b.ReviewPending {
			b.ReleaseRisk = snapshot(assessment)
			b.ReviewPending = true
			b.UpdatedAt = s.now()
			err := s.commitOrConflict(ctx, b, b.Status, "release", ActionReviewRequired, actor, "",
				"releaseRisk="+string(assessment.Action))
			if err != nil {
				return err
			}
		}
		return policyf(CodeReviewRequired, "release risk action %s requires review", assessment.Action)
	}
	b.ReleaseRisk = snapshot(assessment)
	return nil
}

// Override makes a verified bill releasable now. Admin only; the reason is
// mandatory and the audit entry is written before the bill changes.
func (s *Service) Override(ctx context.Context, actor Actor, id string, req OverrideRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Override", id, actor)
	defer func() { traces.End(span, err) }()

	if !actor.Admin {
		return nil, forbiddenf(CodeWrongRole, "override requires the admin role")
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if strings.TrimSpace(actor.ID) == "" || reason == "" {
		return nil, validationf(CodeMissingReason, "override requires an actor id and a reason")
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
	if b.Status == StatusDisputed {
		return nil, policyf(CodeDisputed, "cannot override a disputed bill")
	}
	if b.Status != StatusPaymentVerified && b.Status != StatusHoldElapsed {
		return nil, wrongState(b, "override")
	}

	now := s.now()
	computed := "none"
	if b.ReleaseEligibleAt != nil {
		computed = b.ReleaseEligibleAt.Format(time.RFC3339)
	}
	entry := &AuditEntry{
		ID:      idgen.WithPrefix(idgen.PrefixAudit),
		BillID:  b.ID,
		Action:  ActionOverride,
		From:    b.Status,
		To:      b.Status,
		ActorID: actor.ID,
		Reason:  reason,
		Detail:  "computedEligibleAt=" + computed,
		At:      now,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record override: %w", err)
	}
	s.log(ctx).Warn("hold override recorded", "bill_id", b.ID, "admin", actor.ID,
		"reason", reason, "computed_eligible_at", computed)

	b.Override = &Override{ActorID: actor.ID, Reason: reason, At: now}
	b.ReviewPending = false
	b.ReleaseEligibleAt = &now
	b.UpdatedAt = now
	if err := s.store.Transition(ctx, b, b.Status, nil); err != nil {
		if errors.Is(err, ErrStale) {
			metrics.BillConflictsTotal.WithLabelValues("override").Inc()
			current, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, conflictf(current, CodeInvalidState, "bill changed concurrently; now %s", current.Status)
		}
		return nil, err
	}
	s.publisher.Publish(ctx, Event{
		Type: EventOverride, BillID: b.ID, From: b.Status, To: b.Status, Action: ActionOverride,
		ActorID: actor.ID, Bill: b.Clone(), At: now,
	})
	return b, nil
}

// Expire refunds the maker once a FUNDED or CLAIMED bill is past expiry.
// Anyone may call it; repeating it on an EXPIRED_REFUNDED bill returns the
// bill.
func (s *Service) Expire(ctx context.Context, actor Actor, id string) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Expire", id, actor)
	defer func() { traces.End(span, err) }()

	if actor.ID == "" {
		return nil, forbiddenf(CodeNotParticipant, "caller identity required")
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
	if b.Status == StatusExpiredRefunded {
		return b, nil
	}
	if b.Status != StatusFunded && b.Status != StatusClaimed {
		return nil, wrongState(b, "expire")
	}
	now := s.now()
	if !b.Expired(now) {
		return nil, conflictf(b, CodeNotExpired, "bill expires at %s", b.ExpiresAt.Format(time.RFC3339))
	}

	receipt, err := s.ledger.RefundToMaker(ctx, b.ID, b.MakerID, b.Amount)
	if err != nil {
		if errors.Is(err, settlement.ErrAlreadySettled) {
			return nil, conflictf(b, CodeLedgerSettled, "%v", err)
		}
		return nil, fmt.Errorf("failed to refund expired bill: %w", err)
	}
	s.log(ctx).Info("expired bill refunded", "bill_id", b.ID, "maker", b.MakerID,
		"amount", b.Amount.String(), "tx_id", receipt.TxID)

	from := b.Status
	b.Status = StatusExpiredRefunded
	b.ClosedAt = &now
	b.Settlement = settledBy(receipt, now)
	b.UpdatedAt = now
	if err := s.commitAfterLedger(ctx, b, from, ActionExpire, actor, "", ""); err != nil {
		return nil, err
	}

	if from == StatusClaimed {
		s.applyOutcome(ctx, b.PayerID, trust.Outcome{Kind: trust.OutcomeFailed, BillID: b.ID, Volume: b.Amount})
	}
	return b, nil
}
