package bill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/idgen"
	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/traces"
	"github.com/fiatlock/releasegate/internal/validation"
)

// CreateRequest contains the parameters for creating a bill. The maker is
// the calling actor.
type CreateRequest struct {
	Amount       decimal.Decimal  `json:"amount"`
	Currency     string           `json:"currency"`
	FiatAmount   decimal.Decimal  `json:"fiatAmount"`
	FiatCurrency string           `json:"fiatCurrency"`
	ExchangeRate decimal.Decimal  `json:"exchangeRate"`
	Method       policy.Method    `json:"method"`
	ExpiresIn    string           `json:"expiresIn,omitempty"` // Duration string, e.g. "2h"
	Env          risk.Environment `json:"env"`
}

// Create validates and gates a new bill, issues the ledger lock and stores
// it. If the ledger confirms the lock synchronously the bill is returned
// FUNDED; otherwise it stays CREATED until ConfirmFunded.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Create", "", actor)
	defer func() { traces.End(span, err) }()

	if actor.ID == "" {
		return nil, forbiddenf(CodeNotParticipant, "maker identity required")
	}
	if errs := validation.Validate(
		validation.Required("currency", req.Currency),
		validation.Required("method", string(req.Method)),
	); len(errs) > 0 {
		return nil, validationf(CodeInvalidRequest, "%s", errs.Error())
	}
	if errs := validation.Validate(
		validation.Positive("amount", req.Amount),
		validation.Positive("fiatAmount", req.FiatAmount),
		validation.Positive("exchangeRate", req.ExchangeRate),
	); len(errs) > 0 {
		return nil, validationf(CodeInvalidAmount, "%s", errs.Error())
	}
	if !policy.AmountsMatch(req.Amount, req.ExchangeRate, req.FiatAmount, s.doc.AmountTolerance) {
		return nil, validationf(CodeAmountMismatch, "amount %s at rate %s does not match fiat amount %s",
			req.Amount, req.ExchangeRate, req.FiatAmount)
	}
	if _, err := s.table.Lookup(req.Method); err != nil {
		return nil, validationf(CodeUnknownMethod, "unsupported payment method %q", req.Method)
	}
	var requested time.Duration
	if req.ExpiresIn != "" {
		requested, err = time.ParseDuration(req.ExpiresIn)
		if err != nil {
			return nil, validationf(CodeInvalidExpiry, "invalid expiresIn %q", req.ExpiresIn)
		}
	}
	expiry, err := s.doc.ExpiryFor(requested)
	if err != nil {
		return nil, validationf(CodeInvalidExpiry, "%v", err)
	}

	now := s.now()
	profile, err := s.loadProfile(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if profile.Blacklisted {
		return nil, forbiddenf(CodeBlacklisted, "user %s may not create bills", actor.ID)
	}
	score := s.evaluator.Score(profile, now)
	level := s.evaluator.Level(score, profile)

	if allowed, _ := s.table.Allowed(req.Method, level); !allowed {
		return nil, policyf(CodeMethodBlocked, "payment method %s is blocked at trust level %s", req.Method, level)
	}

	limit := s.doc.LimitFor(level)
	if req.Amount.GreaterThan(limit.SingleBill) {
		return nil, policyf(CodeLimitExceeded, "amount %s exceeds the %s single-bill limit of %s", req.Amount, level, limit.SingleBill)
	}
	open, err := s.store.OpenVolume(ctx, actor.ID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	daily := profile.DailyVolumeAt(now).Add(open).Add(req.Amount)
	if daily.GreaterThan(limit.DailyVolume) {
		return nil, policyf(CodeLimitExceeded, "24h volume %s would exceed the %s daily limit of %s", daily, level, limit.DailyVolume)
	}

	b = &Bill{
		ID:           idgen.WithPrefix(idgen.PrefixBill),
		MakerID:      actor.ID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		FiatAmount:   req.FiatAmount,
		FiatCurrency: req.FiatCurrency,
		ExchangeRate: req.ExchangeRate,
		Fee:          policy.Fee(req.Amount, s.doc.FeeBpsFor(level)),
		Method:       req.Method,
		Status:       StatusCreated,
		TrustLevel:   level,
		TrustScore:   score,
		CreatedAt:    now,
		ExpiresAt:    now.Add(expiry),
		UpdatedAt:    now,
	}
	span.SetAttributes(traces.BillID(b.ID), traces.Amount(b.Amount.String()))

	assessment, err := s.assess(ctx, risk.PointCreation, b, profile, req.Env)
	if err != nil {
		return nil, err
	}
	if assessment.Action == risk.ActionBlock {
		return nil, policyf(CodeRiskBlocked, "creation blocked by risk score %d (%s)", assessment.Score, assessment.Level)
	}
	b.CreationRisk = snapshot(assessment)
	b.ReviewPending = assessment.Action.RequiresReview()

	receipt, err := s.ledger.LockFunds(ctx, settlement.LockRequest{
		Reference: b.ID,
		MakerID:   b.MakerID,
		Amount:    b.Amount,
		Currency:  b.Currency,
	})
	if err != nil {
		if errors.Is(err, settlement.ErrInsufficientBalance) {
			return nil, validationf(CodeInsufficientFunds, "%v", err)
		}
		return nil, fmt.Errorf("failed to lock bill funds: %w", err)
	}
	s.log(ctx).Info("funds lock issued", "bill_id", b.ID, "maker", b.MakerID, "amount", b.Amount.String(),
		"confirmed", receipt.Confirmed, "tx_id", receipt.TxID)

	entry := &AuditEntry{
		ID:      idgen.WithPrefix(idgen.PrefixAudit),
		BillID:  b.ID,
		Action:  ActionCreate,
		To:      StatusCreated,
		ActorID: actor.ID,
		Detail:  fmt.Sprintf("trust=%s/%d risk=%s/%s", level, score, assessment.Level, assessment.Action),
		At:      now,
	}
	if err := s.store.Create(ctx, b, entry); err != nil {
		// Best-effort refund if store fails
		if _, rerr := s.ledger.RefundToMaker(ctx, b.ID, b.MakerID, b.Amount); rerr != nil {
			s.log(ctx).Error("CRITICAL: bill lock issued but record and refund both failed",
				"bill_id", b.ID, "maker", b.MakerID, "amount", b.Amount.String(), "error", rerr)
		}
		return nil, fmt.Errorf("failed to create bill record: %w", err)
	}
	s.collector.RecordActivity(actor.ID)
	s.publisher.Publish(ctx, Event{
		Type: EventTransition, BillID: b.ID, To: StatusCreated, Action: ActionCreate,
		ActorID: actor.ID, Bill: b.Clone(), At: now,
	})

	if receipt.Confirmed {
		return s.ConfirmFunded(ctx, b.ID, receipt.TxID)
	}
	return b, nil
}

// ConfirmFunded applies a funds-locked confirmation from the ledger. It is
// idempotent. A lock that lands after the bill was cancelled (or refunded
// by a dispute before funding) is refunded exactly once.
func (s *Service) ConfirmFunded(ctx context.Context, id, txID string) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "ConfirmFunded", id, SystemActor)
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
	if b.Funded() {
		return b, nil
	}

	now := s.now()
	from := b.Status
	switch b.Status {
	case StatusCreated:
		b.Status = StatusFunded
		b.FundedAt = &now
		b.UpdatedAt = now
		if err := s.commitOrConflict(ctx, b, from, "fund", ActionFund, SystemActor, "", "tx="+txID); err != nil {
			return nil, err
		}
		return b, nil

	case StatusDisputed:
		// Disputed before the lock confirmed; resolution now has funds to move.
		b.FundedAt = &now
		b.UpdatedAt = now
		if err := s.commitOrConflict(ctx, b, from, "fund", ActionFund, SystemActor, "", "tx="+txID); err != nil {
			return nil, err
		}
		return b, nil

	case StatusCancelled, StatusResolvedRefunded:
		receipt, err := s.ledger.RefundToMaker(ctx, b.ID, b.MakerID, b.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to refund late lock: %w", err)
		}
		s.log(ctx).Info("late lock refunded", "bill_id", b.ID, "maker", b.MakerID,
			"amount", b.Amount.String(), "tx_id", receipt.TxID)
		b.FundedAt = &now
		b.Settlement = settledBy(receipt, now)
		b.UpdatedAt = now
		if err := s.commitAfterLedger(ctx, b, from, ActionLateLockRefund, SystemActor, "", "tx="+txID); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, wrongState(b, "fund")
}

// Cancel cancels a bill whose lock has not confirmed. Maker only. No
// ledger command is issued; a lock landing later is refunded by
// ConfirmFunded.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Cancel", id, actor)
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
		return nil, forbiddenf(CodeNotParticipant, "only the maker can cancel")
	}
	if b.Status == StatusCancelled {
		return b, nil
	}
	if b.Status != StatusCreated {
		return nil, wrongState(b, "cancel")
	}

	now := s.now()
	b.Status = StatusCancelled
	b.ClosedAt = &now
	b.UpdatedAt = now
	if err := s.commitOrConflict(ctx, b, StatusCreated, "cancel", ActionCancel, actor, "", ""); err != nil {
		return nil, err
	}
	return b, nil
}

// Claim makes actor the payer of a FUNDED bill. Of concurrent claims
// exactly one succeeds; the rest get a conflict.
func (s *Service) Claim(ctx context.Context, actor Actor, id string) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Claim", id, actor)
	defer func() { traces.End(span, err) }()

	if actor.ID == "" {
		return nil, forbiddenf(CodeNotParticipant, "payer identity required")
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
	if actor.ID == b.MakerID {
		return nil, forbiddenf(CodeSelfClaim, "maker cannot claim own bill")
	}
	if b.PayerID != "" {
		metrics.BillConflictsTotal.WithLabelValues("claim").Inc()
		return nil, conflictf(b, CodeAlreadyClaim, "bill already claimed")
	}
	if b.Status != StatusFunded {
		return nil, wrongState(b, "claim")
	}
	now := s.now()
	if b.Expired(now) {
		return nil, conflictf(b, CodeInvalidState, "bill expired at %s", b.ExpiresAt.Format(time.RFC3339))
	}

	profile, err := s.loadProfile(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if profile.Blacklisted {
		return nil, forbiddenf(CodeBlacklisted, "user %s may not claim bills", actor.ID)
	}

	b.PayerID = actor.ID
	b.Status = StatusClaimed
	b.ClaimedAt = &now
	b.UpdatedAt = now
	if err := s.commitOrConflict(ctx, b, StatusFunded, "claim", ActionClaim, actor, "", ""); err != nil {
		return nil, err
	}
	s.collector.RecordActivity(actor.ID)
	return b, nil
}

func settledBy(r *settlement.Receipt, now time.Time) *Settlement {
	return &Settlement{
		Command: r.Command,
		TxID:    r.TxID,
		Account: r.Account,
		Amount:  r.Amount,
		At:      now,
	}
}
