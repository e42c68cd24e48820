package bill

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/traces"
	"github.com/fiatlock/releasegate/internal/trust"
	"github.com/fiatlock/releasegate/internal/validation"
)

// Dispute resolutions.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// DisputeRequest contains the parameters for disputing a bill.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest contains a resolver's binary decision.
type ResolveRequest struct {
	Resolution string `json:"resolution"` // "release" or "refund"
	Reason     string `json:"reason"`
}

// RateRequest rates the counterparty of a closed bill.
type RateRequest struct {
	Positive bool `json:"positive"`
}

// Dispute freezes a non-terminal bill. Time passing no longer makes it
// releasable; only Resolve moves it on.
func (s *Service) Dispute(ctx context.Context, actor Actor, id string, req DisputeRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Dispute", id, actor)
	defer func() { traces.End(span, err) }()

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if reason == "" {
		return nil, validationf(CodeMissingReason, "dispute requires a reason")
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
	if !b.IsParticipant(actor.ID) {
		return nil, forbiddenf(CodeNotParticipant, "only the maker or payer can dispute")
	}
	if b.Status.IsTerminal() || b.Status == StatusDisputed {
		return nil, wrongState(b, "dispute")
	}

	now := s.now()
	from := b.Status
	b.DisputedFrom = from
	b.Status = StatusDisputed
	b.DisputedAt = &now
	b.DisputeReason = reason
	b.DisputedBy = actor.ID
	b.UpdatedAt = now
	if err := s.commitOrConflict(ctx, b, from, "dispute", ActionDispute, actor, reason, ""); err != nil {
		return nil, err
	}
	return b, nil
}

// Resolve closes a dispute by releasing to the payer or refunding the
// maker. Resolver role only. No ledger command is issued when the lock
// never confirmed.
func (s *Service) Resolve(ctx context.Context, actor Actor, id string, req ResolveRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Resolve", id, actor)
	defer func() { traces.End(span, err) }()

	if !actor.Resolver {
		return nil, forbiddenf(CodeWrongRole, "resolving disputes requires the resolver role")
	}
	var target Status
	switch req.Resolution {
	case ResolutionRelease:
		target = StatusResolvedReleased
	case ResolutionRefund:
		target = StatusResolvedRefunded
	default:
		return nil, validationf(CodeInvalidRequest, "resolution must be %q or %q", ResolutionRelease, ResolutionRefund)
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == target {
		return b, nil
	}
	if b.Status != StatusDisputed {
		return nil, wrongState(b, "resolve")
	}
	if target == StatusResolvedReleased && b.PayerID == "" {
		return nil, validationf(CodeInvalidRequest, "bill has no payer to release to")
	}

	now := s.now()
	var receipt *settlement.Receipt
	switch {
	case target == StatusResolvedReleased:
		receipt, err = s.ledger.ReleaseToPayer(ctx, b.ID, b.PayerID, b.Amount)
	case b.Funded():
		receipt, err = s.ledger.RefundToMaker(ctx, b.ID, b.MakerID, b.Amount)
	}
	if err != nil {
		if errors.Is(err, settlement.ErrAlreadySettled) {
			return nil, conflictf(b, CodeLedgerSettled, "%v", err)
		}
		return nil, fmt.Errorf("failed to settle disputed bill: %w", err)
	}

	b.Status = target
	b.Resolution = req.Resolution
	b.ResolvedBy = actor.ID
	b.ResolvedAt = &now
	b.ClosedAt = &now
	b.UpdatedAt = now
	if receipt != nil {
		s.log(ctx).Info("dispute settled", "bill_id", b.ID, "resolution", req.Resolution,
			"account", receipt.Account, "amount", receipt.Amount.String(), "tx_id", receipt.TxID)
		b.Settlement = settledBy(receipt, now)
		err = s.commitAfterLedger(ctx, b, StatusDisputed, ActionResolve, actor, reason, req.Resolution)
	} else {
		err = s.commitOrConflict(ctx, b, StatusDisputed, "resolve", ActionResolve, actor, reason, req.Resolution)
	}
	if err != nil {
		return nil, err
	}

	winner, loser := b.PayerID, b.MakerID
	if target == StatusResolvedRefunded {
		winner, loser = b.MakerID, b.PayerID
	}
	s.applyOutcome(ctx, winner, trust.Outcome{Kind: trust.OutcomeDisputeWon, BillID: b.ID})
	s.applyOutcome(ctx, loser, trust.Outcome{Kind: trust.OutcomeDisputeLost, BillID: b.ID})
	return b, nil
}

// Rate lets each party of a closed bill rate the other once.
func (s *Service) Rate(ctx context.Context, actor Actor, id string, req RateRequest) (b *Bill, err error) {
	ctx, span := s.startSpan(ctx, "Rate", id, actor)
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
	switch b.Status {
	case StatusReleased, StatusResolvedReleased, StatusResolvedRefunded:
	default:
		return nil, wrongState(b, "rate")
	}

	var counterparty string
	switch actor.ID {
	case "":
		return nil, forbiddenf(CodeNotParticipant, "caller identity required")
	case b.MakerID:
		if b.MakerRated {
			return nil, conflictf(b, CodeAlreadyRated, "maker already rated this bill")
		}
		b.MakerRated = true
		counterparty = b.PayerID
	case b.PayerID:
		if b.PayerRated {
			return nil, conflictf(b, CodeAlreadyRated, "payer already rated this bill")
		}
		b.PayerRated = true
		counterparty = b.MakerID
	default:
		return nil, forbiddenf(CodeNotParticipant, "only the maker or payer can rate")
	}
	if counterparty == "" {
		return nil, validationf(CodeInvalidRequest, "bill has no counterparty to rate")
	}

	kind, detail := trust.OutcomeRatedNegative, "negative"
	if req.Positive {
		kind, detail = trust.OutcomeRatedPositive, "positive"
	}
	b.UpdatedAt = s.now()
	if err := s.commitOrConflict(ctx, b, b.Status, "rate", ActionRate, actor, "", detail); err != nil {
		return nil, err
	}
	s.applyOutcome(ctx, counterparty, trust.Outcome{Kind: kind, BillID: b.ID})
	return b, nil
}
