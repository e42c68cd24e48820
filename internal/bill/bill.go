// Package bill is the release authorization engine.
//
// A bill is one escrow transaction: the maker locks value, a payer claims
// it and pays off-ledger, and the engine decides when (and whether) the
// locked value may move.
//
// Flow:
//  1. Maker creates a bill → ledger lock issued → CREATED, then FUNDED once the lock confirms
//  2. Payer claims → CLAIMED
//  3. Payer declares the off-ledger payment → PAYMENT_DECLARED
//  4. Oracle/Stripe attestation or maker attestation → PAYMENT_VERIFIED, hold computed
//  5. Hold passes → HOLD_ELAPSED → release command → RELEASED
//
// Side paths: cancel before funding, permissionless refund after expiry,
// disputes with a resolver, and an audited admin override of the hold.
package bill

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/trust"
)

// Status is the single state-machine position of a bill.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusFunded           Status = "FUNDED"
	StatusClaimed          Status = "CLAIMED"
	StatusPaymentDeclared  Status = "PAYMENT_DECLARED"
	StatusPaymentVerified  Status = "PAYMENT_VERIFIED"
	StatusHoldElapsed      Status = "HOLD_ELAPSED"
	StatusReleased         Status = "RELEASED"
	StatusCancelled        Status = "CANCELLED"
	StatusExpiredRefunded  Status = "EXPIRED_REFUNDED"
	StatusDisputed         Status = "DISPUTED"
	StatusResolvedReleased Status = "RESOLVED_RELEASED"
	StatusResolvedRefunded Status = "RESOLVED_REFUNDED"
)

// edges lists every legal status change. Self-edges (field updates that
// keep the status) are always allowed and not listed.
var edges = map[Status][]Status{
	StatusCreated:         {StatusFunded, StatusCancelled, StatusDisputed},
	StatusFunded:          {StatusClaimed, StatusExpiredRefunded, StatusDisputed},
	StatusClaimed:         {StatusPaymentDeclared, StatusExpiredRefunded, StatusDisputed},
	StatusPaymentDeclared: {StatusPaymentVerified, StatusDisputed},
	StatusPaymentVerified: {StatusHoldElapsed, StatusReleased, StatusDisputed},
	StatusHoldElapsed:     {StatusReleased, StatusDisputed},
	StatusDisputed:        {StatusResolvedReleased, StatusResolvedRefunded},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusExpiredRefunded,
		StatusResolvedReleased, StatusResolvedRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := edges[s]
	return ok
}

// RiskSnapshot is the part of a risk assessment kept on the bill.
type RiskSnapshot struct {
	AssessmentID string      `json:"assessmentId"`
	UserID       string      `json:"userId"`
	Score        int         `json:"score"`
	Level        risk.Level  `json:"level"`
	Action       risk.Action `json:"action"`
}

func snapshot(a *risk.Assessment) *RiskSnapshot {
	return &RiskSnapshot{
		AssessmentID: a.ID,
		UserID:       a.UserID,
		Score:        a.Score,
		Level:        a.Level,
		Action:       a.Action,
	}
}

// AttestationSource says who vouched for the off-ledger payment.
type AttestationSource string

const (
	AttestedByMaker  AttestationSource = "maker"
	AttestedByOracle AttestationSource = "oracle"
	AttestedByStripe AttestationSource = "stripe"
)

// Attestation records how a payment was verified.
type Attestation struct {
	Source AttestationSource `json:"source"`
	Signer string            `json:"signer"`
	At     time.Time         `json:"at"`
}

// Override is an admin bypass of the computed hold.
type Override struct {
	ActorID string    `json:"actorId"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Settlement is the terminal fund movement a bill caused.
type Settlement struct {
	Command settlement.Command `json:"command"`
	TxID    string             `json:"txId"`
	Account string             `json:"account"`
	Amount  decimal.Decimal    `json:"amount"`
	At      time.Time          `json:"at"`
}

// Bill is an escrow transaction.
type Bill struct {
	ID      string `json:"id"`
	MakerID string `json:"makerId"`
	PayerID string `json:"payerId,omitempty"`

	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	FiatCurrency string          `json:"fiatCurrency,omitempty"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	Fee          decimal.Decimal `json:"fee"`
	Method       policy.Method   `json:"method"`

	Status       Status `json:"status"`
	DisputedFrom Status `json:"disputedFrom,omitempty"`

	// Snapshots taken at creation. Hold and gating decisions read these,
	// never the maker's live profile.
	TrustLevel   trust.Level   `json:"trustLevel"`
	TrustScore   int64         `json:"trustScore"`
	CreationRisk *RiskSnapshot `json:"creationRisk"`

	VerificationRisk *RiskSnapshot `json:"verificationRisk,omitempty"`
	ReleaseRisk      *RiskSnapshot `json:"releaseRisk,omitempty"`

	PaymentRef        string       `json:"paymentRef,omitempty"`
	Attestation       *Attestation `json:"attestation,omitempty"`
	HoldSeconds       int64        `json:"holdSeconds"`
	ReleaseEligibleAt *time.Time   `json:"releaseEligibleAt,omitempty"`
	LiabilityAccepted bool         `json:"liabilityAccepted"`

	DisputeReason string `json:"disputeReason,omitempty"`
	DisputedBy    string `json:"disputedBy,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	ResolvedBy    string `json:"resolvedBy,omitempty"`

	// ReviewPending holds release for an admin: set when the creation or
	// release risk action requires review, cleared by an override.
	ReviewPending bool `json:"reviewPending"`

	Override   *Override   `json:"override,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`

	MakerRated bool `json:"makerRated"`
	PayerRated bool `json:"payerRated"`

	CreatedAt        time.Time  `json:"createdAt"`
	FundedAt         *time.Time `json:"fundedAt,omitempty"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	DeclaredAt       *time.Time `json:"declaredAt,omitempty"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
	MakerConfirmedAt *time.Time `json:"makerConfirmedAt,omitempty"`
	HoldElapsedAt    *time.Time `json:"holdElapsedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	DisputedAt       *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	// Version increments on every stored change; transitions compare it.
	Version int64 `json:"version"`
}

// IsParticipant reports whether userID is the maker or the payer.
func (b *Bill) IsParticipant(userID string) bool {
	return userID != "" && (userID == b.MakerID || userID == b.PayerID)
}

// Funded reports whether the ledger has confirmed the lock.
func (b *Bill) Funded() bool { return b.FundedAt != nil }

// HoldElapsed reports whether the verified hold has passed at now.
func (b *Bill) HoldElapsed(now time.Time) bool {
	return b.ReleaseEligibleAt != nil && !now.Before(*b.ReleaseEligibleAt)
}

// Expired reports whether now is at or past the expiry.
func (b *Bill) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// Clone returns a deep copy.
func (b *Bill) Clone() *Bill {
	cp := *b
	cp.CreationRisk = cloneRisk(b.CreationRisk)
	cp.VerificationRisk = cloneRisk(b.VerificationRisk)
	cp.ReleaseRisk = cloneRisk(b.ReleaseRisk)
	if b.Attestation != nil {
		a := *b.Attestation
		cp.Attestation = &a
	}
	if b.Override != nil {
		o := *b.Override
		cp.Override = &o
	}
	if b.Settlement != nil {
		st := *b.Settlement
		cp.Settlement = &st
	}
	for _, tp := range []**time.Time{
		&cp.FundedAt, &cp.ClaimedAt, &cp.DeclaredAt, &cp.VerifiedAt, &cp.MakerConfirmedAt,
		&cp.HoldElapsedAt, &cp.ReleasedAt, &cp.DisputedAt, &cp.ResolvedAt, &cp.ClosedAt,
		&cp.ReleaseEligibleAt,
	} {
		if *tp != nil {
			t := **tp
			*tp = &t
		}
	}
	return &cp
}

func cloneRisk(r *RiskSnapshot) *RiskSnapshot {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// AuditEntry is one row of the append-only transition log.
type AuditEntry struct {
	ID      string    `json:"id"`
	BillID  string    `json:"billId"`
	Action  string    `json:"action"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	ActorID string    `json:"actorId"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Audit actions.
const (
	ActionCreate         = "create"
	ActionFund           = "fund"
	ActionCancel         = "cancel"
	ActionClaim          = "claim"
	ActionDeclare        = "declare"
	ActionVerify         = "verify"
	ActionHoldElapsed    = "hold_elapsed"
	ActionRelease        = "release"
	ActionConfirmRelease = "confirm_release"
	ActionDispute        = "dispute"
	ActionResolve        = "resolve"
	ActionOverride       = "override"
	ActionReviewRequired = "review_required"
	ActionExpire         = "expire"
	ActionRate           = "rate"
	ActionLateLockRefund = "late_lock_refund"
)

// Actor is the caller of an engine operation.
type Actor struct {
	ID       string `json:"id"`
	Admin    bool   `json:"admin,omitempty"`
	Resolver bool   `json:"resolver,omitempty"`
	System   bool   `json:"system,omitempty"`
}

// SystemActor drives sweeps and ledger callbacks.
var SystemActor = Actor{ID: "system", System: true}
