package bill

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/oracle"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/trust"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *settlement.MemoryLedger
	profiles *trust.MemoryStore
	clock    *testClock
	events   *recorder
}

// established returns a year-old profile with every channel verified:
// VERIFIED trust and no risk signals.
func established(userID string) *trust.Profile {
	return &trust.Profile{
		UserID:           userID,
		EmailVerified:    true,
		PhoneVerified:    true,
		IdentityVerified: true,
		CreatedAt:        t0.AddDate(-1, 0, 0),
		UpdatedAt:        t0.AddDate(-1, 0, 0),
	}
}

func newFixture(t *testing.T, ledger *settlement.MemoryLedger, tweak ...func(*policy.Document)) *fixture {
	t.Helper()
	doc := policy.Default()
	for _, fn := range tweak {
		fn(doc)
	}
	if ledger == nil {
		ledger = settlement.NewMemoryLedger()
	}
	clock := &testClock{now: t0}
	profiles := trust.NewMemoryStore().WithClock(clock.Now)
	for _, id := range []string{"maker", "payer", "payer2"} {
		profiles.Put(established(id))
	}
	store := NewMemoryStore()
	events := &recorder{}
	svc := NewService(store, ledger, profiles, doc, risk.NewMemoryStore()).
		WithClock(clock.Now).
		WithLogger(logging.Discard()).
		WithPublisher(events)
	return &fixture{svc: svc, store: store, ledger: ledger, profiles: profiles, clock: clock, events: events}
}

func billRequest(amount int64, method policy.Method) CreateRequest {
	return CreateRequest{
		Amount:       decimal.NewFromInt(amount),
		Currency:     "USDC",
		FiatAmount:   decimal.NewFromInt(amount),
		FiatCurrency: "USD",
		ExchangeRate: decimal.NewFromInt(1),
		Method:       method,
	}
}

func user(id string) Actor { return Actor{ID: id} }

var admin = Actor{ID: "admin-1", Admin: true}
var resolver = Actor{ID: "resolver-1", Resolver: true}

// declared drives a new bill to PAYMENT_DECLARED.
func (f *fixture) declared(t *testing.T, method policy.Method) *Bill {
	t.Helper()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, method))
	require.NoError(t, err)
	require.Equal(t, StatusFunded, b.Status)
	_, err = f.svc.Claim(ctx, user("payer"), b.ID)
	require.NoError(t, err)
	b, err = f.svc.DeclarePayment(ctx, user("payer"), b.ID, DeclareRequest{PaymentRef: "REF-0001"})
	require.NoError(t, err)
	return b
}

// verified drives a new bill to PAYMENT_VERIFIED by maker attestation.
func (f *fixture) verified(t *testing.T, method policy.Method) *Bill {
	t.Helper()
	b := f.declared(t, method)
	b, err := f.svc.VerifyPayment(context.Background(), user("maker"), b.ID)
	require.NoError(t, err)
	return b
}

func requireCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
	var be *Error
	require.True(t, errors.As(err, &be), "expected *Error, got %T: %v", err, err)
	assert.Equal(t, code, be.Code)
}

func auditActions(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	entries, err := f.svc.Audit(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestCreate_FundedWhenLedgerConfirms(t *testing.T) {
	f := newFixture(t, nil)

	b, err := f.svc.Create(context.Background(), user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	assert.Equal(t, StatusFunded, b.Status)
	assert.Equal(t, trust.LevelVerified, b.TrustLevel)
	require.NotNil(t, b.CreationRisk)
	assert.Equal(t, risk.ActionAllow, b.CreationRisk.Action)
	assert.True(t, b.Fee.Equal(decimal.RequireFromString("0.75")), "fee %s", b.Fee)
	assert.Equal(t, t0.Add(24*time.Hour), b.ExpiresAt)
	assert.NotNil(t, b.FundedAt)
	assert.Equal(t, []string{ActionCreate, ActionFund}, auditActions(t, f, b.ID))
	assert.Len(t, f.ledger.History(b.ID), 1)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	zero := billRequest(100, "bank_transfer")
	zero.Amount = decimal.Zero
	_, err := f.svc.Create(ctx, user("maker"), zero)
	requireCode(t, err, ErrValidation, CodeInvalidAmount)

	mismatch := billRequest(100, "bank_transfer")
	mismatch.FiatAmount = decimal.NewFromInt(150)
	_, err = f.svc.Create(ctx, user("maker"), mismatch)
	requireCode(t, err, ErrValidation, CodeAmountMismatch)

	_, err = f.svc.Create(ctx, user("maker"), billRequest(100, "carrier_pigeon"))
	requireCode(t, err, ErrValidation, CodeUnknownMethod)

	short := billRequest(100, "bank_transfer")
	short.ExpiresIn = "1m"
	_, err = f.svc.Create(ctx, user("maker"), short)
	requireCode(t, err, ErrValidation, CodeInvalidExpiry)

	_, err = f.svc.Create(ctx, Actor{}, billRequest(100, "bank_transfer"))
	requireCode(t, err, ErrForbidden, CodeNotParticipant)
}

func TestCreate_MethodBlockedForNewUser(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Create(context.Background(), user("newbie"), billRequest(50, "gift_card"))
	requireCode(t, err, ErrPolicy, CodeMethodBlocked)

	// No ledger command for a refused bill.
	page, err := f.svc.ListByUser(context.Background(), "newbie", 0, "")
	require.NoError(t, err)
	assert.Empty(t, page.Bills)
}

func TestCreate_BlacklistedMaker(t *testing.T) {
	f := newFixture(t, nil)
	p := established("banned")
	p.Blacklisted = true
	f.profiles.Put(p)

	_, err := f.svc.Create(context.Background(), user("banned"), billRequest(50, "bank_transfer"))
	requireCode(t, err, ErrForbidden, CodeBlacklisted)
}

func TestCreate_Limits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, user("maker"), billRequest(2500, "bank_transfer"))
	requireCode(t, err, ErrPolicy, CodeLimitExceeded)

	// VERIFIED daily volume is 5000.
	for i := 0; i < 2; i++ {
		_, err = f.svc.Create(ctx, user("maker"), billRequest(1800, "bank_transfer"))
		require.NoError(t, err)
	}
	_, err = f.svc.Create(ctx, user("maker"), billRequest(1800, "bank_transfer"))
	requireCode(t, err, ErrPolicy, CodeLimitExceeded)
}

func TestCreate_NewUserHighRiskMethodNeedsReview(t *testing.T) {
	f := newFixture(t, nil)

	b, err := f.svc.Create(context.Background(), user("newbie"), billRequest(50, "card"))
	require.NoError(t, err)
	require.NotNil(t, b.CreationRisk)
	assert.Equal(t, 55, b.CreationRisk.Score)
	assert.Equal(t, risk.ActionManualReview, b.CreationRisk.Action)
	assert.Equal(t, trust.LevelNew, b.TrustLevel)
}

func TestCreate_InsufficientBalance(t *testing.T) {
	ledger := settlement.NewMemoryLedger().WithStrictBalances()
	f := newFixture(t, ledger)

	_, err := f.svc.Create(context.Background(), user("maker"), billRequest(100, "bank_transfer"))
	requireCode(t, err, ErrValidation, CodeInsufficientFunds)
}

func TestConfirmFunded_DeferredLock(t *testing.T) {
	f := newFixture(t, settlement.NewMemoryLedger().WithDeferredConfirmation())
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, b.Status)

	_, err = f.svc.Claim(ctx, user("payer"), b.ID)
	requireCode(t, err, ErrConflict, CodeInvalidState)

	b, err = f.svc.ConfirmFunded(ctx, b.ID, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, b.Status)

	again, err := f.svc.ConfirmFunded(ctx, b.ID, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, b.Version, again.Version)
}

func TestCancel_LateLockRefundedOnce(t *testing.T) {
	f := newFixture(t, settlement.NewMemoryLedger().WithDeferredConfirmation())
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, user("payer"), b.ID)
	requireCode(t, err, ErrForbidden, CodeNotParticipant)

	b, err = f.svc.Cancel(ctx, user("maker"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Len(t, f.ledger.History(b.ID), 1)

	b, err = f.svc.ConfirmFunded(ctx, b.ID, "tx-late")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	require.NotNil(t, b.Settlement)
	assert.Equal(t, settlement.CommandRefund, b.Settlement.Command)

	_, err = f.svc.ConfirmFunded(ctx, b.ID, "tx-late")
	require.NoError(t, err)
	assert.Len(t, f.ledger.History(b.ID), 2)
	assert.Contains(t, auditActions(t, f, b.ID), ActionLateLockRefund)
}

func TestCancel_OnlyBeforeFunding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, user("maker"), b.ID)
	requireCode(t, err, ErrConflict, CodeInvalidState)
}

func TestClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, user("maker"), b.ID)
	requireCode(t, err, ErrForbidden, CodeSelfClaim)

	b, err = f.svc.Claim(ctx, user("payer"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, b.Status)
	assert.Equal(t, "payer", b.PayerID)

	_, err = f.svc.Claim(ctx, user("payer2"), b.ID)
	requireCode(t, err, ErrConflict, CodeAlreadyClaim)
	var be *Error
	require.True(t, errors.As(err, &be))
	require.NotNil(t, be.Current)
	assert.Equal(t, "payer", be.Current.PayerID)

	_, err = f.svc.Claim(ctx, user("payer"), "bill_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeclarePayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, user("payer"), b.ID)
	require.NoError(t, err)

	_, err = f.svc.DeclarePayment(ctx, user("payer"), b.ID, DeclareRequest{PaymentRef: "x"})
	requireCode(t, err, ErrValidation, CodeInvalidReference)

	_, err = f.svc.DeclarePayment(ctx, user("maker"), b.ID, DeclareRequest{PaymentRef: "REF-0001"})
	requireCode(t, err, ErrForbidden, CodeNotParticipant)

	b, err = f.svc.DeclarePayment(ctx, user("payer"), b.ID, DeclareRequest{PaymentRef: "REF-0001"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentDeclared, b.Status)

	// Declaring is not verification.
	_, err = f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	requireCode(t, err, ErrConflict, CodeInvalidState)

	again, err := f.svc.DeclarePayment(ctx, user("payer"), b.ID, DeclareRequest{PaymentRef: "REF-0001"})
	require.NoError(t, err)
	assert.Equal(t, b.Version, again.Version)
}

func TestVerify_ComputesHold(t *testing.T) {
	f := newFixture(t, nil)

	b := f.verified(t, "bank_transfer")

	assert.Equal(t, StatusPaymentVerified, b.Status)
	assert.Equal(t, int64(48*3600), b.HoldSeconds)
	require.NotNil(t, b.ReleaseEligibleAt)
	assert.Equal(t, t0.Add(48*time.Hour), *b.ReleaseEligibleAt)
	require.NotNil(t, b.Attestation)
	assert.Equal(t, AttestedByMaker, b.Attestation.Source)
	require.NotNil(t, b.VerificationRisk)
	assert.Equal(t, risk.LevelLow, b.VerificationRisk.Level)
}

func TestVerify_OnlyMaker(t *testing.T) {
	f := newFixture(t, nil)
	b := f.declared(t, "bank_transfer")

	_, err := f.svc.VerifyPayment(context.Background(), user("payer"), b.ID)
	requireCode(t, err, ErrForbidden, CodeNotParticipant)
}

func TestRelease_AfterHold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "bank_transfer")

	_, err := f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	requireCode(t, err, ErrConflict, CodeHoldActive)

	_, err = f.svc.Release(ctx, user("stranger"), b.ID, ReleaseRequest{})
	requireCode(t, err, ErrForbidden, CodeNotParticipant)

	f.clock.Advance(48 * time.Hour)
	b, err = f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, b.Status)
	require.NotNil(t, b.Settlement)
	assert.Equal(t, settlement.CommandRelease, b.Settlement.Command)
	assert.Equal(t, "payer", b.Settlement.Account)
	require.NotNil(t, b.ReleaseRisk)

	assert.Equal(t, []string{
		ActionCreate, ActionFund, ActionClaim, ActionDeclare, ActionVerify,
		ActionHoldElapsed, ActionRelease,
	}, auditActions(t, f, b.ID))

	maker, err := f.profiles.Get(ctx, "maker")
	require.NoError(t, err)
	assert.Equal(t, 1, maker.SuccessfulTrades)
	payer, err := f.profiles.Get(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, 1, payer.SuccessfulTrades)
}

func TestRelease_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "instant_bank")

	first, err := f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)
	second, err := f.svc.Release(ctx, user("maker"), b.ID, ReleaseRequest{})
	require.NoError(t, err)

	assert.Equal(t, StatusReleased, second.Status)
	assert.Equal(t, first.Version, second.Version)
	// One lock, one release.
	assert.Len(t, f.ledger.History(b.ID), 2)
}

func TestConfirmAndRelease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "bank_transfer")

	_, err := f.svc.ConfirmAndRelease(ctx, user("payer"), b.ID)
	requireCode(t, err, ErrForbidden, CodeNotParticipant)

	b, err = f.svc.ConfirmAndRelease(ctx, user("maker"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, b.Status)
	assert.True(t, b.LiabilityAccepted)
	assert.NotNil(t, b.MakerConfirmedAt)
	assert.Contains(t, auditActions(t, f, b.ID), ActionConfirmRelease)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "instant_bank")

	b, err := f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)

	_, err = f.svc.Dispute(ctx, user("maker"), b.ID, DisputeRequest{Reason: "changed my mind"})
	requireCode(t, err, ErrConflict, CodeInvalidState)
	_, err = f.svc.Expire(ctx, SystemActor, b.ID)
	requireCode(t, err, ErrConflict, CodeInvalidState)
	_, err = f.svc.Cancel(ctx, user("maker"), b.ID)
	requireCode(t, err, ErrConflict, CodeInvalidState)

	for _, e := range f.ledger.History(b.ID) {
		assert.NotEqual(t, settlement.CommandRefund, e.Command)
	}
}

func TestOracleRequiredAndReviewGate(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	f := newFixture(t, nil)
	f.svc.WithOracle(oracle.NewVerifier([]string{addr}, time.Minute))
	f.profiles.Put(&trust.Profile{UserID: "risky", DisputesLost: 1, CreatedAt: t0, UpdatedAt: t0})
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "card"))
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, user("risky"), b.ID)
	require.NoError(t, err)
	_, err = f.svc.DeclarePayment(ctx, user("risky"), b.ID, DeclareRequest{PaymentRef: "pi_3Nx0001"})
	require.NoError(t, err)

	// new account + unverified + card + lost dispute = 65: CRITICAL.
	_, err = f.svc.VerifyPayment(ctx, user("maker"), b.ID)
	requireCode(t, err, ErrPolicy, CodeOracleRequired)

	ts := time.Now().Unix()
	sig, err := oracle.Sign(oracle.Message(b.ID, "pi_3Nx0001", b.FiatAmount, ts), key)
	require.NoError(t, err)
	att := &oracle.Attestation{
		BillID:     b.ID,
		PaymentRef: "pi_3Nx0001",
		FiatAmount: b.FiatAmount,
		Timestamp:  ts,
		Signature:  sig,
	}
	b, err = f.svc.SubmitAttestation(ctx, att)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentVerified, b.Status)
	assert.Equal(t, AttestedByOracle, b.Attestation.Source)
	// card at VERIFIED is 3 days, doubled at CRITICAL.
	assert.Equal(t, int64(6*24*3600), b.HoldSeconds)

	replay, err := f.svc.SubmitAttestation(ctx, att)
	require.NoError(t, err)
	assert.Equal(t, b.Version, replay.Version)

	f.clock.Advance(6 * 24 * time.Hour)
	_, err = f.svc.Release(ctx, SystemActor, b.ID, ReleaseRequest{})
	requireCode(t, err, ErrPolicy, CodeReviewRequired)

	b, err = f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHoldElapsed, b.Status)
	assert.True(t, b.ReviewPending)
	require.NotNil(t, b.ReleaseRisk)
	assert.Equal(t, risk.ActionManualReview, b.ReleaseRisk.Action)

	// Held bills leave the sweep set, and a retry records nothing new.
	releasable, err := f.store.ListReleasable(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, releasable)
	actions := auditActions(t, f, b.ID)
	assert.Equal(t, ActionReviewRequired, actions[len(actions)-1])
	_, err = f.svc.Release(ctx, SystemActor, b.ID, ReleaseRequest{})
	requireCode(t, err, ErrPolicy, CodeReviewRequired)
	assert.Len(t, auditActions(t, f, b.ID), len(actions))

	b, err = f.svc.Override(ctx, admin, b.ID, OverrideRequest{Reason: "payment confirmed with bank"})
	require.NoError(t, err)
	require.NotNil(t, b.Override)
	assert.Equal(t, "admin-1", b.Override.ActorID)
	assert.False(t, b.ReviewPending)

	b, err = f.svc.Release(ctx, SystemActor, b.ID, ReleaseRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, b.Status)
	assert.Equal(t, risk.ActionManualReview, b.ReleaseRisk.Action)

	actions = auditActions(t, f, b.ID)
	assert.Equal(t, []string{ActionOverride, ActionRelease}, actions[len(actions)-2:])
}

func TestSubmitAttestation_Rejected(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.declared(t, "bank_transfer")
	ts := time.Now().Unix()
	sign := func(k *ecdsa.PrivateKey, fiat decimal.Decimal) *oracle.Attestation {
		sig, err := oracle.Sign(oracle.Message(b.ID, "REF-0001", fiat, ts), k)
		require.NoError(t, err)
		return &oracle.Attestation{BillID: b.ID, PaymentRef: "REF-0001", FiatAmount: fiat, Timestamp: ts, Signature: sig}
	}

	_, err = f.svc.SubmitAttestation(ctx, sign(key, b.FiatAmount))
	requireCode(t, err, ErrForbidden, CodeInvalidAttestation)

	f.svc.WithOracle(oracle.NewVerifier([]string{crypto.PubkeyToAddress(key.PublicKey).Hex()}, 0))

	_, err = f.svc.SubmitAttestation(ctx, sign(other, b.FiatAmount))
	requireCode(t, err, ErrForbidden, CodeInvalidAttestation)

	_, err = f.svc.SubmitAttestation(ctx, sign(key, decimal.NewFromInt(99)))
	requireCode(t, err, ErrValidation, CodeAttestationMismatch)

	b, err = f.svc.SubmitAttestation(ctx, sign(key, b.FiatAmount))
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentVerified, b.Status)
}

func TestOverride_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "bank_transfer")

	_, err := f.svc.Override(ctx, user("maker"), b.ID, OverrideRequest{Reason: "trust me"})
	requireCode(t, err, ErrForbidden, CodeWrongRole)

	_, err = f.svc.Override(ctx, admin, b.ID, OverrideRequest{Reason: "   "})
	requireCode(t, err, ErrValidation, CodeMissingReason)

	funded, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)
	_, err = f.svc.Override(ctx, admin, funded.ID, OverrideRequest{Reason: "early"})
	requireCode(t, err, ErrConflict, CodeInvalidState)

	_, err = f.svc.Dispute(ctx, user("payer"), b.ID, DisputeRequest{Reason: "maker unresponsive"})
	require.NoError(t, err)
	_, err = f.svc.Override(ctx, admin, b.ID, OverrideRequest{Reason: "release anyway"})
	requireCode(t, err, ErrPolicy, CodeDisputed)

	assert.NotContains(t, auditActions(t, f, b.ID), ActionOverride)
}

func TestOverride_SkipsRemainingHold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "bank_transfer")

	b, err := f.svc.Override(ctx, admin, b.ID, OverrideRequest{Reason: "bank confirmed by phone"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentVerified, b.Status)
	assert.Equal(t, t0, *b.ReleaseEligibleAt)

	entries, err := f.svc.Audit(ctx, b.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ActionOverride, last.Action)
	assert.Equal(t, "admin-1", last.ActorID)
	assert.Equal(t, "bank confirmed by phone", last.Reason)
	assert.Contains(t, last.Detail, t0.Add(48*time.Hour).Format(time.RFC3339))

	b, err = f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, b.Status)
}

func TestDispute_FreezesRelease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "bank_transfer")

	_, err := f.svc.Dispute(ctx, user("stranger"), b.ID, DisputeRequest{Reason: "spam"})
	requireCode(t, err, ErrForbidden, CodeNotParticipant)
	_, err = f.svc.Dispute(ctx, user("payer"), b.ID, DisputeRequest{})
	requireCode(t, err, ErrValidation, CodeMissingReason)

	b, err = f.svc.Dispute(ctx, user("maker"), b.ID, DisputeRequest{Reason: "payment never arrived"})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, b.Status)
	assert.Equal(t, StatusPaymentVerified, b.DisputedFrom)

	f.clock.Advance(72 * time.Hour)
	_, err = f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	requireCode(t, err, ErrPolicy, CodeDisputed)
	_, err = f.svc.ConfirmAndRelease(ctx, user("maker"), b.ID)
	requireCode(t, err, ErrPolicy, CodeDisputed)
	assert.Len(t, f.ledger.History(b.ID), 1)
}

func TestResolve_Refund(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "bank_transfer")

	_, err := f.svc.Dispute(ctx, user("maker"), b.ID, DisputeRequest{Reason: "payment never arrived"})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, admin, b.ID, ResolveRequest{Resolution: ResolutionRefund})
	requireCode(t, err, ErrForbidden, CodeWrongRole)
	_, err = f.svc.Resolve(ctx, resolver, b.ID, ResolveRequest{Resolution: "split"})
	requireCode(t, err, ErrValidation, CodeInvalidRequest)

	b, err = f.svc.Resolve(ctx, resolver, b.ID, ResolveRequest{Resolution: ResolutionRefund, Reason: "no bank record"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRefunded, b.Status)
	assert.Equal(t, "resolver-1", b.ResolvedBy)
	require.NotNil(t, b.Settlement)
	assert.Equal(t, settlement.CommandRefund, b.Settlement.Command)

	again, err := f.svc.Resolve(ctx, resolver, b.ID, ResolveRequest{Resolution: ResolutionRefund})
	require.NoError(t, err)
	assert.Equal(t, b.Version, again.Version)

	_, err = f.svc.Resolve(ctx, resolver, b.ID, ResolveRequest{Resolution: ResolutionRelease})
	requireCode(t, err, ErrConflict, CodeInvalidState)
	assert.Len(t, f.ledger.History(b.ID), 2)

	maker, err := f.profiles.Get(ctx, "maker")
	require.NoError(t, err)
	assert.Equal(t, 1, maker.DisputesWon)
	payer, err := f.profiles.Get(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, 1, payer.DisputesLost)
}

func TestResolve_Release(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.declared(t, "bank_transfer")

	_, err := f.svc.Dispute(ctx, user("payer"), b.ID, DisputeRequest{Reason: "maker will not verify"})
	require.NoError(t, err)

	b, err = f.svc.Resolve(ctx, resolver, b.ID, ResolveRequest{Resolution: ResolutionRelease, Reason: "bank statement provided"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedReleased, b.Status)
	assert.Equal(t, "payer", b.Settlement.Account)
}

func TestResolve_UnfundedThenLateLock(t *testing.T) {
	f := newFixture(t, settlement.NewMemoryLedger().WithDeferredConfirmation())
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)
	_, err = f.svc.Dispute(ctx, user("maker"), b.ID, DisputeRequest{Reason: "wrong amount"})
	require.NoError(t, err)

	b, err = f.svc.Resolve(ctx, resolver, b.ID, ResolveRequest{Resolution: ResolutionRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRefunded, b.Status)
	assert.Nil(t, b.Settlement)
	assert.Len(t, f.ledger.History(b.ID), 1)

	b, err = f.svc.ConfirmFunded(ctx, b.ID, "tx-late")
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRefunded, b.Status)
	require.NotNil(t, b.Settlement)
	assert.Len(t, f.ledger.History(b.ID), 2)
}

func TestExpire(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := billRequest(100, "bank_transfer")
	req.ExpiresIn = "1h"
	b, err := f.svc.Create(ctx, user("maker"), req)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, user("payer"), b.ID)
	require.NoError(t, err)

	_, err = f.svc.Expire(ctx, SystemActor, b.ID)
	requireCode(t, err, ErrConflict, CodeNotExpired)

	f.clock.Advance(2 * time.Hour)
	b, err = f.svc.Expire(ctx, SystemActor, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpiredRefunded, b.Status)
	assert.Equal(t, "maker", b.Settlement.Account)

	again, err := f.svc.Expire(ctx, SystemActor, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Version, again.Version)
	assert.Len(t, f.ledger.History(b.ID), 2)

	payer, err := f.profiles.Get(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, 1, payer.FailedTrades)
}

func TestClaim_ExpiredBill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := billRequest(100, "bank_transfer")
	req.ExpiresIn = "30m"
	b, err := f.svc.Create(ctx, user("maker"), req)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Claim(ctx, user("payer"), b.ID)
	requireCode(t, err, ErrConflict, CodeInvalidState)
}

func TestRate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "instant_bank")

	_, err := f.svc.Rate(ctx, user("maker"), b.ID, RateRequest{Positive: true})
	requireCode(t, err, ErrConflict, CodeInvalidState)

	_, err = f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)

	b, err = f.svc.Rate(ctx, user("maker"), b.ID, RateRequest{Positive: true})
	require.NoError(t, err)
	assert.True(t, b.MakerRated)

	_, err = f.svc.Rate(ctx, user("maker"), b.ID, RateRequest{Positive: true})
	requireCode(t, err, ErrConflict, CodeAlreadyRated)
	_, err = f.svc.Rate(ctx, user("stranger"), b.ID, RateRequest{})
	requireCode(t, err, ErrForbidden, CodeNotParticipant)

	_, err = f.svc.Rate(ctx, user("payer"), b.ID, RateRequest{Positive: false})
	require.NoError(t, err)

	payer, err := f.profiles.Get(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, 1, payer.PositiveRatings)
	maker, err := f.profiles.Get(ctx, "maker")
	require.NoError(t, err)
	assert.Equal(t, 1, maker.NegativeRatings)
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "instant_bank")

	_, err := f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		ActionCreate, ActionFund, ActionClaim, ActionDeclare, ActionVerify,
		ActionHoldElapsed, ActionRelease,
	}, f.events.actions())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusFunded))
	assert.True(t, CanTransition(StatusHoldElapsed, StatusReleased))
	assert.True(t, CanTransition(StatusDisputed, StatusResolvedRefunded))
	assert.False(t, CanTransition(StatusPaymentDeclared, StatusReleased))
	assert.False(t, CanTransition(StatusReleased, StatusDisputed))
	assert.False(t, CanTransition(StatusExpiredRefunded, StatusReleased))

	for _, s := range []Status{StatusReleased, StatusCancelled, StatusExpiredRefunded, StatusResolvedReleased, StatusResolvedRefunded} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusDisputed.IsTerminal())
}
