package bill

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
)

func TestSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Releasable once the 48h bank hold passes.
	bank := f.verified(t, "bank_transfer")

	// Creation risk MANUAL_REVIEW: held for an admin, never listed.
	review, err := f.svc.Create(ctx, user("newbie"), billRequest(50, "card"))
	require.NoError(t, err)
	require.True(t, review.ReviewPending)
	_, err = f.svc.Claim(ctx, user("payer"), review.ID)
	require.NoError(t, err)
	_, err = f.svc.DeclarePayment(ctx, user("payer"), review.ID, DeclareRequest{PaymentRef: "REF-0002"})
	require.NoError(t, err)
	_, err = f.svc.VerifyPayment(ctx, user("newbie"), review.ID)
	require.NoError(t, err)

	// Funded and never claimed.
	req := billRequest(100, "bank_transfer")
	req.ExpiresIn = "1h"
	stale, err := f.svc.Create(ctx, user("maker"), req)
	require.NoError(t, err)

	sweeper := NewSweeper(f.svc, f.store, time.Minute, logging.Discard())

	res := sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(7 * 24 * time.Hour)
	res = sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{Released: 1, Expired: 1}, res)

	got, err := f.svc.Get(ctx, bank.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	got, err = f.svc.Get(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentVerified, got.Status)

	got, err = f.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpiredRefunded, got.Status)

	res = sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{}, res)

	// Once overridden the held bill is swept like any other.
	_, err = f.svc.Override(ctx, admin, review.ID, OverrideRequest{Reason: "payment confirmed with bank"})
	require.NoError(t, err)
	res = sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{Released: 1}, res)
}

// verifiedBatch drives n bills of amount to PAYMENT_VERIFIED.
func (f *fixture) verifiedBatch(t *testing.T, n int, amount int64, method policy.Method) []*Bill {
	t.Helper()
	ctx := context.Background()
	out := make([]*Bill, 0, n)
	for i := 0; i < n; i++ {
		b, err := f.svc.Create(ctx, user("maker"), billRequest(amount, method))
		require.NoError(t, err)
		_, err = f.svc.Claim(ctx, user("payer"), b.ID)
		require.NoError(t, err)
		_, err = f.svc.DeclarePayment(ctx, user("payer"), b.ID, DeclareRequest{PaymentRef: fmt.Sprintf("REF-%04d", i)})
		require.NoError(t, err)
		b, err = f.svc.VerifyPayment(ctx, user("maker"), b.ID)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestSweep_HeldBillsDoNotStarveReleasable(t *testing.T) {
	// Any card bill needs review; bank transfers from an established maker
	// score zero.
	f := newFixture(t, nil, func(d *policy.Document) {
		d.Risk.ActionThresholds = risk.ActionThresholds{Flag: 5, Delay: 10, ManualReview: 14, Block: 100}
	})
	ctx := context.Background()

	clean := f.verified(t, "bank_transfer")
	held := f.verifiedBatch(t, sweepBatch+5, 10, "card")
	for _, b := range held {
		require.True(t, b.ReviewPending)
	}
	before := auditActions(t, f, held[0].ID)

	sweeper := NewSweeper(f.svc, f.store, time.Minute, logging.Discard())
	f.clock.Advance(4 * 24 * time.Hour)

	res := sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{Released: 1}, res)
	got, err := f.svc.Get(ctx, clean.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	for i := 0; i < 3; i++ {
		assert.Equal(t, SweepResult{}, sweeper.Sweep(ctx))
	}
	assert.Equal(t, before, auditActions(t, f, held[0].ID), "held bills are not touched")
}

func TestSweep_PagesPastOneBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bills := f.verifiedBatch(t, sweepBatch+20, 10, "bank_transfer")

	sweeper := NewSweeper(f.svc, f.store, time.Minute, logging.Discard())
	f.clock.Advance(3 * 24 * time.Hour)

	res := sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{Released: len(bills)}, res)
	for _, b := range bills {
		got, err := f.svc.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusReleased, got.Status)
	}
}

func TestSweep_DisputedBillsNotReleased(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "instant_bank")

	_, err := f.svc.Dispute(ctx, user("payer"), b.ID, DisputeRequest{Reason: "wrong amount sent"})
	require.NoError(t, err)

	sweeper := NewSweeper(f.svc, f.store, time.Minute, logging.Discard())
	res := sweeper.Sweep(ctx)
	assert.Equal(t, SweepResult{}, res)
	assert.Len(t, f.ledger.History(b.ID), 1)
}

func TestSweeper_StartStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	sweeper := NewSweeper(f.svc, f.store, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Start(ctx)

	assert.Eventually(t, sweeper.Running, time.Second, 5*time.Millisecond)
	cancel()
	assert.Eventually(t, func() bool { return !sweeper.Running() }, time.Second, 5*time.Millisecond)
}
