//go:build integration

package bill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/pagination"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/testutil"
	"github.com/fiatlock/releasegate/internal/trust"
)

func setupPostgres(t *testing.T) (*Service, *PostgresStore, *risk.PostgresStore, *testClock) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	profiles := trust.NewPostgresStore(db)
	for _, id := range []string{"maker", "payer"} {
		_, err := profiles.Update(ctx, id, func(p *trust.Profile) error {
			*p = *established(id)
			return nil
		})
		require.NoError(t, err)
	}

	store := NewPostgresStore(db)
	risks := risk.NewPostgresStore(db)
	clock := &testClock{now: t0}
	svc := NewService(store, settlement.NewMemoryLedger(), profiles, policy.Default(), risks).
		WithClock(clock.Now).
		WithLogger(logging.Discard())
	return svc, store, risks, clock
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	svc, store, risks, clock := setupPostgres(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)
	require.Equal(t, StatusFunded, b.Status)

	_, err = svc.Claim(ctx, user("payer"), b.ID)
	require.NoError(t, err)
	_, err = svc.DeclarePayment(ctx, user("payer"), b.ID, DeclareRequest{PaymentRef: "REF-0001"})
	require.NoError(t, err)
	verified, err := svc.VerifyPayment(ctx, user("maker"), b.ID)
	require.NoError(t, err)
	require.NotNil(t, verified.ReleaseEligibleAt)
	assert.Equal(t, int64(48*3600), verified.HoldSeconds)

	releasable, err := store.ListReleasable(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, releasable)

	clock.Advance(49 * time.Hour)
	releasable, err = store.ListReleasable(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, releasable, 1)

	released, err := svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)

	stored, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, stored.Settlement)
	require.NotNil(t, stored.CreationRisk)
	assert.Equal(t, "REF-0001", stored.PaymentRef)

	entries, err := store.Audit(ctx, b.ID)
	require.NoError(t, err)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{ActionCreate, ActionFund, ActionClaim, ActionDeclare, ActionVerify, ActionHoldElapsed, ActionRelease}, actions)

	assessments, err := risks.ListByBill(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, assessments)
}

func TestPostgresStore_TransitionIsConditional(t *testing.T) {
	svc, store, _, _ := setupPostgres(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	stale, err := store.Get(ctx, b.ID)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, user("payer"), b.ID)
	require.NoError(t, err)

	stale.Status = StatusCancelled
	err = store.Transition(ctx, stale, StatusFunded, nil)
	assert.ErrorIs(t, err, ErrStale)

	missing := stale.Clone()
	missing.ID = "bill_missing"
	assert.ErrorIs(t, store.Transition(ctx, missing, StatusFunded, nil), ErrNotFound)
}

func TestPostgresStore_ConcurrentClaimsAcrossReplicas(t *testing.T) {
	svc, store, _, clock := setupPostgres(t)
	ctx := context.Background()
	replica := NewService(store, settlement.NewMemoryLedger(), trust.NewMemoryStore(), policy.Default(), risk.NewMemoryStore()).
		WithClock(clock.Now).
		WithLogger(logging.Discard())

	b, err := svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, s := range []*Service{svc, replica} {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			_, err := s.Claim(ctx, user("payer"), b.ID)
			results <- err
		}(s)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestPostgresStore_OpenVolumeAndExpirable(t *testing.T) {
	svc, store, _, clock := setupPostgres(t)
	ctx := context.Background()

	req := billRequest(100, "bank_transfer")
	req.ExpiresIn = "1h"
	_, err := svc.Create(ctx, user("maker"), req)
	require.NoError(t, err)
	_, err = svc.Create(ctx, user("maker"), billRequest(250, "bank_transfer"))
	require.NoError(t, err)

	vol, err := store.OpenVolume(ctx, "maker", clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, vol.Equal(decimal.NewFromInt(350)), "got %s", vol)

	expirable, err := store.ListExpirable(ctx, clock.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, expirable, 1)

	bills, err := store.ListByUser(ctx, "maker", 10)
	require.NoError(t, err)
	assert.Len(t, bills, 2)
}

func TestPostgresStore_CursorsAndReviewFilter(t *testing.T) {
	svc, store, _, clock := setupPostgres(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		b, err := svc.Create(ctx, user("maker"), billRequest(50, "bank_transfer"))
		require.NoError(t, err)
		ids = append(ids, b.ID)
		clock.Advance(time.Minute)
	}

	first, err := store.ListByUser(ctx, "maker", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[2], first[0].ID)
	assert.Equal(t, ids[1], first[1].ID)

	last := first[len(first)-1]
	rest, err := store.ListByUser(ctx, "maker", 2, After(pagination.At(last.CreatedAt, last.ID)))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)

	page, err := svc.ListByUser(ctx, "maker", 2, "")
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	page, err = svc.ListByUser(ctx, "maker", 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Bills, 1)
	assert.False(t, page.HasMore)

	// Drive two bills to PAYMENT_VERIFIED and hold one for review.
	for i, id := range ids[:2] {
		_, err := svc.Claim(ctx, user("payer"), id)
		require.NoError(t, err)
		_, err = svc.DeclarePayment(ctx, user("payer"), id, DeclareRequest{PaymentRef: fmt.Sprintf("REF-%04d", i)})
		require.NoError(t, err)
		_, err = svc.VerifyPayment(ctx, user("maker"), id)
		require.NoError(t, err)
	}
	held, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	held.ReviewPending = true
	require.NoError(t, store.Transition(ctx, held, held.Status, nil))

	clock.Advance(49 * time.Hour)
	releasable, err := store.ListReleasable(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.Len(t, releasable, 1)
	assert.Equal(t, ids[0], releasable[0].ID)

	after := pagination.At(releasable[0].CreatedAt, releasable[0].ID)
	releasable, err = store.ListReleasable(ctx, clock.Now(), 1, After(after))
	require.NoError(t, err)
	assert.Empty(t, releasable)
}
