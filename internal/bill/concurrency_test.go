package bill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/risk"
)

func TestConcurrentClaims_OneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	const n = 20
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Claim(ctx, user(fmt.Sprintf("payer-%d", i)), b.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())

	stored, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, stored.Status)
	assert.NotEmpty(t, stored.PayerID)
}

// Two engines over one store model two replicas: the in-process lock does
// not cover them, so the store's conditional update decides.
func TestConcurrentClaims_AcrossReplicas(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	other := NewService(f.store, f.ledger, f.profiles, policy.Default(), risk.NewMemoryStore()).
		WithClock(f.clock.Now).
		WithLogger(logging.Discard())

	b, err := f.svc.Create(ctx, user("maker"), billRequest(100, "bank_transfer"))
	require.NoError(t, err)

	const n = 10
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		svc := f.svc
		if i%2 == 1 {
			svc = other
		}
		go func(svc *Service, i int) {
			defer wg.Done()
			_, err := svc.Claim(ctx, user(fmt.Sprintf("payer-%d", i)), b.ID)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrConflict)
		}(svc, i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	audit, err := f.svc.Audit(ctx, b.ID)
	require.NoError(t, err)
	claims := 0
	for _, e := range audit {
		if e.Action == ActionClaim {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
}

func TestConcurrentRelease_SingleLedgerCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.verified(t, "instant_bank")

	var wg sync.WaitGroup
	for _, who := range []Actor{user("maker"), user("payer"), SystemActor, admin, user("payer")} {
		wg.Add(1)
		go func(a Actor) {
			defer wg.Done()
			got, err := f.svc.Release(ctx, a, b.ID, ReleaseRequest{})
			if assert.NoError(t, err) {
				assert.Equal(t, StatusReleased, got.Status)
			}
		}(who)
	}
	wg.Wait()

	assert.Len(t, f.ledger.History(b.ID), 2)
}

func TestConcurrentReleaseAndDispute_Exclusive(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t, nil)
		ctx := context.Background()
		b := f.verified(t, "instant_bank")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Release(ctx, user("payer"), b.ID, ReleaseRequest{})
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Dispute(ctx, user("maker"), b.ID, DisputeRequest{Reason: "chargeback filed"})
		}()
		wg.Wait()

		stored, err := f.svc.Get(ctx, b.ID)
		require.NoError(t, err)
		history := f.ledger.History(b.ID)
		switch stored.Status {
		case StatusReleased:
			assert.Len(t, history, 2)
		case StatusDisputed:
			assert.Len(t, history, 1)
		default:
			t.Fatalf("unexpected status %s", stored.Status)
		}
	}
}
