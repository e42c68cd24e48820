package bill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fiatlock/releasegate/internal/idgen"
	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/oracle"
	"github.com/fiatlock/releasegate/internal/pagination"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/retry"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/syncutil"
	"github.com/fiatlock/releasegate/internal/traces"
	"github.com/fiatlock/releasegate/internal/trust"
)

// Persistence retry after a ledger command has landed.
const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
)

// Service is the release authorization engine.
type Service struct {
	store     Store
	ledger    settlement.Ledger
	profiles  trust.Store
	doc       *policy.Document
	evaluator *trust.Evaluator
	collector *risk.Collector
	resolver  *policy.Resolver
	table     *policy.Table

	oracle *oracle.Verifier
	stripe *oracle.StripeTranslator

	locks     *syncutil.KeyedMutex
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the engine. assessments may be nil to skip the risk
// audit trail.
func NewService(store Store, ledger settlement.Ledger, profiles trust.Store, doc *policy.Document, assessments risk.Store) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		profiles:  profiles,
		doc:       doc,
		evaluator: trust.NewEvaluator(doc.Trust),
		collector: risk.NewCollector(doc.Risk, assessments),
		resolver:  doc.Resolver(),
		table:     doc.Table(),
		oracle:    oracle.NewVerifier(nil, 0),
		stripe:    oracle.NewStripeTranslator(""),
		locks:     syncutil.NewKeyedMutex(0),
		publisher: nopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithOracle sets the verifier for signed oracle attestations.
func (s *Service) WithOracle(v *oracle.Verifier) *Service {
	s.oracle = v
	return s
}

// WithStripe sets the translator for Stripe payment webhooks.
func (s *Service) WithStripe(t *oracle.StripeTranslator) *Service {
	s.stripe = t
	return s
}

// WithPublisher adds a sink for bill events (webhooks, realtime).
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithLogger sets the fallback logger used when the context carries none.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the wall clock for the engine, its trust evaluator
// and its risk collector. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.evaluator.WithClock(now)
	s.collector.WithClock(now)
	return s
}

// Policy returns the policy document the engine runs on.
func (s *Service) Policy() *policy.Document { return s.doc }

// Evaluator returns the trust evaluator built from the policy document.
func (s *Service) Evaluator() *trust.Evaluator { return s.evaluator }

// Get returns a bill by ID.
func (s *Service) Get(ctx context.Context, id string) (*Bill, error) {
	return s.store.Get(ctx, id)
}

// Audit returns the transition log of a bill, oldest first.
func (s *Service) Audit(ctx context.Context, id string) ([]*AuditEntry, error) {
	return s.store.Audit(ctx, id)
}

// Page is one slice of a user's bills, newest first.
type Page struct {
	Bills      []*Bill `json:"bills"`
	NextCursor string  `json:"nextCursor,omitempty"`
	HasMore    bool    `json:"hasMore"`
}

// ListByUser returns bills where userID is maker or payer, resuming after
// cursor when one is given.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, validationf(CodeInvalidCursor, "%v", err)
	}
	bills, err := s.store.ListByUser(ctx, userID, limit+1, After(after))
	if err != nil {
		return nil, err
	}
	bills, next := pagination.ComputePage(bills, limit, func(b *Bill) (time.Time, string) {
		return b.CreatedAt, b.ID
	})
	page := &Page{Bills: bills}
	if next != nil {
		page.NextCursor = next.Encode()
		page.HasMore = true
	}
	return page, nil
}

// log returns the request logger from ctx, falling back to the service
// logger, decorated with request and actor IDs.
func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, s.logger)
	}
	return logging.L(ctx)
}

// lock serializes operations on one bill inside this process. Conditional
// updates in the store cover other replicas.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, id)
}

// load re-reads the authoritative bill.
func (s *Service) load(ctx context.Context, id string) (*Bill, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) startSpan(ctx context.Context, op, id string, actor Actor) (context.Context, trace.Span) {
	return traces.StartSpan(ctx, "bill."+op, traces.BillID(id), traces.Actor(actor.ID))
}

// commit stores b (whose Status may differ from from) and appends the audit
// entry. It must only be called while holding the bill lock.
func (s *Service) commit(ctx context.Context, b *Bill, from Status, action string, actor Actor, reason, detail string) error {
	if !CanTransition(from, b.Status) {
		return fmt.Errorf("bill %s: illegal transition %s -> %s", b.ID, from, b.Status)
	}
	entry := &AuditEntry{
		ID:      idgen.WithPrefix(idgen.PrefixAudit),
		BillID:  b.ID,
		Action:  action,
		From:    from,
		To:      b.Status,
		ActorID: actor.ID,
		Reason:  reason,
		Detail:  detail,
		At:      b.UpdatedAt,
	}
	if err := s.store.Transition(ctx, b, from, entry); err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(traces.FromStatus(string(from)), traces.Status(string(b.Status)))

	if from != b.Status {
		metrics.BillTransitionsTotal.WithLabelValues(string(from), string(b.Status)).Inc()
		if b.Status.IsTerminal() {
			metrics.BillDuration.Observe(b.UpdatedAt.Sub(b.CreatedAt).Seconds())
		}
	}
	s.publisher.Publish(ctx, Event{
		Type:    EventTransition,
		BillID:  b.ID,
		From:    from,
		To:      b.Status,
		Action:  action,
		ActorID: actor.ID,
		Bill:    b.Clone(),
		At:      b.UpdatedAt,
	})
	return nil
}

// commitOrConflict commits and turns a lost race into a conflict carrying
// the current bill.
func (s *Service) commitOrConflict(ctx context.Context, b *Bill, from Status, op, action string, actor Actor, reason, detail string) error {
	err := s.commit(ctx, b, from, action, actor, reason, detail)
	if errors.Is(err, ErrStale) {
		metrics.BillConflictsTotal.WithLabelValues(op).Inc()
		current, gerr := s.store.Get(ctx, b.ID)
		if gerr != nil {
			return gerr
		}
		return conflictf(current, CodeInvalidState, "bill changed concurrently; now %s", current.Status)
	}
	return err
}

// commitAfterLedger persists a state change whose ledger command already
// landed. Funds cannot be moved back, so a failure is logged as CRITICAL
// for manual resolution instead of compensated.
func (s *Service) commitAfterLedger(ctx context.Context, b *Bill, from Status, action string, actor Actor, reason, detail string) error {
	attempt := b.Clone()
	err := retry.Do(ctx, persistAttempts, persistBackoff, func() error {
		attempt = b.Clone()
		err := s.commit(ctx, attempt, from, action, actor, reason, detail)
		if errors.Is(err, ErrStale) || errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.log(ctx).Error("CRITICAL: ledger command applied but bill update failed",
			"bill_id", b.ID, "from", from, "to", b.Status, "action", action, "error", err)
		return fmt.Errorf("bill %s: ledger applied but status update failed (requires manual resolution): %w", b.ID, err)
	}
	*b = *attempt
	return nil
}

// applyOutcome records a terminal outcome on a user's trust profile.
// A failure is logged; it never undoes the bill transition.
func (s *Service) applyOutcome(ctx context.Context, userID string, o trust.Outcome) {
	if userID == "" {
		return
	}
	now := s.now()
	_, err := s.profiles.Update(ctx, userID, func(p *trust.Profile) error {
		return p.Apply(o, now)
	})
	if err != nil {
		s.log(ctx).Warn("failed to apply trust outcome",
			"user_id", userID, "bill_id", o.BillID, "outcome", o.Kind, "error", err)
	}
}

// assess runs the risk collector for userID at point.
func (s *Service) assess(ctx context.Context, point risk.Point, b *Bill, profile *trust.Profile, env risk.Environment) (*risk.Assessment, error) {
	mp, err := s.table.Lookup(b.Method)
	if err != nil {
		return nil, validationf(CodeUnknownMethod, "unknown payment method %q", b.Method)
	}
	now := s.now()
	return s.collector.Assess(ctx, risk.Context{
		UserID:            profile.UserID,
		BillID:            b.ID,
		Point:             point,
		AccountAge:        profile.AccountAge(now),
		IdentityVerified:  profile.IdentityVerified,
		HighRiskMethod:    mp.Finality.HighRisk(),
		Amount:            b.Amount,
		AverageAmount:     profile.AverageTrade(),
		PriorTrades:       profile.SuccessfulTrades,
		PriorLostDisputes: profile.DisputesLost,
		Env:               env,
	})
}

func (s *Service) loadProfile(ctx context.Context, userID string) (*trust.Profile, error) {
	p, err := trust.Load(ctx, s.profiles, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("load trust profile %s: %w", userID, err)
	}
	return p, nil
}

func timeRef(t time.Time) *time.Time { return &t }
