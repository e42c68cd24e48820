package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiatlock/releasegate/internal/idgen"
	"github.com/fiatlock/releasegate/internal/metrics"
)

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour
)

// Collector turns a Context into an Assessment and records it.
type Collector struct {
	cfg     Config
	store   Store
	windows sync.Map // map[string]*userWindow
	now     func() time.Time
}

// userWindow holds recent activity timestamps for velocity detection.
type userWindow struct {
	mu      sync.Mutex
	entries []time.Time
}

// NewCollector creates a collector. store may be nil to skip the audit trail.
func NewCollector(cfg Config, store Store) *Collector {
	return &Collector{cfg: cfg, store: store, now: time.Now}
}

// WithClock replaces the wall clock for assessment times and velocity
// windows.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Config returns the collector's configuration.
func (c *Collector) Config() Config { return c.cfg }

// Assess evaluates every signal for in, buckets the score and records the
// assessment in the audit store.
func (c *Collector) Assess(ctx context.Context, in Context) (*Assessment, error) {
	now := c.now()
	signals := c.Signals(in, now)
	score := Score(signals)

	a := &Assessment{
		ID:         idgen.New(),
		UserID:     in.UserID,
		BillID:     in.BillID,
		Point:      in.Point,
		Signals:    signals,
		Score:      score,
		Level:      c.LevelFor(score),
		Action:     c.ActionFor(score),
		AssessedAt: now,
	}

	if c.store != nil {
		if err := c.store.Record(ctx, a); err != nil {
			return nil, fmt.Errorf("record risk assessment: %w", err)
		}
	}
	metrics.RiskAssessmentsTotal.WithLabelValues(string(in.Point), string(a.Action)).Inc()
	return a, nil
}

// Signals returns the signals that apply to in.
func (c *Collector) Signals(in Context, now time.Time) []Signal {
	var out []Signal
	add := func(name SignalName) {
		rule, ok := c.cfg.Signals[name]
		if !ok {
			return
		}
		out = append(out, Signal{Name: name, Severity: rule.Severity, Points: rule.Points})
	}

	if in.AccountAge < time.Duration(c.cfg.NewAccountDays)*24*time.Hour {
		add(SignalNewAccount)
	}
	if !in.IdentityVerified {
		add(SignalUnverifiedIdentity)
	}
	if in.HighRiskMethod {
		add(SignalHighRiskMethod)
	}
	if in.PriorTrades > 0 && in.AverageAmount.IsPositive() &&
		in.Amount.GreaterThan(in.AverageAmount.Mul(c.cfg.AmountMultiple)) {
		add(SignalAmountAboveAverage)
	}
	if in.Env.NewDevice {
		add(SignalNewDevice)
	}
	if in.Env.AnonymizingNetwork {
		add(SignalAnonymizingNetwork)
	}
	if max(in.Env.RecentTransactions, c.recentActivity(in.UserID, now)) >= c.cfg.VelocityCount {
		add(SignalHighVelocity)
	}
	if in.PriorLostDisputes > 0 {
		add(SignalPriorLostDisputes)
	}
	return out
}

// Score sums signal points.
func Score(signals []Signal) int {
	total := 0
	for _, s := range signals {
		total += s.Points
	}
	return total
}

// LevelFor buckets a score into a level.
func (c *Collector) LevelFor(score int) Level {
	t := c.cfg.LevelThresholds
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ActionFor buckets a score into a recommended action.
func (c *Collector) ActionFor(score int) Action {
	t := c.cfg.ActionThresholds
	switch {
	case score >= t.Block:
		return ActionBlock
	case score >= t.ManualReview:
		return ActionManualReview
	case score >= t.Delay:
		return ActionDelay
	case score >= t.Flag:
		return ActionFlag
	default:
		return ActionAllow
	}
}

// RecordActivity notes a bill action by userID for velocity detection.
func (c *Collector) RecordActivity(userID string) {
	now := c.now()
	w := c.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, now)
	c.pruneWindow(w, now)
}

func (c *Collector) recentActivity(userID string, now time.Time) int {
	if userID == "" {
		return 0
	}
	v, ok := c.windows.Load(userID)
	if !ok {
		return 0
	}
	w := v.(*userWindow)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowDuration)
	n := 0
	for _, ts := range w.entries {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (c *Collector) getWindow(userID string) *userWindow {
	v, _ := c.windows.LoadOrStore(userID, &userWindow{})
	return v.(*userWindow)
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize (caller holds lock).
func (c *Collector) pruneWindow(w *userWindow, now time.Time) {
	cutoff := now.Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}
