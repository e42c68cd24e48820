// Package policy holds the payment-method hold table, the hold resolver and
// the creation limits and fee schedule, all loaded from one YAML document.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/trust"
)

var (
	ErrUnknownMethod = errors.New("policy: unknown payment method")
	ErrBlocked       = errors.New("policy: payment method blocked at this trust level")
	ErrInvalid       = errors.New("policy: invalid document")
)

// Blocked is the hold sentinel meaning the method may not be used.
const Blocked int64 = -1

// Method is a payment method identifier.
type Method string

// Finality classifies how reversible a payment method is after settlement.
type Finality string

const (
	FinalityInstant      Finality = "instant_irreversible"
	FinalityDelayed      Finality = "delayed_settlement"
	FinalityChargeback   Finality = "chargeback_reversible"
	FinalityUnverifiable Finality = "unverifiable"
)

func (f Finality) valid() bool {
	switch f {
	case FinalityInstant, FinalityDelayed, FinalityChargeback, FinalityUnverifiable:
		return true
	}
	return false
}

// HighRisk reports whether the finality class raises the payment-method risk
// signal.
func (f Finality) HighRisk() bool {
	return f == FinalityChargeback || f == FinalityUnverifiable
}

// MethodPolicy is one row of the hold table: hold seconds per trust level,
// or Blocked.
type MethodPolicy struct {
	Method   Method                `yaml:"method" json:"method"`
	Finality Finality              `yaml:"finality" json:"finality"`
	Holds    map[trust.Level]int64 `yaml:"holds" json:"holds"`
}

// Table indexes method policies by method.
type Table struct {
	methods map[Method]MethodPolicy
	order   []Method
}

// NewTable builds a table. Later duplicates replace earlier rows.
func NewTable(rows []MethodPolicy) *Table {
	t := &Table{methods: make(map[Method]MethodPolicy, len(rows))}
	for _, r := range rows {
		if _, dup := t.methods[r.Method]; !dup {
			t.order = append(t.order, r.Method)
		}
		t.methods[r.Method] = r
	}
	return t
}

// Lookup returns the policy row for m.
func (t *Table) Lookup(m Method) (MethodPolicy, error) {
	row, ok := t.methods[m]
	if !ok {
		return MethodPolicy{}, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
	return row, nil
}

// Methods lists methods in document order.
func (t *Table) Methods() []MethodPolicy {
	out := make([]MethodPolicy, 0, len(t.order))
	for _, m := range t.order {
		out = append(out, t.methods[m])
	}
	return out
}

// HoldSeconds returns the base hold for (m, level) or Blocked.
func (t *Table) HoldSeconds(m Method, level trust.Level) (int64, error) {
	row, err := t.Lookup(m)
	if err != nil {
		return 0, err
	}
	hold, ok := row.Holds[level]
	if !ok {
		return Blocked, nil
	}
	return hold, nil
}

// Allowed reports whether m may be used at level. Unknown methods return
// ErrUnknownMethod.
func (t *Table) Allowed(m Method, level trust.Level) (bool, error) {
	hold, err := t.HoldSeconds(m, level)
	if err != nil {
		return false, err
	}
	return hold != Blocked, nil
}

// Resolver turns a base hold into the effective hold for a risk level.
type Resolver struct {
	table       *Table
	multipliers map[risk.Level]decimal.Decimal
}

// NewResolver creates a resolver over table with per-risk-level multipliers.
// Missing levels use 1.
func NewResolver(table *Table, multipliers map[risk.Level]float64) *Resolver {
	m := make(map[risk.Level]decimal.Decimal, len(multipliers))
	for lv, f := range multipliers {
		m[lv] = decimal.NewFromFloat(f)
	}
	return &Resolver{table: table, multipliers: m}
}

// Table returns the underlying hold table.
func (r *Resolver) Table() *Table { return r.table }

// Multiplier returns the factor applied at riskLevel.
func (r *Resolver) Multiplier(riskLevel risk.Level) decimal.Decimal {
	if f, ok := r.multipliers[riskLevel]; ok {
		return f
	}
	return decimal.NewFromInt(1)
}

// Resolve returns the hold for (m, trustLevel) scaled by the risk multiplier,
// rounded up to whole seconds. Blocked combinations return ErrBlocked.
func (r *Resolver) Resolve(m Method, trustLevel trust.Level, riskLevel risk.Level) (time.Duration, error) {
	base, err := r.table.HoldSeconds(m, trustLevel)
	if err != nil {
		return 0, err
	}
	if base == Blocked {
		return 0, fmt.Errorf("%w: %s at %s", ErrBlocked, m, trustLevel)
	}
	secs := decimal.NewFromInt(base).Mul(r.Multiplier(riskLevel)).Ceil().IntPart()
	if secs < base {
		secs = base
	}
	return time.Duration(secs) * time.Second, nil
}

// HoldQuote describes the hold for one (method, trust level) across every
// risk level.
type HoldQuote struct {
	Method      Method               `json:"method"`
	Finality    Finality             `json:"finality"`
	TrustLevel  trust.Level          `json:"trustLevel"`
	Blocked     bool                 `json:"blocked"`
	BaseSeconds int64                `json:"baseSeconds"`
	ByRiskLevel map[risk.Level]int64 `json:"byRiskLevel,omitempty"`
}

// Quote returns the hold quote for (m, trustLevel).
func (r *Resolver) Quote(m Method, trustLevel trust.Level) (*HoldQuote, error) {
	row, err := r.table.Lookup(m)
	if err != nil {
		return nil, err
	}
	base, _ := r.table.HoldSeconds(m, trustLevel)
	q := &HoldQuote{Method: m, Finality: row.Finality, TrustLevel: trustLevel, BaseSeconds: base}
	if base == Blocked {
		q.Blocked = true
		return q, nil
	}
	q.ByRiskLevel = make(map[risk.Level]int64, len(risk.Levels))
	for _, lv := range risk.Levels {
		d, err := r.Resolve(m, trustLevel, lv)
		if err != nil {
			return nil, err
		}
		q.ByRiskLevel[lv] = int64(d / time.Second)
	}
	return q, nil
}
