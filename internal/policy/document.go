package policy

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/trust"
)

const (
	hour = int64(3600)
	day  = 24 * hour
)

// Document is the operator-tunable decision configuration: trust weights,
// risk signal table, hold matrix, risk multipliers, limits and fees.
type Document struct {
	Version              int                    `yaml:"version" json:"version"`
	Trust                trust.Config           `yaml:"trust" json:"trust"`
	Risk                 risk.Config            `yaml:"risk" json:"risk"`
	Methods              []MethodPolicy         `yaml:"methods" json:"methods"`
	RiskMultipliers      map[risk.Level]float64 `yaml:"riskMultipliers" json:"riskMultipliers"`
	Limits               map[trust.Level]Limit  `yaml:"limits" json:"limits"`
	FeesBps              map[trust.Level]int64  `yaml:"feesBps" json:"feesBps"`
	AmountTolerance      decimal.Decimal        `yaml:"amountTolerance" json:"amountTolerance"`
	RequireOracleAtLevel risk.Level             `yaml:"requireOracleAtLevel" json:"requireOracleAtLevel"`
	Expiry               ExpiryPolicy           `yaml:"expiry" json:"expiry"`
}

// ExpiryPolicy bounds the bill expiry a maker may request.
type ExpiryPolicy struct {
	Default time.Duration `yaml:"default" json:"default"`
	Min     time.Duration `yaml:"min" json:"min"`
	Max     time.Duration `yaml:"max" json:"max"`
}

// Default returns the built-in document.
func Default() *Document {
	return &Document{
		Version: 1,
		Trust:   trust.DefaultConfig(),
		Risk:    risk.DefaultConfig(),
		Methods: []MethodPolicy{
			{Method: "ledger_transfer", Finality: FinalityInstant, Holds: holds(0, 0, 0, 0)},
			{Method: "instant_bank", Finality: FinalityInstant, Holds: holds(0, 0, 0, 0)},
			{Method: "bank_transfer", Finality: FinalityDelayed, Holds: holds(72*hour, 48*hour, 24*hour, 12*hour)},
			{Method: "card", Finality: FinalityChargeback, Holds: holds(7*day, 3*day, 24*hour, 12*hour)},
			{Method: "paypal", Finality: FinalityChargeback, Holds: holds(7*day, 5*day, 48*hour, 24*hour)},
			{Method: "gift_card", Finality: FinalityUnverifiable, Holds: holds(Blocked, Blocked, 7*day, 72*hour)},
			{Method: "cash_deposit", Finality: FinalityUnverifiable, Holds: holds(Blocked, Blocked, Blocked, Blocked)},
		},
		RiskMultipliers: map[risk.Level]float64{
			risk.LevelLow:      1.0,
			risk.LevelMedium:   1.0,
			risk.LevelHigh:     1.5,
			risk.LevelCritical: 2.0,
		},
		Limits: map[trust.Level]Limit{
			trust.LevelNew:      {SingleBill: decimal.NewFromInt(500), DailyVolume: decimal.NewFromInt(1_000)},
			trust.LevelVerified: {SingleBill: decimal.NewFromInt(2_000), DailyVolume: decimal.NewFromInt(5_000)},
			trust.LevelTrusted:  {SingleBill: decimal.NewFromInt(10_000), DailyVolume: decimal.NewFromInt(25_000)},
			trust.LevelPower:    {SingleBill: decimal.NewFromInt(50_000), DailyVolume: decimal.NewFromInt(100_000)},
		},
		FeesBps: map[trust.Level]int64{
			trust.LevelNew:      100,
			trust.LevelVerified: 75,
			trust.LevelTrusted:  50,
			trust.LevelPower:    25,
		},
		AmountTolerance:      decimal.RequireFromString("0.01"),
		RequireOracleAtLevel: risk.LevelCritical,
		Expiry: ExpiryPolicy{
			Default: 24 * time.Hour,
			Min:     15 * time.Minute,
			Max:     7 * 24 * time.Hour,
		},
	}
}

func holds(n, v, t, p int64) map[trust.Level]int64 {
	return map[trust.Level]int64{
		trust.LevelNew:      n,
		trust.LevelVerified: v,
		trust.LevelTrusted:  t,
		trust.LevelPower:    p,
	}
}

// Load reads and validates a YAML document. An empty path returns Default().
func Load(path string) (*Document, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of Default(), so omitted sections
// keep their defaults, and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Document, error) {
	doc := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks the document's internal consistency.
func (d *Document) Validate() error {
	if err := d.Trust.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := d.Risk.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(d.Methods) == 0 {
		return fmt.Errorf("%w: no payment methods", ErrInvalid)
	}

	seen := make(map[Method]bool, len(d.Methods))
	for _, m := range d.Methods {
		if m.Method == "" {
			return fmt.Errorf("%w: method with empty name", ErrInvalid)
		}
		if seen[m.Method] {
			return fmt.Errorf("%w: duplicate method %q", ErrInvalid, m.Method)
		}
		seen[m.Method] = true
		if err := validateMethod(m); err != nil {
			return err
		}
	}

	prevMult := 0.0
	for _, lv := range risk.Levels {
		f, ok := d.RiskMultipliers[lv]
		if !ok {
			return fmt.Errorf("%w: missing risk multiplier for %s", ErrInvalid, lv)
		}
		if f < 1 || f < prevMult {
			return fmt.Errorf("%w: risk multiplier for %s must be >= 1 and non-decreasing", ErrInvalid, lv)
		}
		prevMult = f
	}

	var prev Limit
	for i, lv := range trust.Levels {
		l, ok := d.Limits[lv]
		if !ok {
			return fmt.Errorf("%w: missing limits for %s", ErrInvalid, lv)
		}
		if !l.SingleBill.IsPositive() || !l.DailyVolume.IsPositive() {
			return fmt.Errorf("%w: limits for %s must be positive", ErrInvalid, lv)
		}
		if i > 0 && (l.SingleBill.LessThan(prev.SingleBill) || l.DailyVolume.LessThan(prev.DailyVolume)) {
			return fmt.Errorf("%w: limits must not shrink as trust rises (%s)", ErrInvalid, lv)
		}
		prev = l

		bps, ok := d.FeesBps[lv]
		if !ok || bps < 0 || bps > bpsDenominator {
			return fmt.Errorf("%w: fee for %s must be 0..10000 bps", ErrInvalid, lv)
		}
	}

	if d.AmountTolerance.IsNegative() || d.AmountTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: amountTolerance must be in [0, 1)", ErrInvalid)
	}
	if d.RequireOracleAtLevel.Rank() < 0 {
		return fmt.Errorf("%w: unknown requireOracleAtLevel %q", ErrInvalid, d.RequireOracleAtLevel)
	}
	e := d.Expiry
	if !(0 < e.Min && e.Min <= e.Default && e.Default <= e.Max) {
		return fmt.Errorf("%w: expiry bounds must satisfy 0 < min <= default <= max", ErrInvalid)
	}
	return nil
}

func validateMethod(m MethodPolicy) error {
	if !m.Finality.valid() {
		return fmt.Errorf("%w: method %s has unknown finality %q", ErrInvalid, m.Method, m.Finality)
	}

	prev := int64(-1)
	unblocked := false
	for _, lv := range trust.Levels {
		h, ok := m.Holds[lv]
		if !ok {
			return fmt.Errorf("%w: method %s missing hold for %s", ErrInvalid, m.Method, lv)
		}
		if h == Blocked {
			if unblocked {
				return fmt.Errorf("%w: method %s blocked at %s after being allowed at a lower level", ErrInvalid, m.Method, lv)
			}
			continue
		}
		if h < 0 {
			return fmt.Errorf("%w: method %s has negative hold at %s", ErrInvalid, m.Method, lv)
		}
		if unblocked && h > prev {
			return fmt.Errorf("%w: method %s hold increases at %s", ErrInvalid, m.Method, lv)
		}
		if m.Finality == FinalityInstant && h != 0 {
			return fmt.Errorf("%w: instant method %s must have zero hold", ErrInvalid, m.Method)
		}
		unblocked = true
		prev = h
	}

	if m.Finality == FinalityChargeback && m.Holds[trust.LevelNew] == 0 {
		return fmt.Errorf("%w: chargeback-reversible method %s needs a hold at %s", ErrInvalid, m.Method, trust.LevelNew)
	}
	return nil
}

// Table builds the hold table from the document.
func (d *Document) Table() *Table {
	return NewTable(d.Methods)
}

// Resolver builds the hold resolver from the document.
func (d *Document) Resolver() *Resolver {
	return NewResolver(d.Table(), d.RiskMultipliers)
}

// ExpiryFor clamps a requested expiry duration. Zero means the default.
func (d *Document) ExpiryFor(requested time.Duration) (time.Duration, error) {
	if requested == 0 {
		return d.Expiry.Default, nil
	}
	if requested < d.Expiry.Min || requested > d.Expiry.Max {
		return 0, fmt.Errorf("expiry must be between %s and %s", d.Expiry.Min, d.Expiry.Max)
	}
	return requested, nil
}
