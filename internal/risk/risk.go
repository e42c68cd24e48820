// Package risk folds per-action fraud signals into a score, a risk level and
// a recommended action.
//
// Every signal contributes a fixed, non-negative number of points, so adding
// a signal can only raise the score. Level and action bucket the same score
// through two independent threshold tables.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("risk: invalid config")

// Level buckets a score by how risky the action is.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Levels lists every level from lowest to highest.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Rank returns the ordinal of the level (LOW=0) or -1 if unknown.
func (l Level) Rank() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool { return l.Rank() >= other.Rank() }

// Action is what to do about the score.
type Action string

const (
	ActionAllow        Action = "ALLOW"
	ActionFlag         Action = "FLAG"
	ActionDelay        Action = "DELAY"
	ActionManualReview Action = "MANUAL_REVIEW"
	ActionBlock        Action = "BLOCK"
)

// RequiresReview reports whether the action needs an explicit authorization
// before funds may move.
func (a Action) RequiresReview() bool {
	return a == ActionManualReview || a == ActionBlock
}

// Point names the decision point an assessment was taken at.
type Point string

const (
	PointCreation     Point = "creation"
	PointVerification Point = "verification"
	PointRelease      Point = "release"
)

// SignalName identifies a fraud signal.
type SignalName string

const (
	SignalNewAccount         SignalName = "new_account"
	SignalUnverifiedIdentity SignalName = "unverified_identity"
	SignalHighRiskMethod     SignalName = "high_risk_payment_method"
	SignalAmountAboveAverage SignalName = "amount_above_average"
	SignalNewDevice          SignalName = "new_device"
	SignalAnonymizingNetwork SignalName = "anonymizing_network"
	SignalHighVelocity       SignalName = "high_velocity"
	SignalPriorLostDisputes  SignalName = "prior_lost_disputes"
)

// Severity is descriptive; only Points feed the score.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Signal is one contributing factor in an assessment.
type Signal struct {
	Name     SignalName `json:"name"`
	Severity Severity   `json:"severity"`
	Points   int        `json:"points"`
}

// Assessment is the audit snapshot of one decision point.
type Assessment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	BillID     string    `json:"billId,omitempty"`
	Point      Point     `json:"point"`
	Signals    []Signal  `json:"signals"`
	Score      int       `json:"score"`
	Level      Level     `json:"level"`
	Action     Action    `json:"action"`
	AssessedAt time.Time `json:"assessedAt"`
}

// Environment carries telemetry supplied by the caller. The engine does not
// collect device or network data itself.
type Environment struct {
	NewDevice          bool `json:"newDevice"`
	AnonymizingNetwork bool `json:"anonymizingNetwork"`
	RecentTransactions int  `json:"recentTransactions"` // in the last 24h, as seen by the caller
}

// Context is everything the collector needs for one assessment.
type Context struct {
	UserID            string
	BillID            string
	Point             Point
	AccountAge        time.Duration
	IdentityVerified  bool
	HighRiskMethod    bool
	Amount            decimal.Decimal
	AverageAmount     decimal.Decimal
	PriorTrades       int
	PriorLostDisputes int
	Env               Environment
}

// SignalRule configures one signal.
type SignalRule struct {
	Points   int      `yaml:"points" json:"points"`
	Severity Severity `yaml:"severity" json:"severity"`
}

// LevelThresholds are the minimum scores for each level above LOW.
type LevelThresholds struct {
	Medium   int `yaml:"medium" json:"medium"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// ActionThresholds are the minimum scores for each action above ALLOW.
type ActionThresholds struct {
	Flag         int `yaml:"flag" json:"flag"`
	Delay        int `yaml:"delay" json:"delay"`
	ManualReview int `yaml:"manualReview" json:"manualReview"`
	Block        int `yaml:"block" json:"block"`
}

// Config is the tunable signal table.
type Config struct {
	Signals          map[SignalName]SignalRule `yaml:"signals" json:"signals"`
	NewAccountDays   int                       `yaml:"newAccountDays" json:"newAccountDays"`
	AmountMultiple   decimal.Decimal           `yaml:"amountMultiple" json:"amountMultiple"`
	VelocityCount    int                       `yaml:"velocityCount" json:"velocityCount"`
	LevelThresholds  LevelThresholds           `yaml:"levelThresholds" json:"levelThresholds"`
	ActionThresholds ActionThresholds          `yaml:"actionThresholds" json:"actionThresholds"`
}

// DefaultConfig returns the stock signal table.
func DefaultConfig() Config {
	return Config{
		Signals: map[SignalName]SignalRule{
			SignalNewAccount:         {Points: 30, Severity: SeverityHigh},
			SignalUnverifiedIdentity: {Points: 10, Severity: SeverityLow},
			SignalHighRiskMethod:     {Points: 15, Severity: SeverityMedium},
			SignalAmountAboveAverage: {Points: 20, Severity: SeverityMedium},
			SignalNewDevice:          {Points: 15, Severity: SeverityMedium},
			SignalAnonymizingNetwork: {Points: 25, Severity: SeverityHigh},
			SignalHighVelocity:       {Points: 15, Severity: SeverityMedium},
			SignalPriorLostDisputes:  {Points: 10, Severity: SeverityMedium},
		},
		NewAccountDays:   7,
		AmountMultiple:   decimal.NewFromInt(3),
		VelocityCount:    10,
		LevelThresholds:  LevelThresholds{Medium: 20, High: 40, Critical: 60},
		ActionThresholds: ActionThresholds{Flag: 15, Delay: 30, ManualReview: 50, Block: 70},
	}
}

// Validate enforces non-negative points and strictly increasing thresholds.
func (c Config) Validate() error {
	for name, rule := range c.Signals {
		if rule.Points < 0 {
			return fmt.Errorf("%w: signal %s has negative points", ErrInvalidConfig, name)
		}
	}
	lt := c.LevelThresholds
	if !(0 < lt.Medium && lt.Medium < lt.High && lt.High < lt.Critical) {
		return fmt.Errorf("%w: level thresholds must be strictly increasing above 0", ErrInvalidConfig)
	}
	at := c.ActionThresholds
	if !(0 < at.Flag && at.Flag < at.Delay && at.Delay < at.ManualReview && at.ManualReview < at.Block) {
		return fmt.Errorf("%w: action thresholds must be strictly increasing above 0", ErrInvalidConfig)
	}
	if c.NewAccountDays < 0 || c.VelocityCount <= 0 || !c.AmountMultiple.IsPositive() {
		return fmt.Errorf("%w: newAccountDays, velocityCount and amountMultiple out of range", ErrInvalidConfig)
	}
	return nil
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByBill(ctx context.Context, billID string) ([]*Assessment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Assessment, error)
}
