package trust

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind names a terminal event that moves a profile's counters.
type OutcomeKind string

const (
	OutcomeTradeCompleted OutcomeKind = "trade_completed"
	OutcomeDisputeWon     OutcomeKind = "dispute_won"
	OutcomeDisputeLost    OutcomeKind = "dispute_lost"
	OutcomeFailed         OutcomeKind = "failed"
	OutcomeRatedPositive  OutcomeKind = "rated_positive"
	OutcomeRatedNegative  OutcomeKind = "rated_negative"
)

// Outcome is applied to a profile after a bill reaches a terminal state.
type Outcome struct {
	Kind   OutcomeKind     `json:"kind"`
	BillID string          `json:"billId"`
	Volume decimal.Decimal `json:"volume"`
}

const (
	dailyWindow  = 24 * time.Hour
	weeklyWindow = 7 * 24 * time.Hour
)

// Apply mutates p for the outcome. Only OutcomeTradeCompleted moves volume
// and the rolling windows.
func (p *Profile) Apply(o Outcome, now time.Time) error {
	switch o.Kind {
	case OutcomeTradeCompleted:
		p.SuccessfulTrades++
		p.TotalVolume = p.TotalVolume.Add(o.Volume)
		p.recordVolume(o.Volume, now)
	case OutcomeDisputeWon:
		p.DisputesWon++
	case OutcomeDisputeLost:
		p.DisputesLost++
	case OutcomeFailed:
		p.FailedTrades++
	case OutcomeRatedPositive:
		p.PositiveRatings++
	case OutcomeRatedNegative:
		p.NegativeRatings++
	default:
		return fmt.Errorf("trust: unknown outcome %q", o.Kind)
	}
	p.UpdatedAt = now
	return nil
}

func (p *Profile) recordVolume(amount decimal.Decimal, now time.Time) {
	if !now.Before(p.DailyResetAt) {
		p.DailyVolume = decimal.Zero
		p.DailyTrades = 0
		p.DailyResetAt = now.Add(dailyWindow)
	}
	if !now.Before(p.WeeklyResetAt) {
		p.WeeklyVolume = decimal.Zero
		p.WeeklyResetAt = now.Add(weeklyWindow)
	}
	p.DailyVolume = p.DailyVolume.Add(amount)
	p.DailyTrades++
	p.WeeklyVolume = p.WeeklyVolume.Add(amount)
}

// Flags are the identity inputs set outside the bill lifecycle (KYC, fraud
// desk). Nil fields are left unchanged.
type Flags struct {
	EmailVerified    *bool `json:"emailVerified,omitempty"`
	PhoneVerified    *bool `json:"phoneVerified,omitempty"`
	IdentityVerified *bool `json:"identityVerified,omitempty"`
	Blacklisted      *bool `json:"blacklisted,omitempty"`
	FraudReport      bool  `json:"fraudReport,omitempty"`
}

// ApplyFlags sets the given identity flags on p.
func (p *Profile) ApplyFlags(f Flags, now time.Time) {
	if f.EmailVerified != nil {
		p.EmailVerified = *f.EmailVerified
	}
	if f.PhoneVerified != nil {
		p.PhoneVerified = *f.PhoneVerified
	}
	if f.IdentityVerified != nil {
		p.IdentityVerified = *f.IdentityVerified
	}
	if f.Blacklisted != nil {
		p.Blacklisted = *f.Blacklisted
	}
	if f.FraudReport {
		p.FraudReports++
	}
	p.UpdatedAt = now
}
