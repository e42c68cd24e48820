// Package trust derives a user's trust score and level from their behavioral
// profile and applies profile updates when a bill reaches a terminal outcome.
//
// Scoring is a weighted sum over the profile counters, floored at zero. The
// level is the highest threshold that does not exceed the score. Weights and
// thresholds come from Config so operators can retune them via the policy
// document.
package trust

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("trust: profile not found")
	ErrInvalidConfig = errors.New("trust: invalid config")
)

// Level is a discrete trust tier.
type Level string

const (
	LevelNew      Level = "NEW"
	LevelVerified Level = "VERIFIED"
	LevelTrusted  Level = "TRUSTED"
	LevelPower    Level = "POWER"
)

// Levels lists every level from lowest to highest.
var Levels = []Level{LevelNew, LevelVerified, LevelTrusted, LevelPower}

// Rank returns the ordinal of the level (NEW=0) or -1 for an unknown level.
func (l Level) Rank() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.Rank() >= 0 }

// Weights are the per-counter contributions to the score.
type Weights struct {
	SuccessfulTrade int64 `yaml:"successfulTrade" json:"successfulTrade"`
	VerifiedChannel int64 `yaml:"verifiedChannel" json:"verifiedChannel"`
	AgePerPeriod    int64 `yaml:"agePerPeriod" json:"agePerPeriod"`
	AgePeriodDays   int64 `yaml:"agePeriodDays" json:"agePeriodDays"`
	VolumePerUnit   int64 `yaml:"volumePerUnit" json:"volumePerUnit"`
	VolumeUnit      int64 `yaml:"volumeUnit" json:"volumeUnit"`
	PositiveRating  int64 `yaml:"positiveRating" json:"positiveRating"`
	DisputeWon      int64 `yaml:"disputeWon" json:"disputeWon"`

	// Penalties are subtracted; configure them as positive numbers.
	DisputeLost    int64 `yaml:"disputeLost" json:"disputeLost"`
	FailedTrade    int64 `yaml:"failedTrade" json:"failedTrade"`
	FraudReport    int64 `yaml:"fraudReport" json:"fraudReport"`
	NegativeRating int64 `yaml:"negativeRating" json:"negativeRating"`
}

// Thresholds are the minimum scores for each level.
type Thresholds struct {
	Verified int64 `yaml:"verified" json:"verified"`
	Trusted  int64 `yaml:"trusted" json:"trusted"`
	Power    int64 `yaml:"power" json:"power"`
}

// Config bundles weights and thresholds.
type Config struct {
	Weights    Weights    `yaml:"weights" json:"weights"`
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`
}

// DefaultConfig returns the stock weight table (NEW 0 / VERIFIED 50 /
// TRUSTED 200 / POWER 500).
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			SuccessfulTrade: 10,
			VerifiedChannel: 20,
			AgePerPeriod:    5,
			AgePeriodDays:   30,
			VolumePerUnit:   1,
			VolumeUnit:      100,
			PositiveRating:  2,
			DisputeWon:      5,
			DisputeLost:     25,
			FailedTrade:     15,
			FraudReport:     50,
			NegativeRating:  3,
		},
		Thresholds: Thresholds{Verified: 50, Trusted: 200, Power: 500},
	}
}

// Validate checks that weights are non-negative and thresholds strictly increase.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]int64{
		"successfulTrade": w.SuccessfulTrade,
		"verifiedChannel": w.VerifiedChannel,
		"agePerPeriod":    w.AgePerPeriod,
		"volumePerUnit":   w.VolumePerUnit,
		"positiveRating":  w.PositiveRating,
		"disputeWon":      w.DisputeWon,
		"disputeLost":     w.DisputeLost,
		"failedTrade":     w.FailedTrade,
		"fraudReport":     w.FraudReport,
		"negativeRating":  w.NegativeRating,
	} {
		if v < 0 {
			return fmt.Errorf("%w: weight %s must be non-negative", ErrInvalidConfig, name)
		}
	}
	if w.AgePeriodDays <= 0 || w.VolumeUnit <= 0 {
		return fmt.Errorf("%w: agePeriodDays and volumeUnit must be positive", ErrInvalidConfig)
	}
	t := c.Thresholds
	if !(0 < t.Verified && t.Verified < t.Trusted && t.Trusted < t.Power) {
		return fmt.Errorf("%w: thresholds must be strictly increasing above 0", ErrInvalidConfig)
	}
	return nil
}

// Profile holds the behavioral counters for one user.
type Profile struct {
	UserID string `json:"userId" db:"user_id"`

	SuccessfulTrades int `json:"successfulTrades" db:"successful_trades"`
	DisputesWon      int `json:"disputesWon" db:"disputes_won"`
	DisputesLost     int `json:"disputesLost" db:"disputes_lost"`
	FailedTrades     int `json:"failedTrades" db:"failed_trades"`
	FraudReports     int `json:"fraudReports" db:"fraud_reports"`

	TotalVolume     decimal.Decimal `json:"totalVolume" db:"total_volume"`
	PositiveRatings int             `json:"positiveRatings" db:"positive_ratings"`
	NegativeRatings int             `json:"negativeRatings" db:"negative_ratings"`

	EmailVerified    bool `json:"emailVerified" db:"email_verified"`
	PhoneVerified    bool `json:"phoneVerified" db:"phone_verified"`
	IdentityVerified bool `json:"identityVerified" db:"identity_verified"`

	// Rolling windows. A window whose reset time has passed reads as zero.
	DailyVolume   decimal.Decimal `json:"dailyVolume" db:"daily_volume"`
	DailyTrades   int             `json:"dailyTrades" db:"daily_trades"`
	DailyResetAt  time.Time       `json:"dailyResetAt" db:"daily_reset_at"`
	WeeklyVolume  decimal.Decimal `json:"weeklyVolume" db:"weekly_volume"`
	WeeklyResetAt time.Time       `json:"weeklyResetAt" db:"weekly_reset_at"`

	Blacklisted bool      `json:"blacklisted" db:"blacklisted"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// NewProfile returns an empty profile first seen at now.
func NewProfile(userID string, now time.Time) *Profile {
	return &Profile{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

// AccountAge returns how long the user has been known. A profile with no
// creation time is treated as brand new.
func (p *Profile) AccountAge(now time.Time) time.Duration {
	if p.CreatedAt.IsZero() || now.Before(p.CreatedAt) {
		return 0
	}
	return now.Sub(p.CreatedAt)
}

// VerifiedChannels counts verified contact channels.
func (p *Profile) VerifiedChannels() int {
	n := 0
	for _, v := range []bool{p.EmailVerified, p.PhoneVerified, p.IdentityVerified} {
		if v {
			n++
		}
	}
	return n
}

// AverageTrade returns total volume divided by successful trades, or zero
// with no history.
func (p *Profile) AverageTrade() decimal.Decimal {
	if p.SuccessfulTrades == 0 {
		return decimal.Zero
	}
	return p.TotalVolume.Div(decimal.NewFromInt(int64(p.SuccessfulTrades)))
}

// DailyVolumeAt returns the rolling daily volume as of now.
func (p *Profile) DailyVolumeAt(now time.Time) decimal.Decimal {
	if !now.Before(p.DailyResetAt) {
		return decimal.Zero
	}
	return p.DailyVolume
}

// DailyTradesAt returns the rolling daily trade count as of now.
func (p *Profile) DailyTradesAt(now time.Time) int {
	if !now.Before(p.DailyResetAt) {
		return 0
	}
	return p.DailyTrades
}

// Evaluation is the result of scoring one profile.
type Evaluation struct {
	UserID string `json:"userId"`
	Score  int64  `json:"score"`
	Level  Level  `json:"level"`
}

// Evaluator scores profiles against a Config.
type Evaluator struct {
	cfg Config
	now func() time.Time
}

// NewEvaluator creates an evaluator. The config must already be validated.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg, now: time.Now}
}

// WithClock replaces the wall clock.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Config returns the evaluator's configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// Score computes the weighted sum for p as of now. Never negative.
func (e *Evaluator) Score(p *Profile, now time.Time) int64 {
	if p == nil {
		return 0
	}
	w := e.cfg.Weights

	score := int64(p.SuccessfulTrades) * w.SuccessfulTrade
	score += int64(p.VerifiedChannels()) * w.VerifiedChannel

	days := int64(p.AccountAge(now) / (24 * time.Hour))
	score += (days / w.AgePeriodDays) * w.AgePerPeriod

	if p.TotalVolume.IsPositive() {
		units := p.TotalVolume.Div(decimal.NewFromInt(w.VolumeUnit)).Floor().IntPart()
		score += units * w.VolumePerUnit
	}

	score += int64(p.PositiveRatings) * w.PositiveRating
	score += int64(p.DisputesWon) * w.DisputeWon

	score -= int64(p.DisputesLost) * w.DisputeLost
	score -= int64(p.FailedTrades) * w.FailedTrade
	score -= int64(p.FraudReports) * w.FraudReport
	score -= int64(p.NegativeRatings) * w.NegativeRating

	if score < 0 {
		return 0
	}
	return score
}

// Level maps a score to a level. Blacklisted profiles are always NEW.
func (e *Evaluator) Level(score int64, p *Profile) Level {
	if p != nil && p.Blacklisted {
		return LevelNew
	}
	t := e.cfg.Thresholds
	switch {
	case score >= t.Power:
		return LevelPower
	case score >= t.Trusted:
		return LevelTrusted
	case score >= t.Verified:
		return LevelVerified
	default:
		return LevelNew
	}
}

// Evaluate scores p and derives its level.
func (e *Evaluator) Evaluate(p *Profile) Evaluation {
	now := e.now()
	score := e.Score(p, now)
	ev := Evaluation{Score: score, Level: e.Level(score, p)}
	if p != nil {
		ev.UserID = p.UserID
	}
	return ev
}
