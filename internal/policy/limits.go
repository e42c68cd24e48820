package policy

import (
	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/trust"
)

// Limit caps what a maker at one trust level may lock.
type Limit struct {
	SingleBill  decimal.Decimal `yaml:"singleBill" json:"singleBill"`
	DailyVolume decimal.Decimal `yaml:"dailyVolume" json:"dailyVolume"`
}

const bpsDenominator = 10_000

// feeScale is the number of decimal places fees are rounded to.
const feeScale = 6

// Fee computes the platform fee for amount at the given basis points.
func Fee(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(bpsDenominator)).Round(feeScale)
}

// AmountsMatch reports whether value × rate is within tolerance (a fraction
// of fiat) of the declared fiat amount.
func AmountsMatch(value, rate, fiat, tolerance decimal.Decimal) bool {
	diff := value.Mul(rate).Sub(fiat).Abs()
	return diff.LessThanOrEqual(fiat.Mul(tolerance))
}

// LimitFor returns the limit for level. Unknown levels get the NEW limit.
func (d *Document) LimitFor(level trust.Level) Limit {
	if l, ok := d.Limits[level]; ok {
		return l
	}
	return d.Limits[trust.LevelNew]
}

// FeeBpsFor returns the fee rate for level. Unknown levels get the NEW rate.
func (d *Document) FeeBpsFor(level trust.Level) int64 {
	if bps, ok := d.FeesBps[level]; ok {
		return bps
	}
	return d.FeesBps[trust.LevelNew]
}
