package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// EffectiveAmount applies a subscription's price override to base. original
// is non-nil only when the override changed the amount.
func EffectiveAmount(base int64, s Subscription) (amount int64, original *int64) {
	amount = base
	switch {
	case s.CustomPrice != nil:
		amount = *s.CustomPrice
	case s.PriceDelta != nil:
		amount = max(base+*s.PriceDelta, 0)
	}
	if amount != base {
		original = ptr(base)
	}
	return amount, original
}

// Proration is the informational cost of switching plans mid-period.
type Proration struct {
	RemainingDays int
	TotalDays     int
	Amount        int64
}

// Prorate charges the price difference for the unused part of the period,
// rounded up to a whole minor unit. Amount is always within [0, diff].
func Prorate(now, periodStart, periodEnd time.Time, oldPrice, newPrice int64) Proration {
	diff := newPrice - oldPrice
	if diff <= 0 {
		return Proration{}
	}
	total := ceilDays(periodEnd.Sub(periodStart))
	remaining := min(ceilDays(periodEnd.Sub(now)), total)
	p := Proration{RemainingDays: remaining, TotalDays: total}
	if total <= 0 {
		p.Amount = diff
		return p
	}
	p.Amount = decimal.NewFromInt(int64(remaining)).
		Mul(decimal.NewFromInt(diff)).
		Div(decimal.NewFromInt(int64(total))).
		Ceil().
		IntPart()
	return p
}

// ceilDays rounds d up to whole days, never below zero.
func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + day - 1) / day)
}

// floorDays rounds d down to whole days.
func floorDays(d time.Duration) int {
	return int(d.Truncate(day) / day)
}
