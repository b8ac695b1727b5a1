package staking

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Growth is (1 + rate)^days.
func Growth(rate decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 {
		return one
	}
	return one.Add(rate).Pow(decimal.NewFromInt(int64(days)))
}

// APY is the compounded yield over the lock period in percent, 2 dp.
func APY(rate decimal.Decimal, lockDays int) decimal.Decimal {
	return Growth(rate, lockDays).Sub(one).Mul(hundred).Round(2)
}

// CurrentValue is principal × (1 + rate)^days.
func CurrentValue(principal, rate decimal.Decimal, days int) decimal.Decimal {
	return principal.Mul(Growth(rate, days)).Round(8)
}

// TotalEarned is what principal earns after days, rounded to cents.
func TotalEarned(principal, rate decimal.Decimal, days int) decimal.Decimal {
	return CurrentValue(principal, rate, days).Sub(principal).Round(2)
}

// ElapsedDays counts whole days since start, capped at the lock period.
func ElapsedDays(start, now time.Time, lockDays int) int {
	if !now.After(start) {
		return 0
	}
	d := int(now.Sub(start) / day)
	if d > lockDays {
		d = lockDays
	}
	return d
}

// Project computes the live view of p at now. A position past its lock
// period, or already closed, is projected at the full period.
func Project(p *Position, rate decimal.Decimal, now time.Time) Projection {
	d := ElapsedDays(p.StartDate, now, p.LockPeriodDays)
	if p.Status != StatusActive {
		d = p.LockPeriodDays
	}

	value := CurrentValue(p.CurrentPrincipal, rate, d)
	return Projection{
		ElapsedDays:   d,
		DaysRemaining: p.LockPeriodDays - d,
		CurrentValue:  value,
		DailyReward:   value.Mul(rate).Round(8),
		TotalEarned:   TotalEarned(p.CurrentPrincipal, rate, d),
	}
}
