package account

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID               string          `gorm:"column:id;primaryKey;size:32" json:"id"`
	ReferralCode     string          `gorm:"column:referral_code;uniqueIndex;size:32;not null" json:"referral_code"`
	UplineCode       string          `gorm:"column:upline_code;index;size:32" json:"upline_code,omitempty"`
	Name             string          `gorm:"column:name;not null" json:"name"`
	Handle           string          `gorm:"column:handle;index" json:"handle"`
	WalletBalance    decimal.Decimal `gorm:"column:wallet_balance;type:decimal(20,8);not null;default:0" json:"wallet_balance"`
	StakedBalance    decimal.Decimal `gorm:"column:staked_balance;type:decimal(20,8);not null;default:0" json:"staked_balance"`
	TotalDeposits    decimal.Decimal `gorm:"column:total_deposits;type:decimal(20,8);not null;default:0" json:"total_deposits"`
	ReferralEarnings decimal.Decimal `gorm:"column:referral_earnings;type:decimal(20,8);not null;default:0" json:"referral_earnings"`
	LevelIncome      decimal.Decimal `gorm:"column:level_income;type:decimal(20,8);not null;default:0" json:"level_income"`
	ReferralCount    int64           `gorm:"column:referral_count;not null;default:0" json:"referral_count"`
	FirstDepositPaid bool            `gorm:"column:first_deposit_paid;not null;default:false" json:"first_deposit_paid"`
	Version          int64           `gorm:"column:version;not null;default:0" json:"-"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// Mutation is a set of deltas applied atomically to one account.
// Zero values leave the matching column untouched.
type Mutation struct {
	Wallet           decimal.Decimal
	Staked           decimal.Decimal
	Deposits         decimal.Decimal
	ReferralEarnings decimal.Decimal
	LevelIncome      decimal.Decimal
	ReferralCount    int64

	// MarkFirstDepositPaid sets the one-time flag. It never clears it.
	MarkFirstDepositPaid bool
}

func (m Mutation) IsZero() bool {
	return m.Wallet.IsZero() && m.Staked.IsZero() && m.Deposits.IsZero() &&
		m.ReferralEarnings.IsZero() && m.LevelIncome.IsZero() &&
		m.ReferralCount == 0 && !m.MarkFirstDepositPaid
}

// apply returns the account after m, or an error when a balance would go negative.
func (a Account) apply(m Mutation) (Account, error) {
	next := a
	next.WalletBalance = a.WalletBalance.Add(m.Wallet)
	next.StakedBalance = a.StakedBalance.Add(m.Staked)
	next.TotalDeposits = a.TotalDeposits.Add(m.Deposits)
	next.ReferralEarnings = a.ReferralEarnings.Add(m.ReferralEarnings)
	next.LevelIncome = a.LevelIncome.Add(m.LevelIncome)
	next.ReferralCount = a.ReferralCount + m.ReferralCount
	next.FirstDepositPaid = a.FirstDepositPaid || m.MarkFirstDepositPaid

	if next.WalletBalance.IsNegative() {
		return a, ErrInsufficientFunds
	}
	if next.StakedBalance.IsNegative() {
		return a, ErrInsufficientStaked
	}
	if next.TotalDeposits.IsNegative() || next.ReferralEarnings.IsNegative() ||
		next.LevelIncome.IsNegative() || next.ReferralCount < 0 {
		return a, ErrNegativeBalance
	}
	return next, nil
}
