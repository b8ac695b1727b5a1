package referral

import (
	"time"

	"stakeledger/services/account"

	"github.com/shopspring/decimal"
)

// MaxDepth is the number of upline hops that earn from a member's activity.
const MaxDepth = 3

type RegisterRequest struct {
	Name        string `json:"name" binding:"required"`
	InviterCode string `json:"inviter_code"`
}

type Member struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Handle        string          `json:"handle"`
	ReferralCode  string          `json:"referral_code"`
	UplineCode    string          `json:"upline_code"`
	TotalDeposits decimal.Decimal `json:"total_deposits"`
	StakedBalance decimal.Decimal `json:"staked_balance"`
	JoinedAt      time.Time       `json:"joined_at"`
}

func newMember(a *account.Account) Member {
	return Member{
		ID:            a.ID,
		Name:          a.Name,
		Handle:        a.Handle,
		ReferralCode:  a.ReferralCode,
		UplineCode:    a.UplineCode,
		TotalDeposits: a.TotalDeposits,
		StakedBalance: a.StakedBalance,
		JoinedAt:      a.CreatedAt,
	}
}

type Level struct {
	Level         int             `json:"level"`
	Members       []Member        `json:"members"`
	TotalDeposits decimal.Decimal `json:"total_deposits"`
	TotalStaked   decimal.Decimal `json:"total_staked"`
}

type Downline struct {
	AccountID string  `json:"account_id"`
	Levels    []Level `json:"levels"`
}

// Level returns the members n hops below the account, 1-based.
func (d *Downline) Level(n int) []Member {
	if n < 1 || n > len(d.Levels) {
		return nil
	}
	return d.Levels[n-1].Members
}
