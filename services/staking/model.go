package staking

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusWithdrawn Status = "withdrawn"
)

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	case StatusWithdrawn:
		return 3
	}
	return 0
}

func (s Status) Valid() bool {
	return s.rank() > 0
}

// CanTransition allows exactly one step forward: active → completed → withdrawn.
func (s Status) CanTransition(to Status) bool {
	return s.Valid() && to.rank() == s.rank()+1
}

// Position is one locked stake. A restake closes the position and opens a
// new one with Cycle+1 pointing back through ParentID.
type Position struct {
	ID                string          `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code              string          `gorm:"column:code;uniqueIndex;size:32;not null" json:"code"`
	AccountID         string          `gorm:"column:account_id;size:32;not null;index" json:"account_id"`
	OriginalPrincipal decimal.Decimal `gorm:"column:original_principal;type:decimal(20,8);not null" json:"original_principal"`
	CurrentPrincipal  decimal.Decimal `gorm:"column:current_principal;type:decimal(20,8);not null" json:"current_principal"`
	StartDate         time.Time       `gorm:"column:start_date;not null" json:"start_date"`
	UnlockDate        time.Time       `gorm:"column:unlock_date;not null;index:idx_stake_status_unlock,priority:2" json:"unlock_date"`
	LockPeriodDays    int             `gorm:"column:lock_period_days;not null" json:"lock_period_days"`
	Status            Status          `gorm:"column:status;size:16;not null;index:idx_stake_status_unlock,priority:1" json:"status"`
	APY               decimal.Decimal `gorm:"column:apy;type:decimal(10,2);not null" json:"apy"`
	AccruedReward     decimal.Decimal `gorm:"column:accrued_reward;type:decimal(20,8);not null;default:0" json:"accrued_reward"`
	Cycle             int             `gorm:"column:cycle;not null;default:1" json:"cycle"`
	ParentID          string          `gorm:"column:parent_id;size:32;index" json:"parent_id,omitempty"`
	CompletedAt       *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	WithdrawnAt       *time.Time      `gorm:"column:withdrawn_at" json:"withdrawn_at,omitempty"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Position) TableName() string {
	return "stake_positions"
}

// Projection is the live value of a position at a point in time.
type Projection struct {
	ElapsedDays   int             `json:"elapsed_days"`
	DaysRemaining int             `json:"days_remaining"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	DailyReward   decimal.Decimal `json:"daily_reward"`
	TotalEarned   decimal.Decimal `json:"total_earned"`
}

type StakeView struct {
	*Position
	Projection Projection `json:"projection"`
}

type CreateRequest struct {
	AccountID      string          `json:"account_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	LockPeriodDays int             `json:"lock_period_days" binding:"required"`
}

type ListRequest struct {
	AccountID string `form:"-"`
	Status    Status `form:"status"`
}

type WithdrawResult struct {
	Stake  *StakeView      `json:"stake"`
	Earned decimal.Decimal `json:"earned"`
	Payout decimal.Decimal `json:"payout"`
}

type RestakeResult struct {
	Previous *StakeView `json:"previous"`
	Stake    *StakeView `json:"stake"`
}

type SweepResult struct {
	Matured int `json:"matured"`
	Failed  int `json:"failed"`
}

// MaturePayload is the body of a stake:mature task.
type MaturePayload struct {
	StakeID string `json:"stake_id"`
}
