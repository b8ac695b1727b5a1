package commission

import (
	"stakeledger/services/ledger"

	"github.com/shopspring/decimal"
)

type Event string

const (
	EventDeposit Event = "deposit"
	EventProfit  Event = "profit"
)

func (e Event) Valid() bool {
	return e == EventDeposit || e == EventProfit
}

// Path tells which of the two mutually exclusive payout paths an event took.
type Path string

const (
	PathDirect  Path = "direct"
	PathCascade Path = "cascade"
)

// Request is the body of the deposit and profit endpoints.
type Request struct {
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id" binding:"required,max=64"`
}

type DistributeRequest struct {
	AccountID   string          `json:"account_id" binding:"required"`
	Event       Event           `json:"event" binding:"required,oneof=deposit profit"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id" binding:"required,max=64"`
}

type Payout struct {
	AccountID string           `json:"account_id"`
	Type      ledger.EntryType `json:"type"`
	Level     int              `json:"level"`
	Rate      decimal.Decimal  `json:"rate"`
	Amount    decimal.Decimal  `json:"amount"`
	EntryID   string           `json:"entry_id"`
}

type Result struct {
	AccountID     string          `json:"account_id"`
	ReferenceID   string          `json:"reference_id"`
	TransactionID string          `json:"transaction_id"`
	Event         Event           `json:"event"`
	Amount        decimal.Decimal `json:"amount"`
	Path          Path            `json:"path"`
	Payouts       []Payout        `json:"payouts"`
}

// Total is the sum of every payout of the event.
func (r *Result) Total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Payouts {
		total = total.Add(p.Amount)
	}
	return total
}

// DirectCommission pays reward for every complete block of amount.
func DirectCommission(amount, block, reward decimal.Decimal) decimal.Decimal {
	if !block.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(block).Floor().Mul(reward)
}

// LevelCommission is amount × percent / 100 rounded to cents.
func LevelCommission(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}
