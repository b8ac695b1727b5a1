package commission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"stakeledger/pkg/celengine"
	"stakeledger/pkg/config"
	"stakeledger/pkg/errutil"
	"stakeledger/pkg/logger"
	"stakeledger/services/account"
	"stakeledger/services/ledger"
	"stakeledger/services/referral"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("stakeledger/services/commission")

// eligibilityDecls are the variables a DIRECT_ELIGIBILITY expression may use.
var eligibilityDecls = celengine.Declarations{
	"amount":       cel.DoubleType,
	"direct_block": cel.DoubleType,
	"event":        cel.StringType,
}

type Service struct {
	accounts *account.Service
	referral *referral.Service
	ledger   *ledger.Service

	levels   map[int]decimal.Decimal
	block    decimal.Decimal
	reward   decimal.Decimal
	eligible *celengine.Rule
}

type Params struct {
	fx.In
	Config   *config.Config
	Accounts *account.Service
	Referral *referral.Service
	Ledger   *ledger.Service
}

func NewService(p Params) (*Service, error) {
	cc := p.Config.Commission

	levels := make(map[int]decimal.Decimal, len(cc.Levels))
	for lvl, pct := range cc.Levels {
		if lvl < 1 || lvl > referral.MaxDepth {
			return nil, fmt.Errorf("commission level %d outside 1..%d", lvl, referral.MaxDepth)
		}
		if pct < 0 || pct >= 100 {
			return nil, fmt.Errorf("commission level %d: percent %v outside [0,100)", lvl, pct)
		}
		levels[lvl] = decimal.NewFromFloat(pct)
	}

	if cc.DirectBlock <= 0 {
		return nil, errors.New("commission direct block must be positive")
	}
	if cc.DirectReward < 0 {
		return nil, errors.New("commission direct reward must not be negative")
	}

	expr := strings.TrimSpace(cc.DirectEligibility)
	if expr == "" {
		expr = "amount >= direct_block"
	}
	rule, err := celengine.Compile(expr, eligibilityDecls)
	if err != nil {
		return nil, fmt.Errorf("compile direct eligibility %q: %w", expr, err)
	}

	return &Service{
		accounts: p.Accounts,
		referral: p.Referral,
		ledger:   p.Ledger,
		levels:   levels,
		block:    decimal.NewFromFloat(cc.DirectBlock),
		reward:   decimal.NewFromFloat(cc.DirectReward),
		eligible: rule,
	}, nil
}

// Levels returns the commission table as level → percent, sorted by level.
func (s *Service) Levels() []LevelRate {
	out := make([]LevelRate, 0, len(s.levels))
	for lvl, pct := range s.levels {
		out = append(out, LevelRate{Level: lvl, Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

type LevelRate struct {
	Level   int             `json:"level"`
	Percent decimal.Decimal `json:"percent"`
}

// RecordDeposit credits the depositor and distributes commissions for the
// deposit in one transaction. A reference already recorded fails with
// ledger.ErrDuplicateReference, one that already paid commissions through
// Distribute fails with ErrAlreadyPaid. Neither changes anything.
func (s *Service) RecordDeposit(ctx context.Context, accountID string, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "commission.RecordDeposit")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("reference_id", req.ReferenceID))

	if err := validate(req.Amount, req.ReferenceID); err != nil {
		return nil, err
	}

	var res *Result
	err := s.accounts.Transact(ctx, func(tx *gorm.DB) error {
		txID, err := ledger.NewTransactionID()
		if err != nil {
			return errutil.Internal("failed to generate transaction id", err)
		}

		acc, err := s.accounts.Apply(ctx, tx, accountID, account.Mutation{
			Wallet:   req.Amount,
			Deposits: req.Amount,
		})
		if err != nil {
			return err
		}

		if _, err := s.ledger.Append(ctx, tx, ledger.EntryParams{
			MemberID:      acc.ID,
			SourceID:      acc.ID,
			Type:          ledger.EntryDeposit,
			Amount:        req.Amount,
			ReferenceID:   req.ReferenceID,
			TransactionID: txID,
			Description:   "deposit",
		}); err != nil {
			return err
		}

		res, err = s.distribute(ctx, tx, EventDeposit, acc, req.Amount, req.ReferenceID, txID)
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Warn("deposit not recorded",
			zap.String("account_id", accountID),
			zap.String("reference_id", req.ReferenceID),
			zap.Error(err),
		)
		return nil, err
	}

	s.observe(res)
	return res, nil
}

// RecordProfit distributes the level cascade for a profit event.
func (s *Service) RecordProfit(ctx context.Context, accountID string, req Request) (*Result, error) {
	return s.Distribute(ctx, DistributeRequest{
		AccountID:   accountID,
		Event:       EventProfit,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
	})
}

// Distribute pays the commissions of one event without touching the
// triggering account's balances. Replaying a reference that already produced
// payouts fails with ErrAlreadyPaid.
func (s *Service) Distribute(ctx context.Context, req DistributeRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "commission.Distribute")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", req.AccountID), attribute.String("event", string(req.Event)))

	if !req.Event.Valid() {
		return nil, ErrInvalidEvent
	}
	if err := validate(req.Amount, req.ReferenceID); err != nil {
		return nil, err
	}

	var res *Result
	err := s.accounts.Transact(ctx, func(tx *gorm.DB) error {
		txID, err := ledger.NewTransactionID()
		if err != nil {
			return errutil.Internal("failed to generate transaction id", err)
		}

		acc, err := s.accounts.GetTx(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		res, err = s.distribute(ctx, tx, req.Event, acc, req.Amount, req.ReferenceID, txID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.observe(res)
	return res, nil
}

func validate(amount decimal.Decimal, referenceID string) error {
	if !amount.IsPositive() {
		return account.ErrInvalidAmount
	}
	if strings.TrimSpace(referenceID) == "" {
		return ErrReferenceMissing
	}
	return nil
}

// distribute applies exactly one of the two payout paths inside tx. A deposit
// on an account whose first-deposit flag is unset takes the direct path when
// the amount qualifies; every other event walks the cascade. An event that
// already paid either path fails with ErrAlreadyPaid.
func (s *Service) distribute(ctx context.Context, tx *gorm.DB, ev Event, acc *account.Account, amount decimal.Decimal, referenceID, txID string) (*Result, error) {
	paid, err := s.ledger.SourceReferenced(ctx, tx, acc.ID, referenceID,
		ledger.EntryDirectCommission, ledger.EntryLevelCommission)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, ErrAlreadyPaid
	}

	res := &Result{
		AccountID:     acc.ID,
		ReferenceID:   referenceID,
		TransactionID: txID,
		Event:         ev,
		Amount:        amount,
		Payouts:       []Payout{},
	}

	if ev == EventDeposit && !acc.FirstDepositPaid {
		ok, err := s.qualifies(ev, amount)
		if err != nil {
			return nil, err
		}
		if ok {
			res.Path = PathDirect
			return res, s.payDirect(ctx, tx, acc, res)
		}
	}

	res.Path = PathCascade
	return res, s.payCascade(ctx, tx, acc, res)
}

func (s *Service) qualifies(ev Event, amount decimal.Decimal) (bool, error) {
	ok, err := s.eligible.Evaluate(map[string]any{
		"amount":       amount.InexactFloat64(),
		"direct_block": s.block.InexactFloat64(),
		"event":        string(ev),
	})
	if err != nil {
		return false, errutil.Wrap(ErrRuleEvaluation, err)
	}
	return ok, nil
}

func (s *Service) payDirect(ctx context.Context, tx *gorm.DB, acc *account.Account, res *Result) error {
	inviters, err := s.referral.Upline(ctx, tx, acc, 1)
	if err != nil {
		return err
	}

	reward := DirectCommission(res.Amount, s.block, s.reward)
	if len(inviters) == 1 && reward.IsPositive() {
		inviter := inviters[0]
		if _, err := s.accounts.Apply(ctx, tx, inviter.ID, account.Mutation{
			Wallet:           reward,
			ReferralEarnings: reward,
		}); err != nil {
			return err
		}

		entry, err := s.ledger.Append(ctx, tx, ledger.EntryParams{
			MemberID:      inviter.ID,
			SourceID:      acc.ID,
			Type:          ledger.EntryDirectCommission,
			Level:         1,
			Amount:        reward,
			ReferenceID:   res.ReferenceID,
			TransactionID: res.TransactionID,
			Description:   "first deposit bonus from " + acc.ReferralCode,
		})
		if err != nil {
			return err
		}

		res.Payouts = append(res.Payouts, Payout{
			AccountID: inviter.ID,
			Type:      ledger.EntryDirectCommission,
			Level:     1,
			Rate:      decimal.Zero,
			Amount:    reward,
			EntryID:   entry.ID,
		})
	}

	if _, err := s.accounts.Apply(ctx, tx, acc.ID, account.Mutation{MarkFirstDepositPaid: true}); err != nil {
		return err
	}
	acc.FirstDepositPaid = true
	return nil
}

func (s *Service) payCascade(ctx context.Context, tx *gorm.DB, acc *account.Account, res *Result) error {
	chain, err := s.referral.Upline(ctx, tx, acc, referral.MaxDepth)
	if err != nil {
		return err
	}

	for i, up := range chain {
		lvl := i + 1
		pct, ok := s.levels[lvl]
		if !ok || !pct.IsPositive() {
			continue
		}
		amt := LevelCommission(res.Amount, pct)
		if !amt.IsPositive() {
			continue
		}

		if _, err := s.accounts.Apply(ctx, tx, up.ID, account.Mutation{
			Wallet:      amt,
			LevelIncome: amt,
		}); err != nil {
			return err
		}

		entry, err := s.ledger.Append(ctx, tx, ledger.EntryParams{
			MemberID:      up.ID,
			SourceID:      acc.ID,
			Type:          ledger.EntryLevelCommission,
			Level:         lvl,
			Amount:        amt,
			Rate:          pct,
			ReferenceID:   res.ReferenceID,
			TransactionID: res.TransactionID,
			Description:   fmt.Sprintf("level %d %s commission from %s", lvl, res.Event, acc.ReferralCode),
		})
		if err != nil {
			return err
		}

		res.Payouts = append(res.Payouts, Payout{
			AccountID: up.ID,
			Type:      ledger.EntryLevelCommission,
			Level:     lvl,
			Rate:      pct,
			Amount:    amt,
			EntryID:   entry.ID,
		})
	}
	return nil
}

func (s *Service) observe(res *Result) {
	eventsTotal.WithLabelValues(string(res.Event), string(res.Path)).Inc()
	for _, p := range res.Payouts {
		payoutsTotal.WithLabelValues(string(p.Type), strconv.Itoa(p.Level)).Add(p.Amount.InexactFloat64())
	}
	zap.L().Info("commission distributed",
		zap.String("account_id", res.AccountID),
		zap.String("reference_id", res.ReferenceID),
		zap.String("event", string(res.Event)),
		zap.String("path", string(res.Path)),
		zap.Int("payouts", len(res.Payouts)),
		zap.String("total", res.Total().StringFixed(2)),
	)
}
