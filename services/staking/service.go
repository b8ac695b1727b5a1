package staking

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"stakeledger/pkg/config"
	"stakeledger/pkg/db/option"
	"stakeledger/pkg/errutil"
	"stakeledger/pkg/featureflags"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/logger"
	"stakeledger/pkg/repository"
	"stakeledger/pkg/sequence"
	"stakeledger/pkg/task"
	"stakeledger/pkg/taskname"
	"stakeledger/services/account"
	"stakeledger/services/ledger"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("stakeledger/services/staking")

const sweepConcurrency = 4

type Service struct {
	db        *gorm.DB
	ids       gen.IDGenerator
	seq       sequence.Generator
	accounts  *account.Service
	ledger    *ledger.Service
	tasks     task.Enqueuer
	flags     featureflags.FeatureFlag
	positions repository.Repository[Position]

	rate        decimal.Decimal
	lockPeriods map[int]bool
	batch       int
	now         func() time.Time
}

type Params struct {
	fx.In
	Config   *config.Config
	DB       *gorm.DB
	IDs      *gen.SnowflakeNode
	Sequence sequence.Generator
	Accounts *account.Service
	Ledger   *ledger.Service
	Tasks    task.Enqueuer
	Flags    featureflags.FeatureFlag
}

func NewService(p Params) *Service {
	sc := p.Config.Staking

	periods := make(map[int]bool, len(sc.LockPeriods))
	for _, d := range sc.LockPeriods {
		if d > 0 {
			periods[d] = true
		}
	}

	batch := sc.SweepBatch
	if batch <= 0 {
		batch = 200
	}

	return &Service{
		db:          p.DB,
		ids:         p.IDs,
		seq:         p.Sequence,
		accounts:    p.Accounts,
		ledger:      p.Ledger,
		tasks:       p.Tasks,
		flags:       p.Flags,
		positions:   repository.ProvideStore[Position](p.DB),
		rate:        decimal.NewFromFloat(sc.DailyRate),
		lockPeriods: periods,
		batch:       batch,
		now:         time.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type Plan struct {
	LockPeriodDays int             `json:"lock_period_days"`
	APY            decimal.Decimal `json:"apy"`
}

// Plans lists the supported lock periods with their yield.
func (s *Service) Plans() []Plan {
	out := make([]Plan, 0, len(s.lockPeriods))
	for d := range s.lockPeriods {
		out = append(out, Plan{LockPeriodDays: d, APY: APY(s.rate, d)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockPeriodDays < out[j].LockPeriodDays })
	return out
}

// CreateStake locks amount from the account's wallet. The position, the
// balance move and the ledger entry commit together; a failed balance update
// rolls the position back.
func (s *Service) CreateStake(ctx context.Context, req CreateRequest) (*StakeView, error) {
	ctx, span := tracer.Start(ctx, "staking.CreateStake")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", req.AccountID), attribute.Int("lock_period_days", req.LockPeriodDays))

	if !req.Amount.IsPositive() {
		return nil, account.ErrInvalidAmount
	}
	if !s.lockPeriods[req.LockPeriodDays] {
		return nil, ErrUnsupportedLockPeriod
	}

	code, err := s.seq.NextStakeCode(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("failed to generate stake code", zap.Error(err))
		return nil, errutil.Wrap(ErrStakeCodeGen, err)
	}

	var pos *Position
	err = s.accounts.Transact(ctx, func(tx *gorm.DB) error {
		acc, err := s.accounts.GetTx(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if acc.WalletBalance.LessThan(req.Amount) {
			return account.ErrInsufficientFunds
		}

		now := s.clock()
		pos = &Position{
			ID:                s.ids.NextID(),
			Code:              code,
			AccountID:         acc.ID,
			OriginalPrincipal: req.Amount,
			CurrentPrincipal:  req.Amount,
			StartDate:         now,
			UnlockDate:        now.Add(time.Duration(req.LockPeriodDays) * day),
			LockPeriodDays:    req.LockPeriodDays,
			Status:            StatusActive,
			APY:               APY(s.rate, req.LockPeriodDays),
			AccruedReward:     decimal.Zero,
			Cycle:             1,
		}
		if err := s.positions.WithTrx(tx).Create(ctx, pos); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.Conflict("stake code already taken", err)
			}
			return errutil.Internal("failed to create stake", err)
		}

		if _, err := s.accounts.Apply(ctx, tx, acc.ID, account.Mutation{
			Wallet: req.Amount.Neg(),
			Staked: req.Amount,
		}); err != nil {
			logger.FromContext(ctx).Warn("balance update failed, rolling back stake",
				zap.String("stake_id", pos.ID), zap.Error(err))
			return err
		}

		_, err = s.ledger.Append(ctx, tx, ledger.EntryParams{
			MemberID:    acc.ID,
			SourceID:    pos.ID,
			Type:        ledger.EntryStakeLock,
			Amount:      req.Amount,
			ReferenceID: pos.ID,
			Description: "stake " + pos.Code + " locked for " + strconv.Itoa(req.LockPeriodDays) + " days",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	stakesTotal.WithLabelValues(strconv.Itoa(pos.LockPeriodDays)).Inc()
	stakedAmount.Add(pos.CurrentPrincipal.InexactFloat64())
	logger.FromContext(ctx).Info("stake created",
		zap.String("stake_id", pos.ID),
		zap.String("code", pos.Code),
		zap.String("account_id", pos.AccountID),
		zap.String("amount", pos.CurrentPrincipal.String()),
		zap.Time("unlock_date", pos.UnlockDate),
	)

	s.scheduleMaturity(ctx, pos)
	return s.view(pos), nil
}

// scheduleMaturity enqueues the completion of pos at its unlock date. Lazy
// maturity and the daily sweep cover a lost task, so failures only log.
func (s *Service) scheduleMaturity(ctx context.Context, pos *Position) {
	if s.tasks == nil {
		return
	}

	payload, err := json.Marshal(MaturePayload{StakeID: pos.ID})
	if err != nil {
		return
	}

	_, err = s.tasks.Enqueue(ctx, asynq.NewTask(taskname.StakeMature, payload),
		asynq.ProcessAt(pos.UnlockDate),
		asynq.Queue(taskname.QueueDefault),
		asynq.TaskID(taskname.StakeMature+":"+pos.ID),
		asynq.MaxRetry(10),
	)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to schedule stake maturity", zap.String("stake_id", pos.ID), zap.Error(err))
	}
}

func (s *Service) view(p *Position) *StakeView {
	return &StakeView{Position: p, Projection: Project(p, s.rate, s.clock())}
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, id string, opts ...option.QueryOption) (*Position, error) {
	if id == "" {
		return nil, ErrStakeNotFound
	}
	pos, err := s.positions.WithTrx(tx).FindOne(ctx, &Position{ID: id}, opts...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to load stake", zap.String("stake_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to load stake", err)
	}
	if pos == nil {
		return nil, ErrStakeNotFound
	}
	return pos, nil
}

func due(p *Position, now time.Time) bool {
	return p.Status == StatusActive && !now.Before(p.UnlockDate)
}

// transition moves p one status forward, guarded by its current status so a
// concurrent writer that already moved it makes this call fail.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, p *Position, to Status, now time.Time, fields map[string]any) error {
	if !p.Status.CanTransition(to) {
		return ErrInvalidTransition
	}

	updates := map[string]any{"status": to, "updated_at": now}
	for k, v := range fields {
		updates[k] = v
	}

	res := tx.WithContext(ctx).Model(&Position{}).
		Where("id = ? AND status = ?", p.ID, p.Status).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to update stake status", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}

	p.Status = to
	p.UpdatedAt = now
	return nil
}

func (s *Service) complete(ctx context.Context, tx *gorm.DB, p *Position, now time.Time) error {
	earned := TotalEarned(p.CurrentPrincipal, s.rate, p.LockPeriodDays)
	if err := s.transition(ctx, tx, p, StatusCompleted, now, map[string]any{
		"completed_at":   now,
		"accrued_reward": earned,
	}); err != nil {
		return err
	}
	p.CompletedAt = &now
	p.AccruedReward = earned
	return nil
}

// settle completes p when its lock period is over and returns the latest state.
func (s *Service) settle(ctx context.Context, p *Position) (*Position, bool, error) {
	now := s.clock()
	if !due(p, now) {
		return p, false, nil
	}

	err := s.complete(ctx, s.db, p, now)
	if errors.Is(err, ErrInvalidTransition) {
		latest, err := s.find(ctx, nil, p.ID)
		return latest, false, err
	}
	if err != nil {
		return nil, false, err
	}

	transitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	logger.FromContext(ctx).Info("stake matured", zap.String("stake_id", p.ID), zap.String("account_id", p.AccountID))
	return p, true, nil
}

func (s *Service) GetStake(ctx context.Context, id string) (*StakeView, error) {
	pos, err := s.find(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	pos, _, err = s.settle(ctx, pos)
	if err != nil {
		return nil, err
	}
	return s.view(pos), nil
}

// ListStakes returns the account's positions newest first.
func (s *Service) ListStakes(ctx context.Context, req ListRequest) ([]*StakeView, error) {
	ctx, span := tracer.Start(ctx, "staking.ListStakes")
	defer span.End()

	if req.Status != "" && !req.Status.Valid() {
		return nil, errutil.BadRequest("unknown stake status", nil)
	}
	if _, err := s.accounts.Get(ctx, req.AccountID); err != nil {
		return nil, err
	}

	positions, err := s.positions.Find(ctx, &Position{AccountID: req.AccountID, Status: req.Status},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "start_date",
			OrderBy: "desc",
			Allow:   map[string]bool{"start_date": true},
		}),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list stakes", zap.String("account_id", req.AccountID), zap.Error(err))
		return nil, errutil.Internal("failed to list stakes", err)
	}

	out := make([]*StakeView, 0, len(positions))
	for _, p := range positions {
		p, _, err := s.settle(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, s.view(p))
	}
	return out, nil
}

// Mature completes the stake when its lock period is over. Positions that
// already moved on are left alone.
func (s *Service) Mature(ctx context.Context, id string) (bool, error) {
	pos, err := s.find(ctx, nil, id)
	if err != nil {
		return false, err
	}
	if pos.Status != StatusActive {
		return false, nil
	}
	if !due(pos, s.clock()) {
		return false, ErrStakeLocked
	}
	_, matured, err := s.settle(ctx, pos)
	return matured, err
}

// Withdraw closes a completed stake and credits principal plus earnings to
// the wallet exactly once.
func (s *Service) Withdraw(ctx context.Context, id string) (*WithdrawResult, error) {
	ctx, span := tracer.Start(ctx, "staking.Withdraw")
	defer span.End()
	span.SetAttributes(attribute.String("stake_id", id))

	var res *WithdrawResult
	var matured bool
	err := s.accounts.Transact(ctx, func(tx *gorm.DB) error {
		matured = false
		pos, err := s.closable(ctx, tx, id, &matured)
		if err != nil {
			return err
		}

		now := s.clock()
		earned := TotalEarned(pos.CurrentPrincipal, s.rate, pos.LockPeriodDays)
		payout := pos.CurrentPrincipal.Add(earned)

		if err := s.transition(ctx, tx, pos, StatusWithdrawn, now, map[string]any{
			"withdrawn_at":   now,
			"accrued_reward": earned,
		}); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return ErrAlreadyWithdrawn
			}
			return err
		}
		pos.WithdrawnAt = &now
		pos.AccruedReward = earned

		if _, err := s.accounts.Apply(ctx, tx, pos.AccountID, account.Mutation{
			Wallet: payout,
			Staked: pos.CurrentPrincipal.Neg(),
		}); err != nil {
			return err
		}

		if _, err := s.ledger.Append(ctx, tx, ledger.EntryParams{
			MemberID:    pos.AccountID,
			SourceID:    pos.ID,
			Type:        ledger.EntryStakePayout,
			Amount:      payout,
			ReferenceID: pos.ID,
			Description: "stake " + pos.Code + " withdrawn",
			Metadata:    amounts(pos.CurrentPrincipal, earned),
		}); err != nil {
			return err
		}

		res = &WithdrawResult{Stake: s.view(pos), Earned: earned, Payout: payout}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if matured {
		transitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
	transitionsTotal.WithLabelValues(string(StatusWithdrawn)).Inc()
	logger.FromContext(ctx).Info("stake withdrawn",
		zap.String("stake_id", id),
		zap.String("account_id", res.Stake.AccountID),
		zap.String("payout", res.Payout.String()),
	)
	return res, nil
}

// closable loads a stake for withdrawal or restake inside tx, completing it
// first when its lock period just ended.
func (s *Service) closable(ctx context.Context, tx *gorm.DB, id string, matured *bool) (*Position, error) {
	pos, err := s.find(ctx, tx, id, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if due(pos, now) {
		if err := s.complete(ctx, tx, pos, now); err != nil {
			return nil, err
		}
		*matured = true
	}

	switch pos.Status {
	case StatusActive:
		return nil, ErrStakeLocked
	case StatusWithdrawn:
		return nil, ErrAlreadyWithdrawn
	}
	return pos, nil
}

func amounts(principal, earned decimal.Decimal) datatypes.JSON {
	b, _ := json.Marshal(map[string]string{
		"principal": principal.String(),
		"earned":    earned.String(),
	})
	return datatypes.JSON(b)
}

// Restake rolls a completed stake into a new position of the same lock
// period. The payout stays staked: the old position is closed without a
// wallet credit and the earned part moves into the staked balance.
func (s *Service) Restake(ctx context.Context, id string) (*RestakeResult, error) {
	ctx, span := tracer.Start(ctx, "staking.Restake")
	defer span.End()
	span.SetAttributes(attribute.String("stake_id", id))

	if s.flags != nil && !s.flags.IsEnabled(ctx, featureflags.RestakeEnabled, true) {
		return nil, ErrRestakeDisabled
	}

	code, err := s.seq.NextStakeCode(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("failed to generate stake code", zap.Error(err))
		return nil, errutil.Wrap(ErrStakeCodeGen, err)
	}

	var res *RestakeResult
	var matured bool
	err = s.accounts.Transact(ctx, func(tx *gorm.DB) error {
		matured = false
		prev, err := s.closable(ctx, tx, id, &matured)
		if err != nil {
			return err
		}

		now := s.clock()
		earned := TotalEarned(prev.CurrentPrincipal, s.rate, prev.LockPeriodDays)
		payout := prev.CurrentPrincipal.Add(earned)

		if err := s.transition(ctx, tx, prev, StatusWithdrawn, now, map[string]any{
			"withdrawn_at":   now,
			"accrued_reward": earned,
		}); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return ErrAlreadyWithdrawn
			}
			return err
		}
		prev.WithdrawnAt = &now
		prev.AccruedReward = earned

		next := &Position{
			ID:                s.ids.NextID(),
			Code:              code,
			AccountID:         prev.AccountID,
			OriginalPrincipal: prev.OriginalPrincipal,
			CurrentPrincipal:  payout,
			StartDate:         now,
			UnlockDate:        now.Add(time.Duration(prev.LockPeriodDays) * day),
			LockPeriodDays:    prev.LockPeriodDays,
			Status:            StatusActive,
			APY:               APY(s.rate, prev.LockPeriodDays),
			AccruedReward:     decimal.Zero,
			Cycle:             prev.Cycle + 1,
			ParentID:          prev.ID,
		}
		if err := s.positions.WithTrx(tx).Create(ctx, next); err != nil {
			return errutil.Internal("failed to create stake", err)
		}

		if _, err := s.accounts.Apply(ctx, tx, prev.AccountID, account.Mutation{Staked: earned}); err != nil {
			return err
		}

		if _, err := s.ledger.Append(ctx, tx, ledger.EntryParams{
			MemberID:    prev.AccountID,
			SourceID:    prev.ID,
			Type:        ledger.EntryStakeRestake,
			Amount:      payout,
			ReferenceID: next.ID,
			Description: "stake " + prev.Code + " restaked as " + next.Code,
			Metadata:    amounts(prev.CurrentPrincipal, earned),
		}); err != nil {
			return err
		}

		res = &RestakeResult{Previous: s.view(prev), Stake: s.view(next)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if matured {
		transitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
	transitionsTotal.WithLabelValues(string(StatusWithdrawn)).Inc()
	stakesTotal.WithLabelValues(strconv.Itoa(res.Stake.LockPeriodDays)).Inc()
	logger.FromContext(ctx).Info("stake restaked",
		zap.String("stake_id", id),
		zap.String("new_stake_id", res.Stake.ID),
		zap.Int("cycle", res.Stake.Cycle),
	)

	s.scheduleMaturity(ctx, res.Stake.Position)
	return res, nil
}

// SweepMatured completes every active stake past its unlock date, a batch at
// a time with bounded concurrency.
func (s *Service) SweepMatured(ctx context.Context) (*SweepResult, error) {
	ctx, span := tracer.Start(ctx, "staking.SweepMatured")
	defer span.End()

	res := &SweepResult{}
	for {
		batch, err := s.positions.Find(ctx, &Position{Status: StatusActive},
			option.ApplyOperator(option.Condition{
				Field:    "unlock_date",
				Operator: option.LTE,
				Value:    s.clock(),
			}),
			option.WithSortBy(option.QuerySortBy{
				SortBy:  "unlock_date",
				OrderBy: "asc",
				Allow:   map[string]bool{"unlock_date": true},
			}),
			option.WithLimit(s.batch),
		)
		if err != nil {
			logger.FromContext(ctx).Error("failed to load due stakes", zap.Error(err))
			return res, errutil.Internal("failed to load due stakes", err)
		}
		if len(batch) == 0 {
			break
		}

		var matured, failed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, p := range batch {
			id := p.ID
			g.Go(func() error {
				ok, err := s.Mature(gctx, id)
				if err != nil {
					failed.Add(1)
					logger.FromContext(gctx).Warn("failed to mature stake", zap.String("stake_id", id), zap.Error(err))
					return nil
				}
				if ok {
					matured.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		res.Matured += int(matured.Load())
		res.Failed += int(failed.Load())

		if len(batch) < s.batch || matured.Load() == 0 {
			break
		}
	}

	logger.FromContext(ctx).Info("maturity sweep finished", zap.Int("matured", res.Matured), zap.Int("failed", res.Failed))
	return res, nil
}
