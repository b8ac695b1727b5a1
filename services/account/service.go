package account

import (
	"context"
	"errors"
	"time"

	"stakeledger/pkg/db/option"
	"stakeledger/pkg/errutil"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/logger"
	"stakeledger/pkg/repository"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxAttempts bounds how often Transact reruns a transaction that lost an
// optimistic version race.
const MaxAttempts = 3

var tracer = otel.Tracer("stakeledger/services/account")

// Service is the balance store. Every balance change goes through Apply.
type Service struct {
	db   *gorm.DB
	ids  gen.IDGenerator
	repo repository.Repository[Account]
}

type Params struct {
	fx.In
	DB  *gorm.DB
	IDs *gen.SnowflakeNode
}

func NewService(p Params) *Service {
	return &Service{
		db:   p.DB,
		ids:  p.IDs,
		repo: repository.ProvideStore[Account](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.get(ctx, s.db, id)
}

// GetTx reads the account inside tx without locking it.
func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, id string) (*Account, error) {
	return s.get(ctx, tx, id)
}

func (s *Service) get(ctx context.Context, tx *gorm.DB, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountNotFound
	}
	acc, err := s.repo.WithTrx(tx).FindOne(ctx, &Account{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to load account", zap.String("account_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to load account", err)
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

func (s *Service) GetByReferralCode(ctx context.Context, tx *gorm.DB, code string) (*Account, error) {
	if code == "" {
		return nil, ErrAccountNotFound
	}
	if tx == nil {
		tx = s.db
	}
	acc, err := s.repo.WithTrx(tx).FindOne(ctx, &Account{ReferralCode: code})
	if err != nil {
		return nil, errutil.Internal("failed to load account", err)
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// ListByUplineCodes returns the accounts directly invited by any of codes.
func (s *Service) ListByUplineCodes(ctx context.Context, codes []string) ([]*Account, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	return s.repo.Find(ctx, &Account{},
		option.ApplyOperator(option.Condition{
			Field:    "upline_code",
			Operator: option.IN,
			Value:    codes,
		}),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}

// Create inserts a fresh account with zero balances inside tx.
func (s *Service) Create(ctx context.Context, tx *gorm.DB, acc *Account) error {
	if acc.ID == "" {
		acc.ID = s.ids.NextID()
	}
	acc.Version = 0
	if err := s.repo.WithTrx(tx).Create(ctx, acc); err != nil {
		return err
	}
	return nil
}

// Apply reads the latest account row inside tx, applies m and writes it back
// guarded by the row version. A lost race yields ErrVersionConflict, which
// Transact turns into a retry of the whole transaction.
func (s *Service) Apply(ctx context.Context, tx *gorm.DB, accountID string, m Mutation) (*Account, error) {
	ctx, span := tracer.Start(ctx, "account.Apply")
	defer span.End()

	if tx == nil {
		tx = s.db
	}

	current, err := s.repo.WithTrx(tx).FindOne(ctx, &Account{ID: accountID}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to load account", err)
	}
	if current == nil {
		return nil, ErrAccountNotFound
	}

	if m.IsZero() {
		return current, nil
	}

	next, err := current.apply(m)
	if err != nil {
		return nil, err
	}

	if err := s.update(ctx, tx, *current, next); err != nil {
		return nil, err
	}

	next.Version = current.Version + 1
	return &next, nil
}

func (s *Service) update(ctx context.Context, tx *gorm.DB, prev, next Account) error {
	res := tx.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND version = ?", prev.ID, prev.Version).
		Updates(map[string]any{
			"wallet_balance":     next.WalletBalance,
			"staked_balance":     next.StakedBalance,
			"total_deposits":     next.TotalDeposits,
			"referral_earnings":  next.ReferralEarnings,
			"level_income":       next.LevelIncome,
			"referral_count":     next.ReferralCount,
			"first_deposit_paid": next.FirstDepositPaid,
			"version":            prev.Version + 1,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return errutil.Internal("failed to update account", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Transact runs fn in one database transaction, retrying the whole unit up
// to MaxAttempts times when it fails with ErrVersionConflict.
func (s *Service) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.FromContext(ctx).Warn("version conflict, retrying transaction", zap.Int("attempt", attempt))
	}
	return err
}
