package referral

import (
	"context"
	"errors"
	"strings"

	"stakeledger/pkg/errutil"
	"stakeledger/pkg/logger"
	"stakeledger/pkg/sequence"
	"stakeledger/services/account"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("stakeledger/services/referral")

type Service struct {
	accounts *account.Service
	seq      sequence.Generator
}

type Params struct {
	fx.In
	Accounts *account.Service
	Sequence sequence.Generator
}

func NewService(p Params) *Service {
	return &Service{
		accounts: p.Accounts,
		seq:      p.Sequence,
	}
}

// Register creates an account with a fresh referral code and links it under
// the inviter in the same transaction. An unknown inviter code is ignored.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*account.Account, error) {
	ctx, span := tracer.Start(ctx, "referral.Register")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrNameRequired
	}

	code, err := s.seq.NextReferralCode(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("failed to generate referral code", zap.Error(err))
		return nil, errutil.Wrap(ErrReferralCodeGen, err)
	}

	var acc *account.Account
	err = s.accounts.Transact(ctx, func(tx *gorm.DB) error {
		acc = &account.Account{
			ReferralCode: code,
			Name:         name,
			Handle:       slug.Make(name),
		}
		if err := s.accounts.Create(ctx, tx, acc); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.Conflict("referral code already taken", err)
			}
			return errutil.Internal("failed to create account", err)
		}
		return s.AssignUpline(ctx, tx, acc, req.InviterCode)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("account registered",
		zap.String("account_id", acc.ID),
		zap.String("referral_code", acc.ReferralCode),
		zap.String("upline_code", acc.UplineCode),
	)
	return acc, nil
}

// AssignUpline links acc under the owner of inviterCode and bumps the
// inviter's referral count. It runs once per account: a second call fails
// with ErrUplineAssigned. Unknown or self-referencing codes are a silent no-op.
func (s *Service) AssignUpline(ctx context.Context, tx *gorm.DB, acc *account.Account, inviterCode string) error {
	if acc.UplineCode != "" {
		return ErrUplineAssigned
	}

	inviterCode = strings.TrimSpace(inviterCode)
	if inviterCode == "" {
		return nil
	}

	inviter, err := s.accounts.GetByReferralCode(ctx, tx, inviterCode)
	if errors.Is(err, account.ErrAccountNotFound) {
		logger.FromContext(ctx).Info("inviter not found, registering without upline",
			zap.String("account_id", acc.ID), zap.String("inviter_code", inviterCode))
		return nil
	}
	if err != nil {
		return err
	}
	if inviter.ID == acc.ID {
		return nil
	}

	res := tx.WithContext(ctx).Model(&account.Account{}).
		Where("id = ? AND (upline_code = '' OR upline_code IS NULL)", acc.ID).
		Updates(map[string]any{
			"upline_code": inviter.ReferralCode,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return errutil.Internal("failed to assign upline", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUplineAssigned
	}

	if _, err := s.accounts.Apply(ctx, tx, inviter.ID, account.Mutation{ReferralCount: 1}); err != nil {
		return err
	}

	acc.UplineCode = inviter.ReferralCode
	acc.Version++
	return nil
}

// Upline walks up to depth inviter hops from acc, nearest first. The walk
// stops silently at the top of the chain.
func (s *Service) Upline(ctx context.Context, tx *gorm.DB, acc *account.Account, depth int) ([]*account.Account, error) {
	if depth > MaxDepth {
		depth = MaxDepth
	}

	chain := make([]*account.Account, 0, depth)
	seen := map[string]bool{acc.ID: true}
	current := acc
	for len(chain) < depth && current.UplineCode != "" {
		up, err := s.accounts.GetByReferralCode(ctx, tx, current.UplineCode)
		if errors.Is(err, account.ErrAccountNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if seen[up.ID] {
			logger.FromContext(ctx).Warn("referral cycle detected", zap.String("account_id", acc.ID), zap.String("at", up.ID))
			break
		}
		seen[up.ID] = true
		chain = append(chain, up)
		current = up
	}
	return chain, nil
}

// UplineOf resolves the chain for an account id outside of a transaction.
func (s *Service) UplineOf(ctx context.Context, accountID string, depth int) ([]*account.Account, error) {
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.Upline(ctx, nil, acc, depth)
}

// Downline computes the three levels below an account by following upline
// pointers downward, annotating each member with deposits and staked totals.
func (s *Service) Downline(ctx context.Context, accountID string) (*Downline, error) {
	ctx, span := tracer.Start(ctx, "referral.Downline")
	defer span.End()

	root, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := &Downline{AccountID: root.ID, Levels: make([]Level, 0, MaxDepth)}
	seen := map[string]bool{root.ID: true}
	frontier := []string{root.ReferralCode}

	for lvl := 1; lvl <= MaxDepth; lvl++ {
		level := Level{Level: lvl, Members: []Member{}, TotalDeposits: decimal.Zero, TotalStaked: decimal.Zero}

		var children []*account.Account
		if len(frontier) > 0 {
			children, err = s.accounts.ListByUplineCodes(ctx, frontier)
			if err != nil {
				logger.FromContext(ctx).Error("failed to list downline", zap.String("account_id", accountID), zap.Int("level", lvl), zap.Error(err))
				return nil, errutil.Internal("failed to list downline", err)
			}
		}

		next := make([]string, 0, len(children))
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			level.Members = append(level.Members, newMember(child))
			level.TotalDeposits = level.TotalDeposits.Add(child.TotalDeposits)
			level.TotalStaked = level.TotalStaked.Add(child.StakedBalance)
			next = append(next, child.ReferralCode)
		}

		out.Levels = append(out.Levels, level)
		frontier = next
	}

	return out, nil
}
