package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"stakeledger/pkg/errutil"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/middleware"
	"stakeledger/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &Account{})
	return NewService(Params{DB: db, IDs: gen.MustNode(1)})
}

func seed(t *testing.T, s *Service, code string, wallet int64) *Account {
	t.Helper()
	acc := &Account{
		ReferralCode:  code,
		Name:          code,
		WalletBalance: decimal.NewFromInt(wallet),
	}
	require.NoError(t, s.Create(context.Background(), s.db, acc))
	return acc
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestApplyCreditsAndBumpsVersion(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	acc := seed(t, s, "REF-A", 100)

	updated, err := s.Apply(ctx, nil, acc.ID, Mutation{
		Wallet:               decimal.NewFromInt(-40),
		Staked:               decimal.NewFromInt(40),
		LevelIncome:          decimal.RequireFromString("9.6"),
		MarkFirstDepositPaid: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	requireAmount(t, "60", got.WalletBalance)
	requireAmount(t, "40", got.StakedBalance)
	requireAmount(t, "9.6", got.LevelIncome)
	require.True(t, got.FirstDepositPaid)
	require.Equal(t, int64(1), got.Version)
}

func TestApplyRejectsOverdraft(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	acc := seed(t, s, "REF-A", 10)

	_, err := s.Apply(ctx, nil, acc.ID, Mutation{Wallet: decimal.NewFromInt(-11)})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = s.Apply(ctx, nil, acc.ID, Mutation{Staked: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrInsufficientStaked)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	requireAmount(t, "10", got.WalletBalance)
	require.Equal(t, int64(0), got.Version)
}

func TestApplyNeverClearsFirstDepositFlag(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	acc := seed(t, s, "REF-A", 0)

	_, err := s.Apply(ctx, nil, acc.ID, Mutation{MarkFirstDepositPaid: true})
	require.NoError(t, err)
	_, err = s.Apply(ctx, nil, acc.ID, Mutation{Wallet: decimal.NewFromInt(5)})
	require.NoError(t, err)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	require.True(t, got.FirstDepositPaid)
}

func TestApplyUnknownAccount(t *testing.T) {
	s := newTestService(t)

	_, err := s.Apply(context.Background(), nil, "missing", Mutation{Wallet: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpdateWithStaleVersionConflicts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	acc := seed(t, s, "REF-A", 10)

	stale := *acc
	_, err := s.Apply(ctx, nil, acc.ID, Mutation{Wallet: decimal.NewFromInt(1)})
	require.NoError(t, err)

	next, err := stale.apply(Mutation{Wallet: decimal.NewFromInt(-10)})
	require.NoError(t, err)
	require.ErrorIs(t, s.update(ctx, s.db, stale, next), ErrVersionConflict)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	requireAmount(t, "11", got.WalletBalance)
}

func TestTransactRetriesVersionConflicts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	calls := 0
	err := s.Transact(ctx, func(tx *gorm.DB) error {
		calls++
		if calls < MaxAttempts {
			return ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, MaxAttempts, calls)

	calls = 0
	err = s.Transact(ctx, func(tx *gorm.DB) error {
		calls++
		return errutil.Wrap(ErrVersionConflict, errors.New("lost race"))
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, MaxAttempts, calls)
}

func TestTransactDoesNotRetryBusinessErrors(t *testing.T) {
	s := newTestService(t)

	calls := 0
	err := s.Transact(context.Background(), func(tx *gorm.DB) error {
		calls++
		return ErrInsufficientFunds
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, 1, calls)
}

func TestTransactRollsBackOnError(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	a := seed(t, s, "REF-A", 100)
	b := seed(t, s, "REF-B", 0)

	err := s.Transact(ctx, func(tx *gorm.DB) error {
		if _, err := s.Apply(ctx, tx, b.ID, Mutation{Wallet: decimal.NewFromInt(50)}); err != nil {
			return err
		}
		_, err := s.Apply(ctx, tx, a.ID, Mutation{Wallet: decimal.NewFromInt(-150)})
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	requireAmount(t, "0", got.WalletBalance)
}

func TestGetByReferralCode(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	acc := seed(t, s, "REF-A", 0)

	got, err := s.GetByReferralCode(ctx, nil, "REF-A")
	require.NoError(t, err)
	require.Equal(t, acc.ID, got.ID)

	_, err = s.GetByReferralCode(ctx, nil, "REF-X")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestListByUplineCodes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seed(t, s, "REF-A", 0)
	for _, code := range []string{"REF-B", "REF-C"} {
		acc := &Account{ReferralCode: code, Name: code, UplineCode: "REF-A"}
		require.NoError(t, s.Create(ctx, s.db, acc))
	}
	require.NoError(t, s.Create(ctx, s.db, &Account{ReferralCode: "REF-D", Name: "d", UplineCode: "REF-B"}))

	got, err := s.ListByUplineCodes(ctx, []string{"REF-A"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.ListByUplineCodes(ctx, []string{"REF-A", "REF-B"})
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestHandlerGet(t *testing.T) {
	s := newTestService(t)
	acc := seed(t, s, "REF-A", 25)

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(s).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/"+acc.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "REF-A", body.ReferralCode)
	requireAmount(t, "25", body.WalletBalance)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/unknown", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
