package staking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stakeledger/pkg/featureflags"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/middleware"
	seqmock "stakeledger/pkg/sequence/mock"
	"stakeledger/pkg/task"
	taskmock "stakeledger/pkg/task/mock"
	"stakeledger/pkg/taskname"
	"stakeledger/services/account"
	"stakeledger/services/ledger"
	"stakeledger/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	accounts *account.Service
	ledger   *ledger.Service
	tasks    *taskmock.MockEnqueuer

	now        time.Time
	enqueued   []*asynq.Task
	enqueueErr error
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	t.Helper()

	cfg := testutil.NewTestConfig(t)
	db := testutil.NewTestDB(t, &account.Account{}, &ledger.Entry{}, &Position{})
	ids := gen.MustNode(1)

	f := &fixture{
		db:       db,
		accounts: account.NewService(account.Params{DB: db, IDs: ids}),
		ledger:   ledger.NewService(ledger.ServiceParams{DB: db, IDs: ids}),
		now:      time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}

	ctrl := gomock.NewController(t)
	seq := seqmock.NewMockGenerator(ctrl)
	n := 0
	seq.EXPECT().NextStakeCode(gomock.Any()).DoAndReturn(func(context.Context) (string, error) {
		n++
		return fmt.Sprintf("STK-%03d", n), nil
	}).AnyTimes()

	f.tasks = taskmock.NewMockEnqueuer(ctrl)
	f.tasks.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
			if f.enqueueErr != nil {
				return nil, f.enqueueErr
			}
			f.enqueued = append(f.enqueued, task)
			return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.enqueued))}, nil
		}).AnyTimes()

	if flags == nil {
		flags = featureflags.Static(nil)
	}

	f.svc = NewService(Params{
		Config:   cfg,
		DB:       db,
		IDs:      ids,
		Sequence: seq,
		Accounts: f.accounts,
		Ledger:   f.ledger,
		Tasks:    f.tasks,
		Flags:    flags,
	})
	f.svc.now = func() time.Time { return f.now }

	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) account(t *testing.T, wallet string) *account.Account {
	t.Helper()
	ctx := context.Background()
	acc := &account.Account{ReferralCode: fmt.Sprintf("REF-%d", time.Now().UnixNano()), Name: "staker"}
	require.NoError(t, f.accounts.Create(ctx, nil, acc))
	if wallet != "0" {
		_, err := f.accounts.Apply(ctx, nil, acc.ID, account.Mutation{Wallet: decimal.RequireFromString(wallet)})
		require.NoError(t, err)
	}
	return acc
}

func (f *fixture) balances(t *testing.T, id string) (wallet, staked decimal.Decimal) {
	t.Helper()
	acc, err := f.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.WalletBalance, acc.StakedBalance
}

func (f *fixture) stake(t *testing.T, accountID, amount string, days int) *StakeView {
	t.Helper()
	v, err := f.svc.CreateStake(context.Background(), CreateRequest{
		AccountID:      accountID,
		Amount:         decimal.RequireFromString(amount),
		LockPeriodDays: days,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) positions(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&Position{}).Count(&n).Error)
	return n
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestAPY(t *testing.T) {
	rate := decimal.RequireFromString("0.01")
	requireAmount(t, "144.86", APY(rate, 90))
	requireAmount(t, "34.78", APY(rate, 30))
	requireAmount(t, "0", APY(rate, 0))
}

func TestProject(t *testing.T) {
	rate := decimal.RequireFromString("0.01")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Position{
		CurrentPrincipal: decimal.NewFromInt(1000),
		StartDate:        start,
		LockPeriodDays:   90,
		Status:           StatusActive,
	}

	got := Project(p, rate, start)
	require.Equal(t, 0, got.ElapsedDays)
	require.Equal(t, 90, got.DaysRemaining)
	requireAmount(t, "1000", got.CurrentValue)
	requireAmount(t, "10", got.DailyReward)
	requireAmount(t, "0", got.TotalEarned)

	got = Project(p, rate, start.Add(10*day+23*time.Hour))
	require.Equal(t, 10, got.ElapsedDays)
	requireAmount(t, "104.62", got.TotalEarned)

	got = Project(p, rate, start.Add(200*day))
	require.Equal(t, 90, got.ElapsedDays)
	require.Equal(t, 0, got.DaysRemaining)
	requireAmount(t, "1448.63", got.TotalEarned)

	require.Equal(t, 0, ElapsedDays(start, start.Add(-time.Hour), 90))

	p.Status = StatusWithdrawn
	require.Equal(t, 90, Project(p, rate, start).ElapsedDays)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusActive.CanTransition(StatusCompleted))
	require.True(t, StatusCompleted.CanTransition(StatusWithdrawn))

	require.False(t, StatusActive.CanTransition(StatusWithdrawn))
	require.False(t, StatusCompleted.CanTransition(StatusActive))
	require.False(t, StatusWithdrawn.CanTransition(StatusActive))
	require.False(t, StatusWithdrawn.CanTransition(StatusCompleted))
	require.False(t, StatusActive.CanTransition(StatusActive))
	require.False(t, Status("").CanTransition(StatusActive))
}

func TestCreateStake(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t, "5000")

	v := f.stake(t, acc.ID, "1000", 90)
	require.Equal(t, "STK-001", v.Code)
	require.Equal(t, StatusActive, v.Status)
	require.Equal(t, 1, v.Cycle)
	requireAmount(t, "144.86", v.APY)
	requireAmount(t, "1000", v.OriginalPrincipal)
	requireAmount(t, "1000", v.CurrentPrincipal)
	require.Equal(t, f.now.Add(90*day), v.UnlockDate)
	require.Equal(t, 0, v.Projection.ElapsedDays)

	wallet, staked := f.balances(t, acc.ID)
	requireAmount(t, "4000", wallet)
	requireAmount(t, "1000", staked)

	exists, err := f.ledger.ExistsReference(context.Background(), nil, v.ID, ledger.EntryStakeLock)
	require.NoError(t, err)
	require.True(t, exists)

	require.Len(t, f.enqueued, 1)
	require.Equal(t, taskname.StakeMature, f.enqueued[0].Type())
	var payload MaturePayload
	require.NoError(t, json.Unmarshal(f.enqueued[0].Payload(), &payload))
	require.Equal(t, v.ID, payload.StakeID)
}

func TestCreateStakeValidation(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t, "5000")
	ctx := context.Background()

	_, err := f.svc.CreateStake(ctx, CreateRequest{AccountID: acc.ID, Amount: decimal.Zero, LockPeriodDays: 30})
	require.ErrorIs(t, err, account.ErrInvalidAmount)

	_, err = f.svc.CreateStake(ctx, CreateRequest{AccountID: acc.ID, Amount: decimal.NewFromInt(10), LockPeriodDays: 45})
	require.ErrorIs(t, err, ErrUnsupportedLockPeriod)

	_, err = f.svc.CreateStake(ctx, CreateRequest{AccountID: "missing", Amount: decimal.NewFromInt(10), LockPeriodDays: 30})
	require.ErrorIs(t, err, account.ErrAccountNotFound)

	require.Zero(t, f.positions(t))
	wallet, staked := f.balances(t, acc.ID)
	requireAmount(t, "5000", wallet)
	requireAmount(t, "0", staked)
}

func TestCreateStakeInsufficientFunds(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t, "500")

	_, err := f.svc.CreateStake(context.Background(), CreateRequest{
		AccountID:      acc.ID,
		Amount:         decimal.NewFromInt(1000),
		LockPeriodDays: 30,
	})
	require.ErrorIs(t, err, account.ErrInsufficientFunds)

	require.Zero(t, f.positions(t))
	wallet, staked := f.balances(t, acc.ID)
	requireAmount(t, "500", wallet)
	requireAmount(t, "0", staked)
	require.Empty(t, f.enqueued)
}

func TestCreateStakeRollsBackPositionWhenBalanceUpdateFails(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t, "5000")

	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_accounts", func(tx *gorm.DB) {
		if tx.Statement.Table == "accounts" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := f.svc.CreateStake(context.Background(), CreateRequest{
		AccountID:      acc.ID,
		Amount:         decimal.NewFromInt(1000),
		LockPeriodDays: 30,
	})
	require.Error(t, err)

	require.Zero(t, f.positions(t))
	wallet, staked := f.balances(t, acc.ID)
	requireAmount(t, "5000", wallet)
	requireAmount(t, "0", staked)
}

func TestEnqueueFailureDoesNotFailStake(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueueErr = errors.New("redis down")
	acc := f.account(t, "100")

	v := f.stake(t, acc.ID, "100", 30)
	require.Equal(t, StatusActive, v.Status)
	require.EqualValues(t, 1, f.positions(t))
}

func TestWithdrawLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	acc := f.account(t, "5000")
	v := f.stake(t, acc.ID, "1000", 30)

	_, err := f.svc.Withdraw(ctx, v.ID)
	require.ErrorIs(t, err, ErrStakeLocked)

	f.advance(29 * day)
	got, err := f.svc.GetStake(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, 29, got.Projection.ElapsedDays)

	f.advance(day)
	got, err = f.svc.GetStake(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	requireAmount(t, "347.85", got.AccruedReward)

	res, err := f.svc.Withdraw(ctx, v.ID)
	require.NoError(t, err)
	requireAmount(t, "347.85", res.Earned)
	requireAmount(t, "1347.85", res.Payout)
	require.Equal(t, StatusWithdrawn, res.Stake.Status)
	require.NotNil(t, res.Stake.WithdrawnAt)

	wallet, staked := f.balances(t, acc.ID)
	requireAmount(t, "5347.85", wallet)
	requireAmount(t, "0", staked)

	_, err = f.svc.Withdraw(ctx, v.ID)
	require.ErrorIs(t, err, ErrAlreadyWithdrawn)

	wallet, _ = f.balances(t, acc.ID)
	requireAmount(t, "5347.85", wallet)

	exists, err := f.ledger.ExistsReference(ctx, nil, v.ID, ledger.EntryStakePayout)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = f.svc.Withdraw(ctx, "missing")
	require.ErrorIs(t, err, ErrStakeNotFound)
}

func TestTransitionRejectsBackwardMove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	acc := f.account(t, "100")
	v := f.stake(t, acc.ID, "100", 30)

	f.advance(30 * day)
	_, err := f.svc.Withdraw(ctx, v.ID)
	require.NoError(t, err)

	pos, err := f.svc.find(ctx, nil, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWithdrawn, pos.Status)

	err = f.svc.transition(ctx, f.db, pos, StatusActive, f.now, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	stale := *pos
	stale.Status = StatusActive
	err = f.svc.transition(ctx, f.db, &stale, StatusCompleted, f.now, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	pos, err = f.svc.find(ctx, nil, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWithdrawn, pos.Status)
}

func TestRestake(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	acc := f.account(t, "5000")
	v := f.stake(t, acc.ID, "1000", 30)

	_, err := f.svc.Restake(ctx, v.ID)
	require.ErrorIs(t, err, ErrStakeLocked)

	f.advance(30 * day)
	res, err := f.svc.Restake(ctx, v.ID)
	require.NoError(t, err)

	require.Equal(t, StatusWithdrawn, res.Previous.Status)
	requireAmount(t, "347.85", res.Previous.AccruedReward)

	next := res.Stake
	require.Equal(t, StatusActive, next.Status)
	require.Equal(t, 2, next.Cycle)
	require.Equal(t, v.ID, next.ParentID)
	require.Equal(t, 30, next.LockPeriodDays)
	requireAmount(t, "1000", next.OriginalPrincipal)
	requireAmount(t, "1347.85", next.CurrentPrincipal)
	require.Equal(t, f.now.Add(30*day), next.UnlockDate)

	wallet, staked := f.balances(t, acc.ID)
	requireAmount(t, "4000", wallet)
	requireAmount(t, "1347.85", staked)

	exists, err := f.ledger.ExistsReference(ctx, nil, next.ID, ledger.EntryStakeRestake)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = f.svc.Restake(ctx, v.ID)
	require.ErrorIs(t, err, ErrAlreadyWithdrawn)

	_, err = f.svc.Restake(ctx, next.ID)
	require.ErrorIs(t, err, ErrStakeLocked)

	f.advance(30 * day)
	out, err := f.svc.Withdraw(ctx, next.ID)
	require.NoError(t, err)
	requireAmount(t, "1816.7", out.Payout)

	wallet, staked = f.balances(t, acc.ID)
	requireAmount(t, "5816.7", wallet)
	requireAmount(t, "0", staked)
}

func TestRestakeDisabled(t *testing.T) {
	f := newFixture(t, featureflags.Static(map[string]bool{featureflags.RestakeEnabled: false}))
	acc := f.account(t, "100")
	v := f.stake(t, acc.ID, "100", 30)
	f.advance(30 * day)

	_, err := f.svc.Restake(context.Background(), v.ID)
	require.ErrorIs(t, err, ErrRestakeDisabled)
}

func TestListStakes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	acc := f.account(t, "1000")

	first := f.stake(t, acc.ID, "100", 30)
	f.advance(time.Hour)
	second := f.stake(t, acc.ID, "200", 90)

	all, err := f.svc.ListStakes(ctx, ListRequest{AccountID: acc.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID)
	require.Equal(t, first.ID, all[1].ID)

	f.advance(30 * day)
	active, err := f.svc.ListStakes(ctx, ListRequest{AccountID: acc.ID, Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 2)
	// the first one matured while being listed
	require.Equal(t, StatusCompleted, active[1].Status)

	completed, err := f.svc.ListStakes(ctx, ListRequest{AccountID: acc.ID, Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, first.ID, completed[0].ID)

	_, err = f.svc.ListStakes(ctx, ListRequest{AccountID: acc.ID, Status: "paused"})
	require.Error(t, err)

	_, err = f.svc.ListStakes(ctx, ListRequest{AccountID: "missing"})
	require.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestSweepMatured(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	acc := f.account(t, "1000")

	a := f.stake(t, acc.ID, "100", 30)
	b := f.stake(t, acc.ID, "100", 30)
	c := f.stake(t, acc.ID, "100", 90)

	f.svc.batch = 1
	f.advance(31 * day)

	res, err := f.svc.SweepMatured(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Matured)
	require.Zero(t, res.Failed)

	for _, id := range []string{a.ID, b.ID} {
		pos, err := f.svc.find(ctx, nil, id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, pos.Status)
	}

	ok, err := f.svc.Mature(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.Mature(ctx, c.ID)
	require.ErrorIs(t, err, ErrStakeLocked)

	res, err = f.svc.SweepMatured(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Matured)
}

func TestHandleMatureTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	acc := f.account(t, "100")
	v := f.stake(t, acc.ID, "100", 30)

	err := f.svc.HandleMatureTask(ctx, asynq.NewTask(taskname.StakeMature, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	missing, _ := json.Marshal(MaturePayload{StakeID: "missing"})
	err = f.svc.HandleMatureTask(ctx, asynq.NewTask(taskname.StakeMature, missing))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task := f.enqueued[0]
	err = f.svc.HandleMatureTask(ctx, task)
	require.ErrorIs(t, err, ErrStakeLocked)

	f.advance(30 * day)
	require.NoError(t, f.svc.HandleMatureTask(ctx, task))
	require.NoError(t, f.svc.HandleMatureTask(ctx, task))

	pos, err := f.svc.find(ctx, nil, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, pos.Status)

	require.NoError(t, f.svc.HandleSweepTask(ctx, asynq.NewTask(taskname.StakeMaturitySweep, nil)))
}

func TestScheduler(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	require.Equal(t, at(1, 0), nextRunTime(at(0, 30), 1, 0))
	require.Equal(t, at(1, 0).AddDate(0, 0, 1), nextRunTime(at(1, 0), 1, 0))
	require.Equal(t, at(1, 0).AddDate(0, 0, 1), nextRunTime(at(13, 0), 1, 0))

	f := newFixture(t, nil)
	cfg := testutil.NewTestConfig(t)
	cfg.Staking.SweepHour = 42
	s := NewScheduler(cfg, f.tasks)
	require.Equal(t, 1, s.hour)

	require.NoError(t, s.EnqueueSweep(context.Background()))
	require.Len(t, f.enqueued, 1)
	require.Equal(t, taskname.StakeMaturitySweep, f.enqueued[0].Type())

	f.enqueueErr = fmt.Errorf("%s: %w", taskname.StakeMaturitySweep, task.ErrAlreadyQueued)
	require.NoError(t, s.EnqueueSweep(context.Background()))

	f.enqueueErr = errors.New("redis down")
	require.Error(t, s.EnqueueSweep(context.Background()))
}

func TestPlans(t *testing.T) {
	f := newFixture(t, nil)
	plans := f.svc.Plans()
	require.Len(t, plans, 4)
	require.Equal(t, 30, plans[0].LockPeriodDays)
	require.Equal(t, 90, plans[2].LockPeriodDays)
	requireAmount(t, "144.86", plans[2].APY)
}

func TestHandlers(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t, "1000")

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
		return w
	}

	w := do(http.MethodPost, "/v1/stakes", `{"account_id":"`+acc.ID+`","amount":"400","lock_period_days":90}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created StakeView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	requireAmount(t, "144.86", created.APY)

	w = do(http.MethodPost, "/v1/stakes", `{"account_id":"`+acc.ID+`","amount":"400","lock_period_days":45}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/v1/stakes", `{"account_id":"`+acc.ID+`","amount":"4000","lock_period_days":30}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(http.MethodPost, "/v1/stakes", `{"amount":"1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodGet, "/v1/stakes/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodGet, "/v1/stakes/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodGet, "/v1/accounts/"+acc.ID+"/stakes", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), created.ID)

	w = do(http.MethodPost, "/v1/stakes/"+created.ID+"/withdraw", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(http.MethodGet, "/v1/stakes/plans", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"lock_period_days":180`)

	f.advance(90 * day)
	w = do(http.MethodPost, "/v1/stakes/"+created.ID+"/withdraw", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodPost, "/v1/stakes/"+created.ID+"/withdraw", "")
	require.Equal(t, http.StatusConflict, w.Code)
}
