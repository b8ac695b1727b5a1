package staking

import (
	"context"
	"errors"
	"time"

	"stakeledger/pkg/config"
	"stakeledger/pkg/task"
	"stakeledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues the maturity sweep once a day.
type Scheduler struct {
	tasks task.Enqueuer
	hour  int
}

func NewScheduler(cfg *config.Config, tasks task.Enqueuer) *Scheduler {
	hour := cfg.Staking.SweepHour
	if hour < 0 || hour > 23 {
		hour = 1
	}
	return &Scheduler{tasks: tasks, hour: hour}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started stake maturity scheduler", zap.Int("hour", s.hour))

	for {
		now := time.Now()
		next := nextRunTime(now, s.hour, 0)

		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)

		select {
		case <-time.After(next.Sub(now)):
			if err := s.EnqueueSweep(ctx); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue maturity sweep", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) EnqueueSweep(ctx context.Context) error {
	info, err := s.tasks.Enqueue(ctx, asynq.NewTask(taskname.StakeMaturitySweep, nil),
		asynq.Queue(taskname.QueueLow),
		asynq.Unique(time.Hour),
	)
	if errors.Is(err, task.ErrAlreadyQueued) {
		zap.L().Info("[Scheduler] maturity sweep already queued")
		return nil
	}
	if err != nil {
		return err
	}
	zap.L().Info("[Scheduler] maturity sweep enqueued", zap.String("task_id", info.ID))
	return nil
}

// nextRunTime is the next occurrence of hour:minute strictly after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
