package staking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stakeledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.StakeMature, svc.HandleMatureTask)
	mux.HandleFunc(taskname.StakeMaturitySweep, svc.HandleSweepTask)
}

// HandleMatureTask completes one stake at its unlock date. A task that fires
// early is retried; a stake that no longer exists is dropped.
func (s *Service) HandleMatureTask(ctx context.Context, t *asynq.Task) error {
	var payload MaturePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	log := zap.L().With(zap.String("task_type", t.Type()), zap.String("stake_id", payload.StakeID))

	matured, err := s.Mature(ctx, payload.StakeID)
	switch {
	case errors.Is(err, ErrStakeNotFound):
		log.Warn("stake not found, dropping task")
		return fmt.Errorf("stake %s: %w", payload.StakeID, asynq.SkipRetry)
	case err != nil:
		log.Error("failed to mature stake", zap.Error(err))
		return err
	}

	log.Info("stake maturity task done", zap.Bool("matured", matured))
	return nil
}

func (s *Service) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	res, err := s.SweepMatured(ctx)
	if err != nil {
		zap.L().Error("maturity sweep failed", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}
	if res.Failed > 0 {
		zap.L().Warn("maturity sweep left stakes behind", zap.Int("failed", res.Failed))
	}
	return nil
}
