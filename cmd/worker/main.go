package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"stakeledger/pkg/config"
	"stakeledger/pkg/db"
	"stakeledger/pkg/featureflags"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/hashistack/secretmanager"
	"stakeledger/pkg/logger"
	"stakeledger/pkg/profiling"
	"stakeledger/pkg/redis"
	"stakeledger/pkg/sequence"
	"stakeledger/pkg/task"
	"stakeledger/services/account"
	"stakeledger/services/ledger"
	"stakeledger/services/staking"
)

// The worker matures stakes at their unlock date and runs the daily sweep.
// Schema migration is left to the API binary.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		task.Server,
		gen.Module,
		profiling.Module,
		featureflags.Module,
		fx.Provide(
			account.NewService,
			ledger.NewService,
		),
		staking.WorkerModule,
		fxLogger,
	}

	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
