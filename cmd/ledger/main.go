package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stakeledger/pkg/config"
	"stakeledger/pkg/db"
	"stakeledger/pkg/featureflags"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/hashistack/secretmanager"
	"stakeledger/pkg/health"
	"stakeledger/pkg/httpapi"
	"stakeledger/pkg/logger"
	"stakeledger/pkg/otelcol"
	"stakeledger/pkg/profiling"
	"stakeledger/pkg/redis"
	"stakeledger/pkg/sequence"
	"stakeledger/pkg/server"
	"stakeledger/pkg/task"
	"stakeledger/services/account"
	"stakeledger/services/commission"
	"stakeledger/services/ledger"
	"stakeledger/services/referral"
	"stakeledger/services/staking"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		gen.Module,
		otelcol.Module,
		profiling.Module,
		featureflags.Module,
		health.Module,
		httpapi.Module,
		account.Module,
		referral.Module,
		ledger.Module,
		commission.Module,
		staking.Module,
		fx.Invoke(migrate),
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func migrate(conn *gorm.DB) error {
	return db.Migrate(conn, &account.Account{}, &ledger.Entry{}, &staking.Position{})
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
