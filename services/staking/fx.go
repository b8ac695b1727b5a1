package staking

import (
	"stakeledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("staking.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)

// WorkerModule runs the maturity tasks and the daily sweep scheduler.
var WorkerModule = fx.Module("staking.worker",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(
		RegisterHandlers,
		StartScheduler,
	),
)
