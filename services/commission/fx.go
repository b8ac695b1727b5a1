package commission

import (
	"stakeledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)
