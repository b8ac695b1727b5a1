package account

import (
	"stakeledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)
