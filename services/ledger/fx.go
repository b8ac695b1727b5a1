package ledger

import (
	"stakeledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)
