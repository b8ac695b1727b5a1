package referral

import (
	"stakeledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)
