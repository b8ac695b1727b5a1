package staking

import "stakeledger/pkg/errutil"

var (
	ErrStakeNotFound         = errutil.NotFound("stake not found", nil)
	ErrUnsupportedLockPeriod = errutil.BadRequest("unsupported lock period", nil)
	ErrInvalidTransition     = errutil.UnprocessableEntity("invalid stake status transition", nil)
	ErrStakeLocked           = errutil.UnprocessableEntity("stake is still locked", nil)
	ErrAlreadyWithdrawn      = errutil.Conflict("stake already withdrawn", nil)
	ErrRestakeDisabled       = errutil.Forbidden("restake is disabled", nil)
	ErrStakeCodeGen          = errutil.New(errutil.StatusServiceUnavailable, "stake code generator unavailable")
)
