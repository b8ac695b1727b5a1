package account

import "stakeledger/pkg/errutil"

var (
	ErrAccountNotFound    = errutil.NotFound("account not found", nil)
	ErrInvalidAmount      = errutil.BadRequest("amount must be greater than zero", nil)
	ErrInsufficientFunds  = errutil.UnprocessableEntity("insufficient wallet balance", nil)
	ErrInsufficientStaked = errutil.UnprocessableEntity("insufficient staked balance", nil)
	ErrNegativeBalance    = errutil.UnprocessableEntity("balance would become negative", nil)
	ErrVersionConflict    = errutil.Conflict("account was modified concurrently", nil)
)
