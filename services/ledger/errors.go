package ledger

import "stakeledger/pkg/errutil"

var (
	ErrDuplicateReference = errutil.Conflict("reference already recorded", nil)
	ErrEntryNotFound      = errutil.NotFound("ledger entry not found", nil)
	ErrInvalidEntry       = errutil.BadRequest("invalid ledger entry", nil)
	ErrInvalidCursor      = errutil.BadRequest("invalid cursor", nil)
)
