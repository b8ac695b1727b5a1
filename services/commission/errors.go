package commission

import "stakeledger/pkg/errutil"

var (
	ErrInvalidEvent     = errutil.BadRequest("event must be deposit or profit", nil)
	ErrReferenceMissing = errutil.BadRequest("reference_id is required", nil)
	ErrRuleEvaluation   = errutil.Internal("failed to evaluate direct commission rule", nil)
	ErrAlreadyPaid      = errutil.Conflict("commissions already paid for this reference", nil)
)
