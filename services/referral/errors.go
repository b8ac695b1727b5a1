package referral

import "stakeledger/pkg/errutil"

var (
	ErrNameRequired    = errutil.BadRequest("name is required", nil)
	ErrUplineAssigned  = errutil.Conflict("upline already assigned", nil)
	ErrReferralCodeGen = errutil.New(errutil.StatusServiceUnavailable, "referral code generator unavailable")
)
