package taskname

const (
	// Staking tasks
	StakeMature        = "stake:mature"
	StakeMaturitySweep = "stake:maturity:sweep"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
