package staking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stake_positions_total",
			Help: "Stake positions opened, by lock period",
		},
		[]string{"lock_period_days"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stake_transitions_total",
			Help: "Stake status transitions, by target status",
		},
		[]string{"status"},
	)

	stakedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_locked_amount_total",
		Help: "Principal locked by new stakes",
	})
)
