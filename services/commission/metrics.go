package commission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_events_total",
			Help: "Deposit and profit events distributed, by event and path",
		},
		[]string{"event", "path"},
	)

	payoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_payouts_total",
			Help: "Commission amount credited, by entry type and level",
		},
		[]string{"type", "level"},
	)
)
