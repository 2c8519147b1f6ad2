package permission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeResolved  = "resolved"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

var (
	metricPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawbridge",
		Subsystem: "permission",
		Name:      "pending",
		Help:      "Tool approvals waiting for a decision.",
	})
	metricSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawbridge",
		Subsystem: "permission",
		Name:      "settled_total",
		Help:      "Tool approvals settled, by outcome.",
	}, []string{"outcome"})
)
