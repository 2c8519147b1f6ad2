package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeAborted   = "aborted"
)

var (
	metricActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawbridge",
		Subsystem: "session",
		Name:      "active",
		Help:      "Engine invocations in flight.",
	})
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawbridge",
		Subsystem: "session",
		Name:      "runs_total",
		Help:      "Finished engine invocations, by outcome.",
	}, []string{"outcome"})
	metricRebinds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clawbridge",
		Subsystem: "session",
		Name:      "rebinds_total",
		Help:      "Session ids adopted from the engine.",
	})
)
