package localqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fallbackDepth tracks entries currently waiting in the fallback queue.
	fallbackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fallback_queue_depth",
		Help: "Number of pending entries in the local fallback queue",
	})

	// fallbackDrained counts drain outcomes.
	fallbackDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallback_queue_drained_total",
		Help: "Total drain attempts by outcome",
	}, []string{"result"})
)
