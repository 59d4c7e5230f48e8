package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// requeuedTotal counts recovery re-dispatches by reason.
var requeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "recovery_requeued_total",
	Help: "Jobs requeued by the recovery scanner, by reason",
}, []string{"reason"})
