package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// publishedTotal counts publications by queue and delivery mode.
var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "router_published_total",
	Help: "Total task publications by queue and mode (direct or fallback)",
}, []string{"queue", "mode"})
