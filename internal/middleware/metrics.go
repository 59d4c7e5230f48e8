package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rejectionsTotal counts requests actually turned away with a 429.
var rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ratelimit_rejections_total",
	Help: "Requests rejected by a rate limit, by scope and check kind",
}, []string{"scope", "kind"})

// backendErrorsTotal counts counter-store failures. These requests are
// admitted, not rejected, so they get their own series.
var backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ratelimit_backend_errors_total",
	Help: "Rate limit counter-store errors that degraded to admission, by scope",
}, []string{"scope"})
