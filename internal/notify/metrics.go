package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// deliveriesTotal counts channel delivery attempts by outcome.
var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifications_delivered_total",
	Help: "Notification delivery attempts by channel and result",
}, []string{"channel", "result"})
