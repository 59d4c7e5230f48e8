package broker

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "broker_queue_depth",
	Help: "Pending messages per broker queue",
}, []string{"queue"})

// SampleDepth refreshes the queue-depth gauges for the given queues.
func (b *Broker) SampleDepth(ctx context.Context, queues []string) error {
	depths, err := b.QueueDepth(ctx, queues)
	if err != nil {
		return err
	}
	for queue, depth := range depths {
		queueDepth.WithLabelValues(queue).Set(float64(depth))
	}
	return nil
}
