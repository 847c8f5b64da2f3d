package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesQueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mikoto_federation_deliveries_queued",
	Help: "Number of activities accepted into the delivery queue",
})

var deliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mikoto_federation_deliveries_dropped",
	Help: "Number of activities rejected because the queue was full",
})

var deliveriesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mikoto_federation_deliveries_succeeded",
	Help: "Number of activities accepted by a remote inbox",
})

var deliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mikoto_federation_deliveries_failed",
	Help: "Number of activities a remote inbox refused after retries",
})
