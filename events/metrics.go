package events

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_events_published_total",
	Help: "Total number of events published on the bus",
}, []string{"topic"})

var eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_events_delivered_total",
	Help: "Total number of events handed to subscriber queues",
}, []string{"topic"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_events_dropped_total",
	Help: "Total number of events dropped due to subscriber overflow",
}, []string{"topic"})

var bridgeEventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_bridge_events_forwarded_total",
	Help: "Events mirrored to the redis bridge",
})

var bridgeEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_bridge_events_received_total",
	Help: "Events received from the redis bridge",
})

// topicClass collapses per-user/per-conversation topics into their
// prefix so the label set stays bounded.
func topicClass(t Topic) string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
