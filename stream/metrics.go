package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// fanoutLag measures note creation to websocket delivery, recovered
// from the timestamp embedded in the note id.
var fanoutLag = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "stream_note_fanout_lag_seconds",
	Help:    "Delay between a note's creation and its delivery to a streaming channel",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
})
