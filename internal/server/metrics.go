package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gpstrack"

// metrics holds the collector's Prometheus instruments.
type metrics struct {
	datagrams      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	responses      *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
}

// Drop reasons.
const (
	dropFraming = "framing"
	dropDecode  = "decode"
	dropInvalid = "invalid_kind"
)

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "datagrams_total",
			Help:      "Datagrams received, by decoded message kind",
		}, []string{"kind"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "dropped_total",
			Help:      "Datagrams dropped without a reply",
		}, []string{"reason"}),

		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "responses_total",
			Help:      "Responses sent, by kind and status",
		}, []string{"kind", "status"}),

		handleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one datagram",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}
