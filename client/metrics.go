package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

/*
Prometheus metrics of a client.
The metrics are always collected and only exposed when a registerer is given to NewClientMetrics.
*/
type ClientMetrics struct {
	Requests             *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	SessionGeneration    prometheus.Gauge
	WatchEvents          prometheus.Counter
	WatchResubscriptions prometheus.Counter
	LeaseRefreshes       *prometheus.CounterVec
	LeaseExpirations     prometheus.Counter

	registerer prometheus.Registerer
	registered []prometheus.Collector
}

func NewClientMetrics(reg prometheus.Registerer) (*ClientMetrics, error) {
	metrics := &ClientMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "etcd_client",
				Name:      "requests_total",
				Help:      "Total number of unary requests sent to the store",
			},
			[]string{"operation", "result"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "etcd_client",
				Name:      "request_duration_seconds",
				Help:      "Duration of unary requests in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		),
		SessionGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "etcd_client",
				Name:      "session_generation",
				Help:      "Generation of the current connection session, incremented on every reconnection",
			},
		),
		WatchEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "etcd_client",
				Name:      "watch_events_total",
				Help:      "Total number of watch events delivered to subscriptions",
			},
		),
		WatchResubscriptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "etcd_client",
				Name:      "watch_resubscriptions_total",
				Help:      "Total number of subscriptions re-issued after the watch stream was reopened",
			},
		),
		LeaseRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "etcd_client",
				Name:      "lease_refreshes_total",
				Help:      "Total number of lease keep-alive refreshes",
			},
			[]string{"result"},
		),
		LeaseExpirations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "etcd_client",
				Name:      "lease_expirations_total",
				Help:      "Total number of leases observed as expired",
			},
		),
	}

	if reg == nil {
		return metrics, nil
	}

	collectors := []prometheus.Collector{
		metrics.Requests,
		metrics.RequestDuration,
		metrics.SessionGeneration,
		metrics.WatchEvents,
		metrics.WatchResubscriptions,
		metrics.LeaseRefreshes,
		metrics.LeaseExpirations,
	}
	metrics.registerer = reg
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			metrics.Unregister()
			return nil, err
		}
		metrics.registered = append(metrics.registered, collector)
	}

	return metrics, nil
}

/*
Removes the metrics from the registerer they were registered on, so that another client can register its own.
Called when the client is closed or fails to connect.
*/
func (m *ClientMetrics) Unregister() {
	if m.registerer == nil {
		return
	}
	for _, collector := range m.registered {
		m.registerer.Unregister(collector)
	}
	m.registered = nil
}

func (m *ClientMetrics) observeRequest(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(operation, result).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
