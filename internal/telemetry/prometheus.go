// Package telemetry holds the process metrics: Prometheus counters scraped
// from the API at /metrics, and CloudWatch datapoints pushed by the
// reconcile sweeper.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tollgate"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "transitions_total",
			Help:      "Entitlement transitions applied by the reconciler, by kind.",
		},
		[]string{"kind"},
	)

	quotaBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "quota_blocks_total",
			Help:      "Downgrades refused by the quota guard, by trigger.",
		},
		[]string{"trigger"},
	)

	staleCustomersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "stale_customers_total",
		Help:      "Customer references found missing at the gateway and cleared.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		webhookEventsTotal,
		transitionsTotal,
		quotaBlocksTotal,
		staleCustomersTotal,
	)
}

// Prometheus records into the package-level collectors. The zero value is
// ready to use.
type Prometheus struct{}

func (Prometheus) RecordRequest(method, route, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (Prometheus) RecordWebhookEvent(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (Prometheus) RecordTransition(kind string) {
	transitionsTotal.WithLabelValues(kind).Inc()
}

func (Prometheus) RecordQuotaBlock(trigger string) {
	quotaBlocksTotal.WithLabelValues(trigger).Inc()
}

func (Prometheus) RecordStaleCustomer() {
	staleCustomersTotal.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
