// Package metrics exposes registry and HTTP activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erazemk/najdeno/internal/model"
)

// Collector implements registry.Metrics and records HTTP response statuses.
type Collector struct {
	thingsCreated      prometheus.Counter
	quotaRejections    prometheus.Counter
	compensationFailed prometheus.Counter
	nearbyLatency      prometheus.Histogram
	nearbyResults      prometheus.Histogram
	contacts           *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector creates the collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		thingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "najdeno_things_created_total",
			Help: "Things created.",
		}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "najdeno_quota_rejections_total",
			Help: "Creations rejected by the weekly quota.",
		}),
		compensationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "najdeno_quota_compensation_failures_total",
			Help: "Quota slots that could not be released after a failed insert.",
		}),
		nearbyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "najdeno_nearby_query_seconds",
			Help:    "Latency of nearby queries against the store.",
			Buckets: prometheus.DefBuckets,
		}),
		nearbyResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "najdeno_nearby_query_results",
			Help:    "Number of things returned by nearby queries.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
		contacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "najdeno_contact_messages_total",
			Help: "Contact messages by outcome.",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "najdeno_http_responses_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.thingsCreated,
		c.quotaRejections,
		c.compensationFailed,
		c.nearbyLatency,
		c.nearbyResults,
		c.contacts,
		c.httpStatus,
	)

	return c
}

func (c *Collector) ThingCreated() {
	c.thingsCreated.Inc()
}

func (c *Collector) QuotaRejected() {
	c.quotaRejections.Inc()
}

func (c *Collector) CompensationFailed() {
	c.compensationFailed.Inc()
}

func (c *Collector) NearbyQuery(results int, elapsed time.Duration) {
	c.nearbyLatency.Observe(elapsed.Seconds())
	c.nearbyResults.Observe(float64(results))
}

func (c *Collector) ContactRelayed(err error) {
	outcome := "sent"
	if err != nil {
		outcome = model.Kind(err)
		if outcome == model.KindInternal {
			outcome = model.KindDelivery
		}
	}
	c.contacts.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus counts one response with the given status code.
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
