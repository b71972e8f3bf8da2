// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the identity and linking services.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes recorded by IdentityResolutions.
const (
	OutcomeCreated  = "created"
	OutcomeMerged   = "merged"
	OutcomeRepaired = "repaired"
	OutcomeFailed   = "failed"
)

// Metrics holds every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	IdentityResolutions *prometheus.CounterVec
	ResolveConflicts    *prometheus.CounterVec
	SearchRequests      *prometheus.CounterVec
	LinksCreated        *prometheus.CounterVec
	LinksRevoked        prometheus.Counter
	LinkBatchDuration   prometheus.Histogram
	OutboxPublished     *prometheus.CounterVec
	ImportRows          *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them with reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the default
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		IdentityResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_identity_resolutions_total",
			Help: "Find-or-create calls by outcome",
		}, []string{"outcome", "source"}),
		ResolveConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_resolve_conflicts_total",
			Help: "Unique-constraint conflicts hit while creating identities",
		}, []string{"kind"}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_search_requests_total",
			Help: "Patient searches by result",
		}, []string{"result"}),
		LinksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_links_created_total",
			Help: "Appointment links created by method",
		}, []string{"method"}),
		LinksRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patientlink_links_revoked_total",
			Help: "Appointment links revoked by operators",
		}),
		LinkBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patientlink_link_batch_duration_seconds",
			Help:    "Duration of a full link-all-profiles run",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_outbox_published_total",
			Help: "Outbox entries relayed to Kafka by result",
		}, []string{"result"}),
		ImportRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_import_rows_total",
			Help: "Schedule import rows by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientlink_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientlink_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.IdentityResolutions,
		m.ResolveConflicts,
		m.SearchRequests,
		m.LinksCreated,
		m.LinksRevoked,
		m.LinkBatchDuration,
		m.OutboxPublished,
		m.ImportRows,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) ObserveResolution(outcome, source string) {
	if m == nil {
		return
	}
	m.IdentityResolutions.WithLabelValues(outcome, source).Inc()
}

func (m *Metrics) ObserveConflict(kind string) {
	if m == nil {
		return
	}
	m.ResolveConflicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSearch(hits int) {
	if m == nil {
		return
	}
	result := "hit"
	if hits == 0 {
		result = "miss"
	}
	m.SearchRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLink(method string) {
	if m == nil {
		return
	}
	m.LinksCreated.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveRevoke() {
	if m == nil {
		return
	}
	m.LinksRevoked.Inc()
}

func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.LinkBatchDuration.Observe(d.Seconds())
}

func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboxPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveImportRow(result string) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the route
// template, not the raw path, so IDs do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)

			m.HTTPRequests.WithLabelValues(method, route, status).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
