// Package metrics exposes Prometheus collectors for the vault service and
// serves them on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors updated by the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// VaultTransitions counts vault status changes by source and target status.
	VaultTransitions *prometheus.CounterVec
	// Events counts emitted notification events by type.
	Events *prometheus.CounterVec
	// ConflictRetries counts optimistic concurrency retries.
	ConflictRetries prometheus.Counter
	// Evaluations counts scheduler evaluations by outcome.
	Evaluations *prometheus.CounterVec
	// EvaluationDuration tracks the duration of a full EvaluateAll pass.
	EvaluationDuration prometheus.Histogram
	// Reconstructions counts reconstruction attempts by outcome.
	Reconstructions *prometheus.CounterVec
	// HTTPRequests counts API requests by method, route and status.
	HTTPRequests *prometheus.CounterVec
	// HTTPRequestDuration tracks API latency by method and route.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VaultTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_transitions_total",
				Help:      "Vault status transitions",
			},
			[]string{"from", "to"},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Notification events emitted",
			},
			[]string{"type"},
		),
		ConflictRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_conflict_retries_total",
				Help:      "Retries caused by concurrent modification of a vault record",
			},
		),
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Vault evaluations by result",
			},
			[]string{"result"},
		),
		EvaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_pass_duration_seconds",
				Help:      "Duration of a full evaluation pass over all vaults",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Reconstructions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconstructions_total",
				Help:      "Secret reconstruction attempts by result",
			},
			[]string{"result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.VaultTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

func (m *Metrics) Evaluation(result string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) EvaluationPass(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) Reconstruction(result string) {
	if m == nil {
		return
	}
	m.Reconstructions.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// MetricsServer serves a private registry on its own address.
type MetricsServer struct {
	Registry *prometheus.Registry
	Metrics  *Metrics

	srv *http.Server
}

func New(namespace, listenAddr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		Registry: reg,
		Metrics:  NewMetrics(namespace, reg),
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
