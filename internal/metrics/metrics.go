// Package metrics exposes Prometheus instruments for generated routes and generation calls.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests and multiple servers never collide
// on the global one. A nil *Recorder records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	routes      prometheus.Gauge
	generations *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kebapi",
			Name:      "generated_requests_total",
			Help:      "Requests served by generated routes.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kebapi",
			Name:      "generated_request_duration_seconds",
			Help:      "Latency of requests served by generated routes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kebapi",
			Name:      "mounted_routes",
			Help:      "Route bindings currently installed.",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kebapi",
			Name:      "generations_total",
			Help:      "Endpoint generation attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
	reg.MustRegister(
		r.requests, r.duration, r.routes, r.generations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRequest records one request served by route.
func (r *Recorder) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetRoutes reports the number of installed bindings.
func (r *Recorder) SetRoutes(n int) {
	if r == nil {
		return
	}
	r.routes.Set(float64(n))
}

// ObserveGeneration counts a generation attempt.
func (r *Recorder) ObserveGeneration(mode, outcome string) {
	if r == nil {
		return
	}
	r.generations.WithLabelValues(mode, outcome).Inc()
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
