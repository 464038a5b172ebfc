package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Request counters/histograms, declared as package vars so the middleware
// can reference them without threading a registry through every handler.
var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datify_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datify_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RegisterTelemetry adds this package's collectors to reg. Call once at
// daemon startup alongside internal/metrics.Register.
func RegisterTelemetry(reg prometheus.Registerer) {
	reg.MustRegister(RequestsTotal, RequestDuration)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request duration and count against the route
// pattern chi matched, not the raw path (so /databases/{id} doesn't create
// one timeseries per instance).
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
	})
}
