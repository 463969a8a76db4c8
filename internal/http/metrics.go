package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JoeProAI/neural-weights-hub/internal/metrics"
)

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		requestLabels := []string{"method", "route", "status"}
		r.requestTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwh",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "API requests by method, route pattern and status.",
		}, requestLabels))
		r.requestLatency = metrics.Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nwh",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "API handler latency. Chat and sandbox creation sit in the upper buckets.",
			Buckets:   latencyBuckets,
		}, requestLabels))
		r.rateLimitHits = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwh",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected with 429, by rule and key kind.",
		}, []string{"route", "key"}))
		r.realtimeConns = metrics.Register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nwh",
			Subsystem: "api",
			Name:      "realtime_connections",
			Help:      "Open activity streams and collaboration sockets.",
		}, []string{"channel"}))
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, took time.Duration) {
	if !r.metricsInitialized {
		return
	}
	code := strconv.Itoa(status)
	r.requestTotal.WithLabelValues(method, route, code).Inc()
	r.requestLatency.WithLabelValues(method, route, code).Observe(took.Seconds())
}

func (r *Router) recordRateLimitHit(route, kind string) {
	if r.metricsInitialized {
		r.rateLimitHits.WithLabelValues(route, kind).Inc()
	}
}

func (r *Router) trackRealtime(channel string, delta float64) {
	if r.metricsInitialized {
		r.realtimeConns.WithLabelValues(channel).Add(delta)
	}
}
