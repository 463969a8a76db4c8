package daytona

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JoeProAI/neural-weights-hub/internal/metrics"
)

var (
	metricsOnce     sync.Once
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		requestTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwh",
			Subsystem: "daytona",
			Name:      "requests_total",
			Help:      "Count of Daytona API calls",
		}, []string{"op", "status"}))
		requestDuration = metrics.Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nwh",
			Subsystem: "daytona",
			Name:      "request_duration_seconds",
			Help:      "Latency of Daytona API calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}))
	})
}

func observe(op string, status int, took time.Duration) {
	if requestTotal == nil || requestDuration == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	requestTotal.WithLabelValues(op, label).Inc()
	requestDuration.WithLabelValues(op).Observe(took.Seconds())
}
